package rfkill

// Update is what consumers receive after a batch of events, or after the
// connection to the device node changed state. Snapshot is shared between
// receivers and must be treated as read-only.
type Update struct {
	State             ConnState `json:"connection"`
	Snapshot          Snapshot  `json:"devices"`
	Changed           []uint32  `json:"changed,omitempty"`
	MembershipChanged bool      `json:"membership_changed,omitempty"`
}

// Stale reports whether the snapshot may no longer match the kernel.
func (u Update) Stale() bool { return u.State != StateOpen }

// merge folds the change markers of an older, undelivered update into u.
func (u Update) merge(older Update) Update {
	var d Delta
	for _, idx := range older.Changed {
		d.mark(idx)
	}
	for _, idx := range u.Changed {
		d.mark(idx)
	}
	if len(d.Changed) > 0 {
		u.Changed = d.Indices()
	}
	u.MembershipChanged = u.MembershipChanged || older.MembershipChanged
	return u
}

// Publisher hands updates from the monitor goroutine to a single consumer.
// It holds at most one pending update: a newer one replaces it, keeping the
// union of both change sets, so a slow consumer sees fewer but complete
// notifications.
type Publisher struct {
	ch chan Update
}

func NewPublisher() *Publisher {
	return &Publisher{ch: make(chan Update, 1)}
}

// C returns the receive side. It is never closed.
func (p *Publisher) C() <-chan Update { return p.ch }

// Publish must only be called from one goroutine.
func (p *Publisher) Publish(u Update) {
	for {
		select {
		case p.ch <- u:
			return
		default:
		}
		select {
		case older := <-p.ch:
			u = u.merge(older)
		default:
		}
	}
}
