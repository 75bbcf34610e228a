package rfkill

import (
	"encoding/json"
	"slices"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mil-ad/rfkilld/internal/logger"
	"github.com/mil-ad/rfkilld/internal/telemetry"
)

// BlockState is the kill-switch state of one radio.
type BlockState uint8

const (
	StateUnknown BlockState = iota
	StateUnblocked
	StateSoftBlocked
	StateHardBlocked
)

// StateFromFlags derives a block state from an event's flags. A hard block
// wins over a soft one.
func StateFromFlags(soft, hard bool) BlockState {
	switch {
	case hard:
		return StateHardBlocked
	case soft:
		return StateSoftBlocked
	}
	return StateUnblocked
}

func (s BlockState) String() string {
	switch s {
	case StateUnblocked:
		return "unblocked"
	case StateSoftBlocked:
		return "soft"
	case StateHardBlocked:
		return "hard"
	}
	return "unknown"
}

func (s BlockState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *BlockState) UnmarshalText(b []byte) error {
	v, err := parseName[BlockState](string(b), int(StateHardBlocked)+1, "state")
	*s = v
	return err
}

// Device is the registry's record for one rfkill index.
type Device struct {
	Index uint32     `json:"index"`
	Name  string     `json:"name"`
	Type  Type       `json:"type"`
	Class Class      `json:"class"`
	State BlockState `json:"state"`
}

// Delta describes what one or more applied events changed.
type Delta struct {
	Changed           map[uint32]struct{}
	MembershipChanged bool
}

func (d *Delta) mark(index uint32) {
	if d.Changed == nil {
		d.Changed = make(map[uint32]struct{})
	}
	d.Changed[index] = struct{}{}
}

func (d Delta) Empty() bool { return len(d.Changed) == 0 && !d.MembershipChanged }

func (d *Delta) Merge(o Delta) {
	for idx := range o.Changed {
		d.mark(idx)
	}
	d.MembershipChanged = d.MembershipChanged || o.MembershipChanged
}

// Indices returns the changed indices in ascending order.
func (d Delta) Indices() []uint32 {
	out := make([]uint32, 0, len(d.Changed))
	for idx := range d.Changed {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out
}

// Registry is the authoritative map of known devices. It is mutated only by
// Apply and is confined to the goroutine that owns the device node.
type Registry struct {
	log     zerolog.Logger
	names   Resolver
	devices map[uint32]*Device
	order   []uint32
}

func NewRegistry(names Resolver, log zerolog.Logger) *Registry {
	return &Registry{
		log:     logger.WithComponent(log, "registry"),
		names:   names,
		devices: make(map[uint32]*Device),
	}
}

func (r *Registry) Len() int { return len(r.order) }

func (r *Registry) Get(index uint32) (Device, bool) {
	d, ok := r.devices[index]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Apply folds one event into the registry. It never fails: anomalies are
// logged and the event is applied as far as it makes sense.
func (r *Registry) Apply(ev Event) Delta {
	var delta Delta
	telemetry.EventsTotal.WithLabelValues(ev.Op.String()).Inc()

	switch ev.Op {
	case OpAdd:
		if d, ok := r.devices[ev.Index]; ok {
			r.checkType(d, ev)
			d.State = ev.State()
			delta.mark(ev.Index)
			return delta
		}
		r.insert(ev, ev.State())
		delta.mark(ev.Index)
		delta.MembershipChanged = true

	case OpRemove:
		d, ok := r.devices[ev.Index]
		if !ok {
			r.log.Warn().Uint32("index", ev.Index).Msg("remove for unknown device ignored")
			telemetry.EventsIgnored.WithLabelValues("unknown_index").Inc()
			return delta
		}
		r.log.Debug().Uint32("index", ev.Index).Str("name", d.Name).Msg("device removed")
		delete(r.devices, ev.Index)
		r.order = slices.DeleteFunc(r.order, func(idx uint32) bool { return idx == ev.Index })
		delta.MembershipChanged = true

	case OpChange:
		d, ok := r.devices[ev.Index]
		if !ok {
			// Treat an unseen device as blocked until its flags say otherwise.
			r.log.Warn().Uint32("index", ev.Index).Msg("change without prior add")
			telemetry.EventsIgnored.WithLabelValues("change_without_add").Inc()
			d = r.insert(ev, StateHardBlocked)
			delta.MembershipChanged = true
		} else {
			r.checkType(d, ev)
		}
		d.State = ev.State()
		delta.mark(ev.Index)

	case OpChangeAll:
		state := ev.State()
		for _, idx := range r.order {
			d := r.devices[idx]
			if ev.Type != TypeAll && d.Type != ev.Type {
				continue
			}
			d.State = state
			delta.mark(idx)
		}

	default:
		r.log.Warn().Uint32("index", ev.Index).Stringer("op", ev.Op).Msg("unknown operation ignored")
	}
	return delta
}

func (r *Registry) insert(ev Event, state BlockState) *Device {
	d := &Device{
		Index: ev.Index,
		Name:  r.names.Resolve(ev.Index),
		Type:  ev.Type,
		Class: ev.Class,
		State: state,
	}
	r.devices[ev.Index] = d
	r.order = append(r.order, ev.Index)
	r.log.Debug().Uint32("index", d.Index).Str("name", d.Name).Stringer("type", d.Type).Msg("device added")
	return d
}

// checkType warns when the kernel reports a different type for a known
// index. The type recorded at first sighting is kept.
func (r *Registry) checkType(d *Device, ev Event) {
	if d.Type == ev.Type {
		return
	}
	r.log.Warn().
		Uint32("index", d.Index).
		Str("name", d.Name).
		Stringer("was", d.Type).
		Stringer("now", ev.Type).
		Msg("device type changed")
	telemetry.EventsIgnored.WithLabelValues("type_mismatch").Inc()
}

// Snapshot returns a deep copy of the registry in insertion order.
func (r *Registry) Snapshot() Snapshot {
	devs := make([]Device, 0, len(r.order))
	for _, idx := range r.order {
		devs = append(devs, *r.devices[idx])
	}
	return Snapshot{devices: devs}
}

// Snapshot is an immutable view of the registry at one point in time.
// The zero value is an empty snapshot.
type Snapshot struct {
	devices []Device
}

func (s Snapshot) Len() int { return len(s.devices) }

// Devices returns a copy of the devices in insertion order.
func (s Snapshot) Devices() []Device { return slices.Clone(s.devices) }

func (s Snapshot) Lookup(index uint32) (Device, bool) {
	for _, d := range s.devices {
		if d.Index == index {
			return d, true
		}
	}
	return Device{}, false
}

// Find looks a device up by name, falling back to a decimal index.
func (s Snapshot) Find(key string) (Device, bool) {
	for _, d := range s.devices {
		if d.Name == key {
			return d, true
		}
	}
	if idx, err := strconv.ParseUint(key, 10, 32); err == nil {
		return s.Lookup(uint32(idx))
	}
	return Device{}, false
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &s.devices)
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.devices == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.devices)
}
