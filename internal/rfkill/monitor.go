package rfkill

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mil-ad/rfkilld/internal/logger"
	"github.com/mil-ad/rfkilld/internal/telemetry"
)

const (
	// DefaultInitialDelay covers a node that shows up shortly after we start.
	DefaultInitialDelay = time.Second

	// DefaultRetryDelay is used for every failure after the first one.
	DefaultRetryDelay = time.Minute

	readChunk = 10 * RecordSize
)

// ConnState is the state of the monitor's handle on the device node.
type ConnState uint8

const (
	StateClosed ConnState = iota
	StateOpen
	StateBackoff
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	}
	return "closed"
}

func (s ConnState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ConnState) UnmarshalText(b []byte) error {
	v, err := parseName[ConnState](string(b), int(StateBackoff)+1, "connection state")
	*s = v
	return err
}

// Status describes the connection at one point in time.
type Status struct {
	State    ConnState     `json:"state"`
	Delay    time.Duration `json:"delay,omitempty"`
	RetryAt  time.Time     `json:"retry_at,omitzero"`
	Failures int           `json:"failures"`
}

// Config configures a Monitor. Zero values select the defaults.
type Config struct {
	NodePath     string
	NameTemplate string
	InitialDelay time.Duration
	RetryDelay   time.Duration

	// Open replaces OpenNode, mostly for tests.
	Open OpenFunc
	// Names replaces the sysfs resolver built from NameTemplate.
	Names Resolver
}

// Monitor owns the device node and the registry. A single worker goroutine
// opens the node, drains events into the registry and publishes updates;
// after a failure it backs off and reopens. The registry survives reopens.
type Monitor struct {
	cfg      Config
	log      zerolog.Logger
	decoder  *Decoder
	registry *Registry
	pub      *Publisher
	status   atomic.Pointer[Status]

	// worker-owned
	failures int

	mu      sync.Mutex
	node    Node
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

func NewMonitor(cfg Config, log zerolog.Logger) *Monitor {
	if cfg.NodePath == "" {
		cfg.NodePath = DefaultNodePath
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Open == nil {
		cfg.Open = OpenNode
	}
	if cfg.Names == nil {
		cfg.Names = NewNameResolver(cfg.NameTemplate)
	}
	m := &Monitor{
		cfg:      cfg,
		log:      logger.WithComponent(log, "monitor"),
		decoder:  NewDecoder(log),
		registry: NewRegistry(cfg.Names, log),
		pub:      NewPublisher(),
	}
	m.status.Store(&Status{State: StateClosed})
	return m
}

// Updates delivers registry changes and connection transitions.
func (m *Monitor) Updates() <-chan Update { return m.pub.C() }

func (m *Monitor) Status() Status { return *m.status.Load() }

// Start begins opening and monitoring the node. Each start gets the short
// initial delay for its first open failure again. Calling Start on a running
// or stopping monitor does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.stopped = false
	// The previous worker, if any, has exited.
	m.failures = 0
	go m.run(m.stop, m.done)
}

// Stop interrupts the worker, cancels any pending retry, closes the node and
// waits for the worker to exit. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stop == nil {
		m.mu.Unlock()
		return
	}
	if !m.stopped {
		close(m.stop)
		m.stopped = true
		if m.node != nil {
			m.node.Interrupt()
		}
	}
	done := m.done
	m.mu.Unlock()

	<-done

	m.mu.Lock()
	if m.done == done {
		m.stop, m.done = nil, nil
	}
	m.mu.Unlock()
	m.log.Debug().Msg("monitor stopped")
}

func (m *Monitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			m.setStatus(Status{State: StateClosed})
			return
		default:
		}

		node, err := m.cfg.Open(m.cfg.NodePath)
		if err != nil {
			telemetry.NodeErrors.WithLabelValues("open").Inc()
			m.log.Warn().Err(err).Str("path", m.cfg.NodePath).Msg("cannot open device node")
			if !m.backoff(stop, false) {
				return
			}
			continue
		}
		if !m.attach(node) {
			_ = node.Close()
			m.setStatus(Status{State: StateClosed})
			return
		}
		telemetry.NodeOpens.Inc()
		m.log.Info().Str("path", m.cfg.NodePath).Msg("device node open")
		m.setStatus(Status{State: StateOpen, Failures: m.failures})
		m.publish(Delta{})

		err = m.serve(node, stop)
		m.detach(node)
		if errors.Is(err, ErrInterrupted) {
			m.setStatus(Status{State: StateClosed, Failures: m.failures})
			return
		}
		m.log.Error().Err(err).Str("path", m.cfg.NodePath).Msg("lost device node")
		if !m.backoff(stop, true) {
			return
		}
	}
}

// attach records node as current so Stop can interrupt it. It reports false
// if Stop already ran.
func (m *Monitor) attach(node Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.node = node
	return true
}

func (m *Monitor) detach(node Node) {
	m.mu.Lock()
	m.node = nil
	m.mu.Unlock()
	if err := node.Close(); err != nil {
		m.log.Debug().Err(err).Msg("closing device node")
	}
}

// backoff waits out the retry delay. Only an open failure before any other
// failure gets the short initial delay. It reports false if stopped meanwhile.
func (m *Monitor) backoff(stop <-chan struct{}, escalate bool) bool {
	delay := m.cfg.RetryDelay
	if !escalate && m.failures == 0 {
		delay = m.cfg.InitialDelay
	}
	m.failures++
	m.setStatus(Status{
		State:    StateBackoff,
		Delay:    delay,
		RetryAt:  time.Now().Add(delay),
		Failures: m.failures,
	})
	m.publish(Delta{})
	m.log.Info().Dur("delay", delay).Msg("retrying device node later")

	timer := time.NewTimer(delay)
	select {
	case <-stop:
		timer.Stop()
		m.setStatus(Status{State: StateClosed, Failures: m.failures})
		return false
	case <-timer.C:
		m.setStatus(Status{State: StateClosed, Failures: m.failures})
		return true
	}
}

// serve processes readiness notifications until the node fails or Wait is
// interrupted.
func (m *Monitor) serve(node Node, stop <-chan struct{}) error {
	buf := make([]byte, readChunk)
	for {
		select {
		case <-stop:
			return ErrInterrupted
		default:
		}
		if err := node.Wait(); err != nil {
			return err
		}
		batch, err := m.drain(node, buf)
		if err != nil {
			return err
		}
		if err := m.apply(batch); err != nil {
			return err
		}
	}
}

// drain reads until the node would block. Any failure discards everything
// read in this pass.
func (m *Monitor) drain(node Node, buf []byte) ([]byte, error) {
	var pending []byte
	for {
		n, err := node.Read(buf)
		switch {
		case errors.Is(err, ErrWouldBlock):
			return pending, nil
		case errors.Is(err, ErrStreamEnd), err == nil && n == 0:
			telemetry.NodeErrors.WithLabelValues("eof").Inc()
			return nil, ErrStreamEnd
		case err != nil:
			telemetry.NodeErrors.WithLabelValues("read").Inc()
			return nil, err
		case n%RecordSize != 0:
			telemetry.NodeErrors.WithLabelValues("malformed").Inc()
			return nil, fmt.Errorf("%w: read returned %d bytes", ErrMalformedRecord, n)
		}
		pending = append(pending, buf[:n]...)
	}
}

func (m *Monitor) apply(batch []byte) error {
	if len(batch) == 0 {
		return nil
	}
	events, err := m.decoder.Decode(batch)
	if err != nil {
		telemetry.NodeErrors.WithLabelValues("malformed").Inc()
		return err
	}
	var delta Delta
	for _, ev := range events {
		delta.Merge(m.registry.Apply(ev))
	}
	if delta.Empty() {
		return nil
	}
	m.publish(delta)
	return nil
}

func (m *Monitor) publish(delta Delta) {
	snap := m.registry.Snapshot()
	observeDevices(snap)
	m.pub.Publish(Update{
		State:             m.Status().State,
		Snapshot:          snap,
		Changed:           delta.Indices(),
		MembershipChanged: delta.MembershipChanged,
	})
}

func (m *Monitor) setStatus(s Status) {
	m.status.Store(&s)
	telemetry.ConnectionState.Set(float64(s.State))
}

func observeDevices(s Snapshot) {
	telemetry.Devices.Reset()
	for _, d := range s.devices {
		telemetry.Devices.WithLabelValues(d.Class.String(), d.State.String()).Inc()
	}
}
