package mqtt

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mil-ad/rfkilld/internal/rfkill"
)

type messageKind uint8

const (
	kindNode messageKind = iota
	kindDevice
	kindClear
	kindList
)

type message struct {
	topic   string
	payload []byte

	kind  messageKind
	index uint32
	state rfkill.ConnState
}

type devicePayload struct {
	rfkill.Device
	Active bool `json:"active"`
}

type nodePayload struct {
	State rfkill.ConnState `json:"state"`
}

// stateTracker turns monitor updates into retained messages. It mirrors what
// the broker holds: only a successful publish (commit) moves that mirror, so
// anything that failed is sent again with the next update.
type stateTracker struct {
	topics Topics

	// device topics holding a retained state on the broker
	retained map[uint32]struct{}
	// devices whose last state publish failed
	stale map[uint32]struct{}

	node      rfkill.ConnState
	nodeSent  bool
	listDirty bool
}

func newStateTracker(topics Topics) *stateTracker {
	return &stateTracker{
		topics:    topics,
		retained:  make(map[uint32]struct{}),
		stale:     make(map[uint32]struct{}),
		listDirty: true,
	}
}

// reconnected forces the node state and device list out again. Retained
// device topics survive on the broker and are not resent.
func (s *stateTracker) reconnected() {
	s.nodeSent = false
	s.listDirty = true
}

func (s *stateTracker) messages(u rfkill.Update) ([]message, error) {
	var out []message

	if !s.nodeSent || s.node != u.State {
		b, err := json.Marshal(nodePayload{State: u.State})
		if err != nil {
			return nil, fmt.Errorf("encode node state: %w", err)
		}
		out = append(out, message{topic: s.topics.Node(), payload: b, kind: kindNode, state: u.State})
	}

	wanted := slices.Clone(u.Changed)
	for idx := range s.stale {
		wanted = append(wanted, idx)
	}
	slices.Sort(wanted)
	wanted = slices.Compact(wanted)

	sent := make(map[uint32]struct{})
	for _, idx := range wanted {
		d, ok := u.Snapshot.Lookup(idx)
		if !ok {
			continue
		}
		m, err := s.deviceMessage(d)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		sent[idx] = struct{}{}
	}

	devices := u.Snapshot.Devices()
	current := make(map[uint32]struct{}, len(devices))
	membership := u.MembershipChanged
	for _, d := range devices {
		current[d.Index] = struct{}{}
		if _, done := sent[d.Index]; done {
			continue
		}
		if _, ok := s.retained[d.Index]; ok {
			continue
		}
		m, err := s.deviceMessage(d)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		membership = true
	}
	for idx := range s.stale {
		if _, ok := current[idx]; !ok {
			delete(s.stale, idx)
		}
	}
	var gone []uint32
	for idx := range s.retained {
		if _, ok := current[idx]; !ok {
			gone = append(gone, idx)
		}
	}
	slices.Sort(gone)
	for _, idx := range gone {
		// An empty retained payload deletes the retained message.
		out = append(out, message{topic: s.topics.DeviceState(idx), payload: []byte{}, kind: kindClear, index: idx})
		membership = true
	}

	if membership {
		s.listDirty = true
	}
	if s.listDirty {
		b, err := json.Marshal(u.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("encode device list: %w", err)
		}
		out = append(out, message{topic: s.topics.Devices(), payload: b, kind: kindList})
	}
	return out, nil
}

func (s *stateTracker) deviceMessage(d rfkill.Device) (message, error) {
	b, err := json.Marshal(devicePayload{Device: d, Active: d.State == rfkill.StateUnblocked})
	if err != nil {
		return message{}, fmt.Errorf("encode device %d: %w", d.Index, err)
	}
	return message{topic: s.topics.DeviceState(d.Index), payload: b, kind: kindDevice, index: d.Index}, nil
}

// commit records that the broker accepted m.
func (s *stateTracker) commit(m message) {
	switch m.kind {
	case kindNode:
		s.node, s.nodeSent = m.state, true
	case kindDevice:
		s.retained[m.index] = struct{}{}
		delete(s.stale, m.index)
	case kindClear:
		delete(s.retained, m.index)
		delete(s.stale, m.index)
	case kindList:
		s.listDirty = false
	}
}

// fail records that m did not reach the broker.
func (s *stateTracker) fail(m message) {
	if m.kind == kindDevice {
		s.stale[m.index] = struct{}{}
	}
}
