package rfkill

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticNames resolves from a map and counts lookups.
type staticNames struct {
	names map[uint32]string
	calls map[uint32]int
}

func (s *staticNames) Resolve(idx uint32) string {
	if s.calls == nil {
		s.calls = make(map[uint32]int)
	}
	s.calls[idx]++
	if n, ok := s.names[idx]; ok {
		return n
	}
	return Placeholder(idx)
}

func newTestRegistry() *Registry {
	return NewRegistry(&staticNames{names: map[uint32]string{0: "phy0", 1: "phy1", 2: "hci0"}}, zerolog.Nop())
}

func ev(idx uint32, typ Type, op Op, soft, hard bool) Event {
	return Event{Index: idx, Type: typ, Class: ClassOf(typ), Op: op, Soft: soft, Hard: hard}
}

func TestRegistryAdd(t *testing.T) {
	r := newTestRegistry()

	delta := r.Apply(ev(0, TypeWLAN, OpAdd, false, false))

	assert.True(t, delta.MembershipChanged)
	assert.Equal(t, []uint32{0}, delta.Indices())
	d, ok := r.Get(0)
	require.True(t, ok)
	assert.Equal(t, Device{Index: 0, Name: "phy0", Type: TypeWLAN, Class: ClassWifi, State: StateUnblocked}, d)
}

func TestRegistryChange(t *testing.T) {
	r := newTestRegistry()
	r.Apply(ev(0, TypeWLAN, OpAdd, false, false))

	delta := r.Apply(ev(0, TypeWLAN, OpChange, true, false))

	assert.False(t, delta.MembershipChanged)
	assert.Equal(t, []uint32{0}, delta.Indices())
	d, _ := r.Get(0)
	assert.Equal(t, StateSoftBlocked, d.State)
}

func TestRegistryChangeAllFiltersByType(t *testing.T) {
	r := newTestRegistry()
	r.Apply(ev(0, TypeWLAN, OpAdd, false, false))
	r.Apply(ev(1, TypeWLAN, OpAdd, true, false))
	r.Apply(ev(2, TypeBluetooth, OpAdd, false, false))

	delta := r.Apply(ev(0, TypeWLAN, OpChangeAll, false, true))

	assert.False(t, delta.MembershipChanged)
	assert.Equal(t, []uint32{0, 1}, delta.Indices())
	for _, idx := range []uint32{0, 1} {
		d, _ := r.Get(idx)
		assert.Equal(t, StateHardBlocked, d.State, "index %d", idx)
	}
	bt, _ := r.Get(2)
	assert.Equal(t, StateUnblocked, bt.State)
}

func TestRegistryChangeAllEveryType(t *testing.T) {
	r := newTestRegistry()
	r.Apply(ev(0, TypeWLAN, OpAdd, false, false))
	r.Apply(ev(2, TypeBluetooth, OpAdd, false, false))
	r.Apply(ev(5, TypeGPS, OpAdd, false, false))

	delta := r.Apply(ev(0, TypeAll, OpChangeAll, true, false))

	assert.Equal(t, []uint32{0, 2, 5}, delta.Indices())
	for _, d := range r.Snapshot().Devices() {
		assert.Equal(t, StateSoftBlocked, d.State, d.Name)
	}
}

func TestRegistryChangeAllOnEmptyRegistry(t *testing.T) {
	r := newTestRegistry()
	delta := r.Apply(ev(0, TypeAll, OpChangeAll, true, false))
	assert.True(t, delta.Empty())
	assert.Zero(t, r.Len())
}

func TestRegistryRemoveTwice(t *testing.T) {
	r := newTestRegistry()
	r.Apply(ev(0, TypeWLAN, OpAdd, false, false))

	first := r.Apply(ev(0, TypeWLAN, OpRemove, false, false))
	assert.True(t, first.MembershipChanged)
	assert.Zero(t, r.Len())

	second := r.Apply(ev(0, TypeWLAN, OpRemove, false, false))
	assert.True(t, second.Empty())
	assert.Zero(t, r.Len())
}

func TestRegistryRemoveUnknownCreatesNothing(t *testing.T) {
	r := newTestRegistry()
	delta := r.Apply(ev(9, TypeWLAN, OpRemove, false, false))
	assert.True(t, delta.Empty())
	_, ok := r.Get(9)
	assert.False(t, ok)
}

func TestRegistryChangeWithoutAdd(t *testing.T) {
	r := newTestRegistry()

	delta := r.Apply(ev(1, TypeWLAN, OpChange, false, false))

	assert.True(t, delta.MembershipChanged)
	assert.Equal(t, []uint32{1}, delta.Indices())
	d, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, "phy1", d.Name)
	assert.Equal(t, StateUnblocked, d.State)
}

func TestRegistryReAddKeepsIdentity(t *testing.T) {
	names := &staticNames{names: map[uint32]string{0: "phy0"}}
	r := NewRegistry(names, zerolog.Nop())
	r.Apply(ev(0, TypeWLAN, OpAdd, false, false))

	delta := r.Apply(ev(0, TypeBluetooth, OpAdd, false, true))

	assert.False(t, delta.MembershipChanged)
	assert.Equal(t, []uint32{0}, delta.Indices())
	d, _ := r.Get(0)
	assert.Equal(t, TypeWLAN, d.Type)
	assert.Equal(t, ClassWifi, d.Class)
	assert.Equal(t, StateHardBlocked, d.State)
	assert.Equal(t, 1, names.calls[0])
}

func TestRegistryTypeMismatchStillApplies(t *testing.T) {
	r := newTestRegistry()
	r.Apply(ev(0, TypeWLAN, OpAdd, false, false))

	r.Apply(ev(0, TypeBluetooth, OpChange, true, false))

	d, _ := r.Get(0)
	assert.Equal(t, TypeWLAN, d.Type)
	assert.Equal(t, StateSoftBlocked, d.State)
}

func TestBlockStateIsPureFunctionOfFlags(t *testing.T) {
	cases := []struct {
		soft, hard bool
		want       BlockState
	}{
		{true, true, StateHardBlocked},
		{false, true, StateHardBlocked},
		{true, false, StateSoftBlocked},
		{false, false, StateUnblocked},
	}
	priors := []struct{ soft, hard bool }{{false, false}, {true, false}, {false, true}}

	for _, tc := range cases {
		for _, prior := range priors {
			r := newTestRegistry()
			r.Apply(ev(0, TypeWLAN, OpAdd, prior.soft, prior.hard))

			r.Apply(ev(0, TypeWLAN, OpChange, tc.soft, tc.hard))
			d, _ := r.Get(0)
			assert.Equal(t, tc.want, d.State, "change soft=%v hard=%v", tc.soft, tc.hard)

			r.Apply(ev(0, TypeWLAN, OpAdd, prior.soft, prior.hard))
			r.Apply(ev(0, TypeAll, OpChangeAll, tc.soft, tc.hard))
			d, _ = r.Get(0)
			assert.Equal(t, tc.want, d.State, "change-all soft=%v hard=%v", tc.soft, tc.hard)
		}
	}
}

func TestRegistryMembershipMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := newTestRegistry()
	model := map[uint32]bool{}

	for i := 0; i < 2000; i++ {
		idx := uint32(rng.Intn(8))
		switch op := Op(rng.Intn(4)); op {
		case OpAdd:
			r.Apply(ev(idx, TypeWLAN, OpAdd, rng.Intn(2) == 0, rng.Intn(2) == 0))
			model[idx] = true
		case OpRemove:
			r.Apply(ev(idx, TypeWLAN, OpRemove, false, false))
			delete(model, idx)
		case OpChange:
			if !model[idx] {
				continue
			}
			r.Apply(ev(idx, TypeWLAN, OpChange, rng.Intn(2) == 0, false))
		case OpChangeAll:
			r.Apply(ev(0, TypeAll, OpChangeAll, rng.Intn(2) == 0, false))
		}

		require.Equal(t, len(model), r.Len())
		for _, d := range r.Snapshot().Devices() {
			require.True(t, model[d.Index], "unexpected device %d", d.Index)
		}
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	r := newTestRegistry()
	r.Apply(ev(0, TypeWLAN, OpAdd, false, false))
	snap := r.Snapshot()

	devs := snap.Devices()
	devs[0].State = StateHardBlocked
	r.Apply(ev(0, TypeWLAN, OpChange, true, false))
	r.Apply(ev(1, TypeWLAN, OpAdd, false, false))

	d, ok := snap.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, StateUnblocked, d.State)
	assert.Equal(t, 1, snap.Len())
}

func TestSnapshotOrderAndFind(t *testing.T) {
	r := newTestRegistry()
	r.Apply(ev(2, TypeBluetooth, OpAdd, false, false))
	r.Apply(ev(0, TypeWLAN, OpAdd, false, false))
	r.Apply(ev(1, TypeWLAN, OpAdd, false, false))
	r.Apply(ev(0, TypeWLAN, OpRemove, false, false))
	r.Apply(ev(0, TypeWLAN, OpAdd, false, false))

	snap := r.Snapshot()
	var order []uint32
	for _, d := range snap.Devices() {
		order = append(order, d.Index)
	}
	assert.Equal(t, []uint32{2, 1, 0}, order)

	d, ok := snap.Find("hci0")
	require.True(t, ok)
	assert.Equal(t, uint32(2), d.Index)

	d, ok = snap.Find("1")
	require.True(t, ok)
	assert.Equal(t, "phy1", d.Name)

	_, ok = snap.Find("nope")
	assert.False(t, ok)
}

func TestSnapshotJSON(t *testing.T) {
	out, err := json.Marshal(Snapshot{})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(out))

	r := newTestRegistry()
	r.Apply(ev(2, TypeBluetooth, OpAdd, true, false))
	out, err = json.Marshal(r.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, `[{"index":2,"name":"hci0","type":"bluetooth","class":"bluetooth","state":"soft"}]`, string(out))

	var back Snapshot
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, r.Snapshot(), back)
}

func TestDecodeTextForms(t *testing.T) {
	var u Update
	require.NoError(t, json.Unmarshal([]byte(`{"connection":"backoff","devices":[
		{"index":9,"name":"x","type":"type(42)","class":"unknown","state":"hard"}]}`), &u))
	assert.Equal(t, StateBackoff, u.State)
	d, ok := u.Snapshot.Lookup(9)
	require.True(t, ok)
	assert.Equal(t, Type(42), d.Type)
	assert.Equal(t, StateHardBlocked, d.State)

	var st BlockState
	assert.Error(t, st.UnmarshalText([]byte("sideways")))
	var c Class
	assert.Error(t, c.UnmarshalText([]byte("infrared")))
}

func TestDeltaMerge(t *testing.T) {
	var d Delta
	assert.True(t, d.Empty())

	var a, b Delta
	a.mark(3)
	b.mark(1)
	b.MembershipChanged = true

	d.Merge(a)
	d.Merge(b)
	assert.Equal(t, []uint32{1, 3}, d.Indices())
	assert.True(t, d.MembershipChanged)
}
