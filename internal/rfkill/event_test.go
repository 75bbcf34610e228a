package rfkill

import (
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(idx uint32, typ Type, op Op, soft, hard bool) []byte {
	b := make([]byte, RecordSize)
	binary.NativeEndian.PutUint32(b[0:4], idx)
	b[4] = byte(typ)
	b[5] = byte(op)
	if soft {
		b[6] = 1
	}
	if hard {
		b[7] = 1
	}
	return b
}

func concat(recs ...[]byte) []byte {
	var out []byte
	for _, r := range recs {
		out = append(out, r...)
	}
	return out
}

func TestDecode(t *testing.T) {
	d := NewDecoder(zerolog.Nop())

	events, err := d.Decode(concat(
		record(0, TypeWLAN, OpAdd, false, false),
		record(7, TypeBluetooth, OpChange, true, false),
		record(0, TypeAll, OpChangeAll, false, true),
		record(3, TypeGPS, OpRemove, false, false),
	))
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, Event{Index: 0, Type: TypeWLAN, Class: ClassWifi, Op: OpAdd}, events[0])
	assert.Equal(t, Event{Index: 7, Type: TypeBluetooth, Class: ClassBluetooth, Op: OpChange, Soft: true}, events[1])
	assert.Equal(t, Event{Index: 0, Type: TypeAll, Class: ClassUnknown, Op: OpChangeAll, Hard: true}, events[2])
	assert.Equal(t, ClassUnknown, events[3].Class)
	assert.Equal(t, OpRemove, events[3].Op)
}

func TestDecodeEmpty(t *testing.T) {
	events, err := NewDecoder(zerolog.Nop()).Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecodeMalformed(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	for _, n := range []int{1, 7, 9, 15} {
		buf := make([]byte, n)
		events, err := d.Decode(buf)
		assert.ErrorIs(t, err, ErrMalformedRecord, "length %d", n)
		assert.Nil(t, events)
	}
}

func TestDecodeSkipsUnknownOperation(t *testing.T) {
	events, err := NewDecoder(zerolog.Nop()).Decode(concat(
		record(1, TypeWLAN, Op(9), false, false),
		record(2, TypeWLAN, OpAdd, true, false),
	))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint32(2), events[0].Index)
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassWifi, ClassOf(TypeWLAN))
	assert.Equal(t, ClassBluetooth, ClassOf(TypeBluetooth))
	for _, typ := range []Type{TypeAll, TypeUWB, TypeWiMax, TypeWWAN, TypeGPS, TypeFM, TypeNFC, Type(42)} {
		assert.Equal(t, ClassUnknown, ClassOf(typ), typ.String())
	}
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "change-all", OpChangeAll.String())
	assert.Equal(t, "op(9)", Op(9).String())
	assert.Equal(t, "wwan", TypeWWAN.String())
	assert.Equal(t, "type(99)", Type(99).String())
}
