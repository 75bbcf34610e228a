package rfkill

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mil-ad/rfkilld/internal/logger"
	"github.com/mil-ad/rfkilld/internal/telemetry"
)

// RecordSize is the size of one struct rfkill_event as returned by
// /dev/rfkill when no larger event size has been negotiated.
const RecordSize = 8

var ErrMalformedRecord = errors.New("rfkill: read length is not a multiple of the event size")

// Op is the operation carried by a kernel event.
type Op uint8

const (
	OpAdd Op = iota
	OpRemove
	OpChange
	OpChangeAll
)

func (o Op) Valid() bool { return o <= OpChangeAll }

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpChange:
		return "change"
	case OpChangeAll:
		return "change-all"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Type is the raw kernel radio type.
type Type uint8

const (
	TypeAll Type = iota
	TypeWLAN
	TypeBluetooth
	TypeUWB
	TypeWiMax
	TypeWWAN
	TypeGPS
	TypeFM
	TypeNFC
)

var typeNames = [...]string{"all", "wlan", "bluetooth", "uwb", "wimax", "wwan", "gps", "fm", "nfc"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	var n uint8
	if _, err := fmt.Sscanf(string(b), "type(%d)", &n); err == nil {
		*t = Type(n)
		return nil
	}
	v, err := parseName[Type](string(b), len(typeNames), "type")
	*t = v
	return err
}

// Class groups kernel types into the radios we present.
type Class uint8

const (
	ClassUnknown Class = iota
	ClassWifi
	ClassBluetooth
)

func ClassOf(t Type) Class {
	switch t {
	case TypeWLAN:
		return ClassWifi
	case TypeBluetooth:
		return ClassBluetooth
	}
	return ClassUnknown
}

func (c Class) String() string {
	switch c {
	case ClassWifi:
		return "wifi"
	case ClassBluetooth:
		return "bluetooth"
	}
	return "unknown"
}

func (c Class) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Class) UnmarshalText(b []byte) error {
	v, err := parseName[Class](string(b), int(ClassBluetooth)+1, "class")
	*c = v
	return err
}

// parseName maps s back to the value among the first n whose String is s.
func parseName[T interface {
	~uint8
	String() string
}](s string, n int, kind string) (T, error) {
	for i := range n {
		if v := T(i); v.String() == s {
			return v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("rfkill: unknown %s %q", kind, s)
}

// Event is one decoded rfkill_event.
type Event struct {
	Index uint32
	Type  Type
	Class Class
	Op    Op
	Soft  bool
	Hard  bool
}

func (e Event) State() BlockState { return StateFromFlags(e.Soft, e.Hard) }

// Decoder turns raw reads from the device node into events.
type Decoder struct {
	log zerolog.Logger
}

func NewDecoder(log zerolog.Logger) *Decoder {
	return &Decoder{log: logger.WithComponent(log, "decoder")}
}

// Decode splits b into records. A length that is not a multiple of
// RecordSize means the read was truncated somewhere and nothing is returned.
// Records with an operation this decoder does not know are skipped.
func (d *Decoder) Decode(b []byte) ([]Event, error) {
	if len(b)%RecordSize != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrMalformedRecord, len(b))
	}
	events := make([]Event, 0, len(b)/RecordSize)
	for off := 0; off < len(b); off += RecordSize {
		rec := b[off : off+RecordSize]
		ev := Event{
			Index: binary.NativeEndian.Uint32(rec[0:4]),
			Type:  Type(rec[4]),
			Op:    Op(rec[5]),
			Soft:  rec[6] != 0,
			Hard:  rec[7] != 0,
		}
		if !ev.Op.Valid() {
			d.log.Warn().Uint32("index", ev.Index).Uint8("op", rec[5]).Msg("skipping event with unknown operation")
			telemetry.EventsIgnored.WithLabelValues("unknown_op").Inc()
			continue
		}
		if ev.Type == TypeAll && ev.Op != OpChangeAll {
			d.log.Warn().Uint32("index", ev.Index).Stringer("op", ev.Op).Msg("type 'all' on a single-device event")
		}
		ev.Class = ClassOf(ev.Type)
		d.log.Debug().
			Uint32("index", ev.Index).
			Stringer("type", ev.Type).
			Stringer("op", ev.Op).
			Bool("soft", ev.Soft).
			Bool("hard", ev.Hard).
			Msg("rfkill event")
		events = append(events, ev)
	}
	return events, nil
}
