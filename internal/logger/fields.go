package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently across
// all subsystems so bus traces can be filtered by port, PGN or session.
const (
	KeyCategory = "category" // subsystem: network, transport.tp, tc.client, ...
	KeyPort     = "port"     // CAN port index
	KeyPGN      = "pgn"      // parameter group number (hex)
	KeySrc      = "src"      // source address
	KeyDst      = "dst"      // destination address
	KeyName     = "name"     // 64-bit NAME (hex)
	KeyAddress  = "address"  // claimed address
	KeyState    = "state"    // FSM state name
	KeySession  = "session"  // transport session key
	KeySize     = "size"     // payload size in bytes
	KeySeq      = "seq"      // sequence number
	KeyReason   = "reason"   // abort or failure reason
	KeyError    = "error"    // error message
	KeyElement  = "element"  // TC element number
	KeyDDI      = "ddi"      // data description index (hex)
	KeyObjectID = "object"   // DDOP object id
	KeyValue    = "value"    // process data value
	KeyCommand  = "command"  // process data command nibble
	KeyClient   = "client"   // TC client source address
	KeyBusLoad  = "bus_load" // bus load percent
)

// Category returns a slog.Attr naming the emitting subsystem.
func Category(c string) slog.Attr { return slog.String(KeyCategory, c) }

// Port returns a slog.Attr for a CAN port index.
func Port(p uint8) slog.Attr { return slog.Int(KeyPort, int(p)) }

// PGN returns a slog.Attr for a parameter group number, hex formatted.
func PGN(pgn uint32) slog.Attr { return slog.String(KeyPGN, hex24(pgn)) }

// Src returns a slog.Attr for a source address.
func Src(a uint8) slog.Attr { return slog.Int(KeySrc, int(a)) }

// Dst returns a slog.Attr for a destination address.
func Dst(a uint8) slog.Attr { return slog.Int(KeyDst, int(a)) }

// NameRaw returns a slog.Attr for a 64-bit NAME, hex formatted.
func NameRaw(raw uint64) slog.Attr { return slog.String(KeyName, hex64(raw)) }

// Address returns a slog.Attr for a claimed address.
func Address(a uint8) slog.Attr { return slog.Int(KeyAddress, int(a)) }

// State returns a slog.Attr for an FSM state name.
func State(s string) slog.Attr { return slog.String(KeyState, s) }

// Session returns a slog.Attr for a transport session key.
func Session(s string) slog.Attr { return slog.String(KeySession, s) }

// Size returns a slog.Attr for a payload size.
func Size(n int) slog.Attr { return slog.Int(KeySize, n) }

// Seq returns a slog.Attr for a sequence number.
func Seq(n uint32) slog.Attr { return slog.Int(KeySeq, int(n)) }

// Reason returns a slog.Attr for an abort or failure reason.
func Reason(r string) slog.Attr { return slog.String(KeyReason, r) }

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Element returns a slog.Attr for a TC element number.
func Element(e uint16) slog.Attr { return slog.Int(KeyElement, int(e)) }

// DDI returns a slog.Attr for a data description index, hex formatted.
func DDI(d uint16) slog.Attr { return slog.String(KeyDDI, hex16(d)) }

// ObjectID returns a slog.Attr for a DDOP object id.
func ObjectID(id uint16) slog.Attr { return slog.Int(KeyObjectID, int(id)) }

// Client returns a slog.Attr for a TC client source address.
func Client(a uint8) slog.Attr { return slog.Int(KeyClient, int(a)) }

// Value returns a slog.Attr for a process data value.
func Value(v int32) slog.Attr { return slog.Int64(KeyValue, int64(v)) }

// BusLoad returns a slog.Attr for a bus load percentage.
func BusLoad(pct float32) slog.Attr { return slog.Float64(KeyBusLoad, float64(pct)) }

const hexDigits = "0123456789ABCDEF"

func hex24(v uint32) string {
	b := []byte{'0', 'x', 0, 0, 0, 0, 0}
	for i := 0; i < 5; i++ {
		b[6-i] = hexDigits[(v>>(4*i))&0xF]
	}
	return string(b)
}

func hex16(v uint16) string {
	b := []byte{'0', 'x', 0, 0, 0, 0}
	for i := 0; i < 4; i++ {
		b[5-i] = hexDigits[(v>>(4*i))&0xF]
	}
	return string(b)
}

func hex64(v uint64) string {
	b := make([]byte, 18)
	b[0], b[1] = '0', 'x'
	for i := 0; i < 16; i++ {
		b[17-i] = hexDigits[(v>>(4*i))&0xF]
	}
	return string(b)
}
