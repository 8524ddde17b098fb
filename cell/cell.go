// Package cell encodes and decodes the fixed-size cell framing used on the
// carrier between the client-side and server-side proxies.
//
// A cell is a header followed by a body. The header is one type-and-flags
// byte (type in the top 3 bits, flags in the low 5) and a 2-byte big-endian
// payload length. The payload occupies the front of the body; any remaining
// body bytes are padding and carry no information.
package cell

import (
	"encoding/binary"
	"fmt"
)

// Wire sizes. Size is the only cell size the Tamaraw defense uses; a cell
// size of zero on a carrier means cells are not used at all.
const (
	HeaderSize = 3
	Size       = 750
	BodySize   = Size - HeaderSize
)

const (
	typeWidth  = 3
	flagsWidth = 8 - typeWidth
	typeShift  = flagsWidth

	flagsMask byte = 0xFF >> typeWidth
)

// Type identifies what a cell carries.
type Type uint8

const (
	Data Type = iota
	Dummy
	Control
)

func (t Type) String() string {
	switch t {
	case Data:
		return "data"
	case Dummy:
		return "dummy"
	case Control:
		return "control"
	}
	return fmt.Sprintf("UnknownType(%d)", uint8(t))
}

// Flags is the 5-bit flag field of the type-and-flags byte. Receivers must
// ignore flag bits they do not know about.
type Flags uint8

const (
	// FlagStart asks the peer to start a defense session. Client to server only.
	FlagStart Flags = 1 << iota
	// FlagStop asks the peer to stop its defense session. Client to server only.
	FlagStop
	// FlagAutoStopped tells the client the server hit its session time limit.
	FlagAutoStopped
	// FlagDone tells the client the server has finished defending its send
	// direction.
	FlagDone
	// FlagDefensive marks cells emitted while the sender's defense is active
	// or pending.
	FlagDefensive
)

// Important reports whether the flags include any of START, STOP,
// AUTO_STOPPED or DONE. A dummy cell carrying an important flag must never be
// dropped from the tail of the outbound buffer.
func (f Flags) Important() bool {
	return f&(FlagStart|FlagStop|FlagAutoStopped|FlagDone) != 0
}

// Has reports whether all bits of want are set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// PutHeader serializes a cell header into b, which must be at least
// HeaderSize bytes.
func PutHeader(b []byte, typ Type, flags Flags, payloadLen uint16) {
	_ = b[HeaderSize-1]
	b[0] = byte(typ)<<typeShift | byte(flags)&flagsMask
	binary.BigEndian.PutUint16(b[1:HeaderSize], payloadLen)
}

// EncodeHeader returns a serialized cell header.
func EncodeHeader(typ Type, flags Flags, payloadLen uint16) [HeaderSize]byte {
	var b [HeaderSize]byte
	PutHeader(b[:], typ, flags, payloadLen)
	return b
}

// DecodeHeader parses a cell header from b, which must be at least HeaderSize
// bytes. Unknown flag bits are preserved so that callers ignore rather than
// reject them.
func DecodeHeader(b []byte) (Type, Flags, uint16) {
	_ = b[HeaderSize-1]
	typ := Type(b[0] >> typeShift)
	flags := Flags(b[0] & flagsMask)
	return typ, flags, binary.BigEndian.Uint16(b[1:HeaderSize])
}
