package carrier

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Version is the carrier protocol version byte carried in the peer info. A
// server closes the carrier on any mismatch; a client treats it as fatal.
const Version = 9

// peerInfoSize is version(1) + cell size(2) + IPv4 address(4) + requested
// L(2) + requested packet interval(2), all big-endian.
const peerInfoSize = 11

// peerInfo is the one-shot preamble each side sends when the carrier TCP
// connection comes up. The client writes first; the server answers with
// zeroed requested fields.
type peerInfo struct {
	version     uint8
	cellSize    uint16
	addr        [4]byte
	requestedL  uint16
	requestedMS uint16
}

func (pi peerInfo) encode() [peerInfoSize]byte {
	var b [peerInfoSize]byte
	b[0] = pi.version
	binary.BigEndian.PutUint16(b[1:3], pi.cellSize)
	copy(b[3:7], pi.addr[:])
	binary.BigEndian.PutUint16(b[7:9], pi.requestedL)
	binary.BigEndian.PutUint16(b[9:11], pi.requestedMS)
	return b
}

func decodePeerInfo(b []byte) (peerInfo, error) {
	if len(b) != peerInfoSize {
		return peerInfo{}, fmt.Errorf("carrier: peer info must be %d bytes, got %d", peerInfoSize, len(b))
	}
	pi := peerInfo{
		version:     b[0],
		cellSize:    binary.BigEndian.Uint16(b[1:3]),
		requestedL:  binary.BigEndian.Uint16(b[7:9]),
		requestedMS: binary.BigEndian.Uint16(b[9:11]),
	}
	copy(pi.addr[:], b[3:7])
	return pi, nil
}

func (pi peerInfo) ip() net.IP {
	return net.IPv4(pi.addr[0], pi.addr[1], pi.addr[2], pi.addr[3])
}

// localIPv4 extracts our IPv4 address from the connection for the peer info.
// Non-IPv4 local addresses are reported as zeros; the field is informational.
func localIPv4(conn net.Conn) [4]byte {
	var out [4]byte
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(out[:], ip4)
		}
	}
	return out
}
