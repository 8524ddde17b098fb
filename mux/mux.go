// Package mux multiplexes the browser's connections as streams inside the
// carrier channel. Stream framing is provided by smux; this package adds the
// connect handshake each stream starts with: the client sends a
// length-prefixed "host:port" record when it opens a stream, and the server
// answers with a single grant byte once the target is connected. A server
// that cannot connect closes the stream instead of answering, which the
// opening side observes as a failed create.
//
// Only the client opens streams; client stream ids are odd and increasing.
package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/xtaci/smux"
)

// maxTargetLen bounds the "host:port" record; a hostname is at most 255
// bytes, so anything near this is garbage.
const maxTargetLen = 512

const replyGranted = 0x01

// ErrRejected is returned by Open when the peer closed the stream without
// granting it, i.e. it could not connect to the target.
var ErrRejected = errors.New("mux: stream rejected by peer")

// Session is one end of the multiplexed stream layer running inside a
// carrier channel.
type Session struct {
	sess   *smux.Session
	client bool
}

func newConfig() *smux.Config {
	cfg := smux.DefaultConfig()
	// Keepalives would make the session emit frames on its own schedule; all
	// carrier bytes must be driven by application activity so the defense
	// scheduler alone decides what leaves the socket and when.
	cfg.KeepAliveDisabled = true
	return cfg
}

// Client starts the stream layer on the client side of a carrier.
func Client(ch io.ReadWriteCloser) (*Session, error) {
	sess, err := smux.Client(ch, newConfig())
	if err != nil {
		return nil, fmt.Errorf("mux: client session: %w", err)
	}
	return &Session{sess: sess, client: true}, nil
}

// Server starts the stream layer on the server side of a carrier.
func Server(ch io.ReadWriteCloser) (*Session, error) {
	sess, err := smux.Server(ch, newConfig())
	if err != nil {
		return nil, fmt.Errorf("mux: server session: %w", err)
	}
	return &Session{sess: sess}, nil
}

// Close tears down the session and every stream in it.
func (s *Session) Close() error {
	return s.sess.Close()
}

// IsClosed reports whether the session has died.
func (s *Session) IsClosed() bool {
	return s.sess.IsClosed()
}

// Stream is one multiplexed byte channel, corresponding to one SOCKS5
// CONNECT on the client side and one target connection on the server side.
type Stream struct {
	*smux.Stream
}

// Open creates a stream to the given "host:port" target and waits for the
// peer's grant. Client side only.
func (s *Session) Open(target string) (*Stream, error) {
	if !s.client {
		return nil, errors.New("mux: only the client side opens streams")
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return nil, fmt.Errorf("mux: bad target %q: %w", target, err)
	}
	if len(target) > maxTargetLen {
		return nil, fmt.Errorf("mux: target too long (%d bytes)", len(target))
	}

	st, err := s.sess.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("mux: open stream: %w", err)
	}

	rec := make([]byte, 2+len(target))
	binary.BigEndian.PutUint16(rec, uint16(len(target)))
	copy(rec[2:], target)
	if _, err := st.Write(rec); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("mux: send connect record: %w", err)
	}

	var reply [1]byte
	if _, err := io.ReadFull(st, reply[:]); err != nil {
		_ = st.Close()
		return nil, ErrRejected
	}
	if reply[0] != replyGranted {
		_ = st.Close()
		return nil, ErrRejected
	}
	return &Stream{Stream: st}, nil
}

// Accept waits for the peer to open a stream and returns it along with the
// requested "host:port" target. Streams carrying a malformed connect record
// are closed and skipped; the session stays up. Server side only.
func (s *Session) Accept() (*Stream, string, error) {
	if s.client {
		return nil, "", errors.New("mux: only the server side accepts streams")
	}
	for {
		st, err := s.sess.AcceptStream()
		if err != nil {
			return nil, "", fmt.Errorf("mux: accept stream: %w", err)
		}
		target, err := readConnectRecord(st)
		if err != nil {
			_ = st.Close()
			continue
		}
		return &Stream{Stream: st}, target, nil
	}
}

func readConnectRecord(st *smux.Stream) (string, error) {
	var lenb [2]byte
	if _, err := io.ReadFull(st, lenb[:]); err != nil {
		return "", fmt.Errorf("mux: read connect record length: %w", err)
	}
	n := int(binary.BigEndian.Uint16(lenb[:]))
	if n == 0 || n > maxTargetLen {
		return "", fmt.Errorf("mux: connect record length %d out of range", n)
	}
	rec := make([]byte, n)
	if _, err := io.ReadFull(st, rec); err != nil {
		return "", fmt.Errorf("mux: read connect record: %w", err)
	}
	target := string(rec)
	if _, _, err := net.SplitHostPort(target); err != nil {
		return "", fmt.Errorf("mux: bad target %q: %w", target, err)
	}
	return target, nil
}

// Grant acknowledges that the target behind this stream is connected. Server
// side of the open handshake.
func (st *Stream) Grant() error {
	if _, err := st.Write([]byte{replyGranted}); err != nil {
		return fmt.Errorf("mux: grant stream: %w", err)
	}
	return nil
}
