// Package carrier implements the shaped channel between the client-side and
// server-side proxies: the peer-info handshake, packing of the multiplexed
// byte stream into fixed-size cells, the defense scheduler that decides what
// leaves the socket and when, and the counters reported to operators.
//
// A Channel wraps one established TCP connection and exposes
// io.ReadWriteCloser to the stream multiplexer running on top of it. Writes
// land in a pending buffer; outside a defense session they are flushed to the
// socket as whole cells as soon as it accepts them, while a defense session
// is active exactly one cell's worth of bytes is written per timer tick,
// padding with dummy cells when no data is waiting.
package carrier

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mickamy/celltun/cell"
)

var (
	// ErrClosed is returned by operations on a channel that has been torn down.
	ErrClosed = errors.New("carrier: channel closed")
	// ErrProtocol covers malformed cells, invalid types and impossible flag
	// combinations. The channel closes on any protocol error.
	ErrProtocol = errors.New("carrier: protocol error")
	// ErrVersionMismatch is reported when the peer info carries an unexpected
	// protocol version.
	ErrVersionMismatch = errors.New("carrier: peer version mismatch")
	// ErrDefenseTimeLimit is fatal on the client side: a defense session ran
	// into its time limit, which means nobody asked it to stop.
	ErrDefenseTimeLimit = errors.New("carrier: defense session exceeded time limit")
)

// EventKind identifies a channel status notification.
type EventKind int

const (
	// EventReady fires once after both peer infos have been exchanged.
	EventReady EventKind = iota
	// EventClosed fires once when the channel is torn down; Err carries the
	// cause for abnormal closes and is nil on clean peer EOF.
	EventClosed
	// EventDefenseSessionDone fires on the client when both directions of a
	// defense session have ended; Stats carries a counter snapshot.
	EventDefenseSessionDone
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventClosed:
		return "closed"
	case EventDefenseSessionDone:
		return "defense-session-done"
	}
	return fmt.Sprintf("UnknownEvent(%d)", int(k))
}

// Event is a channel status notification delivered on Events().
type Event struct {
	Kind  EventKind
	Err   error
	Stats Stats
}

// Channel is one end of the carrier connection.
type Channel struct {
	id   string
	conn net.Conn
	role Role

	params   Params
	cellSize int // our cell size; 0 means raw pass-through
	bodySize int

	peerCellSize int // learned from the peer info
	peerBodySize int

	// wmu serializes socket writes and the accounting that follows them, so
	// the non-defense writer and the defense ticker can never interleave.
	// Lock order is wmu before mu; mu is never held across a socket write.
	wmu sync.Mutex
	mu  sync.Mutex

	pending bytes.Buffer // framed mux bytes waiting to be packed into cells
	out     outQueue
	def     defenseInfo

	tick     *time.Ticker
	tickStop chan struct{}

	closed   bool
	closeErr error

	wakeW chan struct{}
	die   chan struct{}

	recv *recvBuffer

	stats  counters
	lag    *lagDetector
	events chan Event

	closeOnce sync.Once
}

// New wraps an established connection. The channel is not usable until
// Handshake has completed.
func New(conn net.Conn, role Role, params Params) (*Channel, error) {
	if err := params.validate(role); err != nil {
		return nil, err
	}
	c := &Channel{
		id:       uuid.NewString()[:8],
		conn:     conn,
		role:     role,
		params:   params,
		cellSize: params.CellSize,
		bodySize: params.CellSize - cell.HeaderSize,
		wakeW:    make(chan struct{}, 1),
		die:      make(chan struct{}),
		recv:     newRecvBuffer(),
		events:   make(chan Event, 16),
		lag:      newLagDetector(5, time.Second, 10*time.Second),
	}
	log.Printf("carrier %s: %s, version=%d cell size=%d interval=%s L=%d time limit=%s",
		c.id, role, Version, params.CellSize, params.Interval, params.L, params.TimeLimit)
	return c, nil
}

// ID returns the channel's log identifier.
func (c *Channel) ID() string { return c.id }

// Params returns the channel parameters, reflecting any values adopted from
// the peer during the handshake.
func (c *Channel) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Events returns the channel status notifications. The channel never closes
// it; EventClosed is terminal.
func (c *Channel) Events() <-chan Event { return c.events }

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats { return c.stats.snapshot() }

// Handshake exchanges the 11-byte peer infos and starts the channel's reader
// and writer. The client writes first; the server waits for the client's info
// before answering, so its bytes cannot land behind an upstream SOCKS reply.
func (c *Channel) Handshake() error {
	mine := peerInfo{
		version:  Version,
		cellSize: uint16(c.cellSize),
		addr:     localIPv4(c.conn),
	}
	if c.role == Client {
		mine.requestedL = uint16(c.params.RequestL)
		mine.requestedMS = uint16(c.params.requestIntervalMS())
	}
	enc := mine.encode()

	var raw [peerInfoSize]byte
	if c.role == Client {
		if _, err := c.conn.Write(enc[:]); err != nil {
			c.teardown(fmt.Errorf("carrier: write peer info: %w", err))
			return fmt.Errorf("carrier: write peer info: %w", err)
		}
		if _, err := io.ReadFull(c.conn, raw[:]); err != nil {
			c.teardown(fmt.Errorf("carrier: read peer info: %w", err))
			return fmt.Errorf("carrier: read peer info: %w", err)
		}
	} else {
		if _, err := io.ReadFull(c.conn, raw[:]); err != nil {
			c.teardown(fmt.Errorf("carrier: read peer info: %w", err))
			return fmt.Errorf("carrier: read peer info: %w", err)
		}
		if _, err := c.conn.Write(enc[:]); err != nil {
			c.teardown(fmt.Errorf("carrier: write peer info: %w", err))
			return fmt.Errorf("carrier: write peer info: %w", err)
		}
	}

	peer, err := decodePeerInfo(raw[:])
	if err != nil {
		c.teardown(err)
		return err
	}
	log.Printf("carrier %s: peer is %s version=%d cell size=%d",
		c.id, peer.ip(), peer.version, peer.cellSize)

	if peer.version != Version {
		err := fmt.Errorf("%w: mine %d, peer %d", ErrVersionMismatch, Version, peer.version)
		c.teardown(err)
		return err
	}

	if peer.requestedL != 0 || peer.requestedMS != 0 {
		if c.role == Client {
			err := fmt.Errorf("%w: server requested parameters", ErrProtocol)
			c.teardown(err)
			return err
		}
		if err := c.adoptRequested(int(peer.requestedL), int(peer.requestedMS)); err != nil {
			c.teardown(err)
			return err
		}
	}

	c.peerCellSize = int(peer.cellSize)
	c.peerBodySize = c.peerCellSize - cell.HeaderSize

	go c.readLoop()
	go c.writeLoop()

	c.emit(Event{Kind: EventReady})
	return nil
}

// adoptRequested applies the client's requested defense parameters on the
// server, after validating them against the allowed sets.
func (c *Channel) adoptRequested(l, ms int) error {
	if !ValidL(l) {
		return fmt.Errorf("carrier: client requested unsupported L %d", l)
	}
	if !ValidIntervalMS(ms) {
		return fmt.Errorf("carrier: client requested unsupported packet interval %dms", ms)
	}
	if l != 0 {
		log.Printf("carrier %s: client requests L=%d", c.id, l)
		c.params.L = l
	}
	if ms != 0 {
		log.Printf("carrier %s: client requests packet interval=%dms", c.id, ms)
		c.params.Interval = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// Read hands the multiplexer the bytes decoded from inbound DATA cells.
func (c *Channel) Read(p []byte) (int, error) {
	return c.recv.Read(p)
}

// Write accepts framed bytes from the multiplexer. Outside a defense session
// they are packed into cells (or passed through raw) and the writer is woken;
// while a session is pending exactly one cell is staged for the first send;
// while a session is active the ticker drains the pending buffer on schedule.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.pending.Write(p)
	if c.cellSize == 0 {
		c.mu.Unlock()
		c.kickWriter()
		return len(p), nil
	}
	switch c.def.state {
	case defenseNone:
		if c.flushPendingLocked() > 0 {
			c.mu.Unlock()
			c.kickWriter()
			return len(p), nil
		}
	case defensePending:
		if len(c.out.cells) == 0 {
			c.stageDataCellLocked()
		}
		c.mu.Unlock()
		c.kickWriter()
		return len(p), nil
	case defenseActive:
		// The timer owns the socket; nothing to do here.
	}
	c.mu.Unlock()
	return len(p), nil
}

// Close tears the channel down, cancelling any defense timer and failing all
// streams multiplexed on top of it.
func (c *Channel) Close() error {
	c.teardown(nil)
	return nil
}

func (c *Channel) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = cause
		c.stopTickerLocked()
		c.mu.Unlock()

		close(c.die)
		_ = c.conn.Close()
		c.recv.closeWithError(cause)

		if cause != nil && !isClosedErr(cause) {
			log.Printf("carrier %s: closed: %v", c.id, cause)
			c.emit(Event{Kind: EventClosed, Err: cause})
		} else {
			log.Printf("carrier %s: closed", c.id)
			c.emit(Event{Kind: EventClosed})
		}
	})
}

// emit delivers a status event without ever blocking the channel goroutines.
func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Channel) kickWriter() {
	select {
	case c.wakeW <- struct{}{}:
	default:
	}
}

// ---------------- writer (non-defense sends) ----------------

// writeLoop performs socket writes whenever data is staged and no defense
// session is active. While a session is active the defense ticker writes
// instead and this loop stays parked.
func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.die:
			return
		case <-c.wakeW:
		}
		c.drainOut()
	}
}

func (c *Channel) drainOut() {
	for {
		c.wmu.Lock()
		c.mu.Lock()
		if c.closed || c.def.state == defenseActive {
			c.mu.Unlock()
			c.wmu.Unlock()
			return
		}

		if c.def.state == defensePending && len(c.out.cells) > 0 {
			// The first socket send starts the session: switch to the timer
			// discipline and put the staged cell on the wire as tick one.
			c.def.state = defenseNone
			if err := c.startDefenseLocked(); err != nil {
				c.mu.Unlock()
				c.wmu.Unlock()
				c.teardown(err)
				return
			}
			c.writeOneCellLocked()
			c.wmu.Unlock()
			return
		}

		var chunk []byte
		if c.cellSize == 0 {
			chunk = append(chunk, c.pending.Bytes()...)
		} else {
			avail := c.out.buf.Len()
			if c.out.tailDummy {
				avail -= c.cellSize
			}
			if avail > 0 {
				chunk = append(chunk, c.out.buf.Bytes()[:avail]...)
			}
		}
		if len(chunk) == 0 {
			// Nothing but (at most) a droppable tail dummy: drop it and park.
			c.dropTailDummyLocked(false)
			c.mu.Unlock()
			c.wmu.Unlock()
			return
		}
		c.mu.Unlock()

		n, err := c.conn.Write(chunk)

		c.mu.Lock()
		c.accountSendLocked(n)
		c.dropTailDummyLocked(false)
		c.mu.Unlock()
		c.wmu.Unlock()

		if err != nil {
			c.teardown(classifyIOError("write", err))
			return
		}
	}
}

// ---------------- inbound cells ----------------

func (c *Channel) readLoop() {
	if c.peerCellSize == 0 {
		c.readRaw()
		return
	}

	hdr := make([]byte, cell.HeaderSize)
	body := make([]byte, c.peerBodySize)
	for {
		if _, err := io.ReadFull(c.conn, hdr); err != nil {
			c.teardown(classifyIOError("read", err))
			return
		}
		typ, flags, payloadLen := cell.DecodeHeader(hdr)
		if typ > cell.Control {
			c.teardown(fmt.Errorf("%w: unknown cell type %d", ErrProtocol, typ))
			return
		}
		if int(payloadLen) > c.peerBodySize {
			c.teardown(fmt.Errorf("%w: payload length %d exceeds body size %d",
				ErrProtocol, payloadLen, c.peerBodySize))
			return
		}
		if _, err := io.ReadFull(c.conn, body); err != nil {
			c.teardown(classifyIOError("read", err))
			return
		}
		c.stats.allRecv.Add(uint64(cell.HeaderSize + c.peerBodySize))

		if err := c.handleCell(typ, flags, body[:payloadLen]); err != nil {
			c.teardown(err)
			return
		}
	}
}

// readRaw is the pass-through receive path used when the peer sends no cells.
func (c *Channel) readRaw() {
	buf := make([]byte, 32<<10)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.stats.allRecv.Add(uint64(n))
			c.stats.usefulRecv.Add(uint64(n))
			c.recv.append(buf[:n])
		}
		if err != nil {
			c.teardown(classifyIOError("read", err))
			return
		}
	}
}

// handleCell interprets one whole inbound cell: flags first, then payload.
func (c *Channel) handleCell(typ cell.Type, flags cell.Flags, payload []byte) error {
	var done []Event

	if flags != 0 {
		c.mu.Lock()
		if flags.Has(cell.FlagStart) && flags.Has(cell.FlagStop) {
			c.mu.Unlock()
			return fmt.Errorf("%w: START and STOP in one cell", ErrProtocol)
		}
		if flags.Has(cell.FlagAutoStopped) {
			if c.role != Client {
				c.mu.Unlock()
				return fmt.Errorf("%w: AUTO_STOPPED received on server", ErrProtocol)
			}
			log.Printf("carrier %s: peer has auto-stopped its defense", c.id)
			if c.def.state == defenseActive && !c.def.stopRequested {
				log.Printf("carrier %s: asking peer to start again", c.id)
				c.def.needStart = true
			}
		}
		if flags.Has(cell.FlagStart) {
			if c.role != Server {
				c.mu.Unlock()
				return fmt.Errorf("%w: START received on client", ErrProtocol)
			}
			log.Printf("carrier %s: starting defense as requested by peer", c.id)
			if err := c.startDefenseLocked(); err != nil {
				c.mu.Unlock()
				return err
			}
		}
		if flags.Has(cell.FlagStop) {
			if c.role != Server {
				c.mu.Unlock()
				return fmt.Errorf("%w: STOP received on client", ErrProtocol)
			}
			log.Printf("carrier %s: scheduling defense stop as requested by peer", c.id)
			c.stopDefenseLocked()
		}
		if flags.Has(cell.FlagDefensive) {
			c.def.cellsRecv++
		}
		c.mu.Unlock()
	}

	switch typ {
	case cell.Data:
		c.stats.usefulRecv.Add(uint64(len(payload)))
		c.recv.append(payload)
	case cell.Dummy:
		c.stats.dummyRecv.Add(1)
	case cell.Control:
		return fmt.Errorf("%w: control cells are not used", ErrProtocol)
	}

	if flags.Has(cell.FlagDone) {
		if c.role != Client {
			return fmt.Errorf("%w: DONE received on server", ErrProtocol)
		}
		c.mu.Lock()
		c.def.doneRecv = true
		log.Printf("carrier %s: peer done defending our receive direction", c.id)
		done = c.checkSessionDoneLocked()
		c.mu.Unlock()
	}

	for _, ev := range done {
		c.emit(ev)
	}
	return nil
}

// ---------------- error classification ----------------

// classifyIOError maps socket errors to channel close causes: a clean peer
// EOF or a locally-closed socket is a normal close (nil-cause), anything else
// is surfaced.
func classifyIOError(op string, err error) error {
	if isClosedErr(err) {
		return nil
	}
	return fmt.Errorf("carrier: %s: %w", op, err)
}

func isClosedErr(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return strings.Contains(netErr.Err.Error(), "closed")
	}
	return strings.Contains(err.Error(), "closed")
}
