package carrier

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mickamy/celltun/cell"
)

// fakeConn records writes in memory. accept caps how many bytes a single
// Write may take; writes beyond the cap return a timeout, like a socket that
// stopped draining.
type fakeConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	accept int // -1 accepts everything
}

func newFakeConn() *fakeConn { return &fakeConn{accept: -1} }

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accept < 0 || f.accept >= len(p) {
		f.buf.Write(p)
		return len(p), nil
	}
	f.buf.Write(p[:f.accept])
	return f.accept, errTimeout{}
}

func (f *fakeConn) setAccept(n int) {
	f.mu.Lock()
	f.accept = n
	f.mu.Unlock()
}

func (f *fakeConn) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.buf.Bytes()...)
}

func (f *fakeConn) Read(p []byte) (int, error)       { return 0, net.ErrClosed }
func (f *fakeConn) Close() error                     { return nil }
func (f *fakeConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (f *fakeConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

type errTimeout struct{}

func (errTimeout) Error() string   { return "timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

func defendedParams() Params {
	return Params{
		CellSize:  cell.Size,
		Interval:  20 * time.Millisecond,
		L:         50,
		TimeLimit: 30 * time.Second,
	}
}

// newDefendedChannel builds a channel in ACTIVE state without starting its
// goroutines, so tests drive ticks by hand.
func newDefendedChannel(t *testing.T, role Role, fc *fakeConn) *Channel {
	t.Helper()
	c, err := New(fc, role, defendedParams())
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	c.peerCellSize = cell.Size
	c.peerBodySize = cell.BodySize
	c.mu.Lock()
	c.def.state = defenseActive
	c.def.autoStop = time.Now().Add(time.Hour)
	c.mu.Unlock()
	return c
}

type parsedCell struct {
	typ     cell.Type
	flags   cell.Flags
	payload []byte
}

func parseCells(t *testing.T, b []byte) []parsedCell {
	t.Helper()
	if len(b)%cell.Size != 0 {
		t.Fatalf("byte stream is not cell aligned: %d bytes", len(b))
	}
	var out []parsedCell
	for off := 0; off < len(b); off += cell.Size {
		typ, flags, n := cell.DecodeHeader(b[off : off+cell.HeaderSize])
		if int(n) > cell.BodySize {
			t.Fatalf("cell %d: payload length %d exceeds body size", len(out), n)
		}
		out = append(out, parsedCell{
			typ:     typ,
			flags:   flags,
			payload: b[off+cell.HeaderSize : off+cell.HeaderSize+int(n)],
		})
	}
	return out
}

func TestTickEmitsDummyWhenIdle(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Client, fc)

	c.onTick()

	cells := parseCells(t, fc.bytes())
	if len(cells) != 1 {
		t.Fatalf("expected 1 cell, got %d", len(cells))
	}
	if cells[0].typ != cell.Dummy {
		t.Errorf("expected a dummy cell, got %v", cells[0].typ)
	}
	if !cells[0].flags.Has(cell.FlagDefensive) {
		t.Errorf("expected the DEFENSIVE flag, got %05b", cells[0].flags)
	}
	if got := c.def.attempts; got != 1 {
		t.Errorf("attempts: got %d, want 1", got)
	}
	s := c.Stats()
	if s.AllSendBytes != cell.Size {
		t.Errorf("all send bytes: got %d, want %d", s.AllSendBytes, cell.Size)
	}
	if s.DummySendCells != 1 {
		t.Errorf("dummy send cells: got %d, want 1", s.DummySendCells)
	}
}

func TestTickPacksPendingData(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Client, fc)

	msg := []byte("hello from the inner stream")
	if _, err := c.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.onTick()

	cells := parseCells(t, fc.bytes())
	if len(cells) != 1 {
		t.Fatalf("expected 1 cell, got %d", len(cells))
	}
	if cells[0].typ != cell.Data {
		t.Fatalf("expected a data cell, got %v", cells[0].typ)
	}
	if !bytes.Equal(cells[0].payload, msg) {
		t.Errorf("payload: got %q, want %q", cells[0].payload, msg)
	}
	s := c.Stats()
	if s.UsefulSendBytes != uint64(len(msg)) {
		t.Errorf("useful send bytes: got %d, want %d", s.UsefulSendBytes, len(msg))
	}
	if s.AllSendBytes != cell.Size {
		t.Errorf("all send bytes: got %d, want %d", s.AllSendBytes, cell.Size)
	}
}

// TestDropTailDummy covers the drop-tail-dummy optimization: a staged but
// unwritten dummy cell is replaced by a data cell when real bytes show up
// before the next tick.
func TestDropTailDummy(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Client, fc)

	// Tick one: nothing to send and the socket accepts nothing, so a dummy
	// is staged but none of its bytes leave.
	fc.setAccept(0)
	c.onTick()
	if got := c.def.attempts; got != 1 {
		t.Fatalf("attempts: got %d, want 1 (attempts count pokes, not successes)", got)
	}
	if len(fc.bytes()) != 0 {
		t.Fatalf("socket should have accepted nothing")
	}

	payload := bytes.Repeat([]byte{'x'}, 200)
	if _, err := c.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Tick two: the dummy is dropped and a data cell takes its place.
	fc.setAccept(-1)
	c.onTick()

	cells := parseCells(t, fc.bytes())
	if len(cells) != 1 {
		t.Fatalf("expected 1 cell, got %d", len(cells))
	}
	if cells[0].typ != cell.Data {
		t.Fatalf("expected the dummy to be replaced by a data cell, got %v", cells[0].typ)
	}
	if !bytes.Equal(cells[0].payload, payload) {
		t.Errorf("payload mismatch")
	}
	if got := c.Stats().DummyCellsAvoided; got != 1 {
		t.Errorf("dummy cells avoided: got %d, want 1", got)
	}
	if got := c.def.attempts; got != 2 {
		t.Errorf("attempts: got %d, want 2", got)
	}
}

// TestStopSynthesizesFlagDummy stops at an L-multiple with no data pending:
// the STOP flag must be carried on a synthesized dummy cell, and that dummy
// is not droppable.
func TestStopSynthesizesFlagDummy(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Client, fc)

	for range 50 {
		c.onTick()
	}
	c.StopDefense(false)
	c.onTick() // attempts == 50, a multiple of L

	c.mu.Lock()
	state := c.def.state
	tailDummy := c.out.tailDummy
	staged := append([]byte(nil), c.out.buf.Bytes()...)
	c.mu.Unlock()

	if state != defenseNone {
		t.Fatalf("state: got %v, want none", state)
	}
	if c.def.savedAttempts%50 != 0 {
		t.Errorf("attempts at stop: got %d, want a multiple of 50", c.def.savedAttempts)
	}
	cells := parseCells(t, staged)
	if len(cells) != 1 {
		t.Fatalf("expected 1 staged flag cell, got %d", len(cells))
	}
	if cells[0].typ != cell.Dummy || !cells[0].flags.Has(cell.FlagStop) {
		t.Errorf("expected a dummy carrying STOP, got %v flags %05b", cells[0].typ, cells[0].flags)
	}
	if tailDummy {
		t.Error("a dummy carrying an important flag must not be droppable")
	}

	// Everything that reached the socket is whole cells.
	if got := len(fc.bytes()); got != 50*cell.Size {
		t.Errorf("socket bytes: got %d, want %d", got, 50*cell.Size)
	}
}

// TestStopFlagPiggybacksOnNextCell requests a stop mid-window: the STOP flag
// rides the first cell emitted after the request, and the session still only
// ends on an L-multiple with no extra flag cell.
func TestStopFlagPiggybacksOnNextCell(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Client, fc)

	for range 3 {
		c.onTick()
	}
	c.StopDefense(false)
	for range 47 {
		c.onTick()
	}
	// attempts == 50 now; the next tick finishes the session.
	c.onTick()

	cells := parseCells(t, fc.bytes())
	if len(cells) != 50 {
		t.Fatalf("expected 50 cells, got %d", len(cells))
	}
	for i, pc := range cells {
		want := i == 3 // first cell emitted at or after the request
		if got := pc.flags.Has(cell.FlagStop); got != want {
			t.Errorf("cell %d STOP flag: got %v, want %v", i, got, want)
		}
	}
	c.mu.Lock()
	stagedLen := c.out.buf.Len()
	c.mu.Unlock()
	if stagedLen != 0 {
		t.Errorf("no synthesized flag cell expected, found %d staged bytes", stagedLen)
	}
	if c.def.state != defenseNone {
		t.Errorf("state: got %v, want none", c.def.state)
	}
}

// TestServerAutoStop reaches the session deadline on the server: the timer
// is cancelled and exactly one cell carrying AUTO_STOPPED is staged.
func TestServerAutoStop(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Server, fc)
	c.mu.Lock()
	c.def.autoStop = time.Now().Add(-time.Second)
	c.mu.Unlock()

	c.onTick()

	c.mu.Lock()
	state := c.def.state
	staged := append([]byte(nil), c.out.buf.Bytes()...)
	tailDummy := c.out.tailDummy
	c.mu.Unlock()

	if state != defenseNone {
		t.Fatalf("state: got %v, want none", state)
	}
	cells := parseCells(t, staged)
	if len(cells) != 1 {
		t.Fatalf("expected exactly 1 staged cell, got %d", len(cells))
	}
	if !cells[0].flags.Has(cell.FlagAutoStopped) {
		t.Errorf("expected AUTO_STOPPED, got flags %05b", cells[0].flags)
	}
	if cells[0].flags.Has(cell.FlagDone) {
		t.Errorf("auto-stop must not claim the session is done")
	}
	if tailDummy {
		t.Error("the AUTO_STOPPED dummy must not be droppable")
	}
}

// TestClientAutoStopIsFatal reaches the deadline on the client, which is a
// bug in the operator's hands: the channel closes with ErrDefenseTimeLimit.
func TestClientAutoStopIsFatal(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Client, fc)
	c.mu.Lock()
	c.def.autoStop = time.Now().Add(-time.Second)
	c.mu.Unlock()

	c.onTick()

	select {
	case ev := <-c.Events():
		if ev.Kind != EventClosed {
			t.Fatalf("event: got %v, want closed", ev.Kind)
		}
		if ev.Err == nil {
			t.Fatal("expected a close cause")
		}
	default:
		t.Fatal("expected a closed event")
	}
	if _, err := c.Write([]byte("x")); err == nil {
		t.Error("writes must fail after the fatal close")
	}
}

// TestClientResumesAutoStoppedServer feeds the client an AUTO_STOPPED cell
// while it is still defending: the next emitted cell must carry START so the
// server resumes.
func TestClientResumesAutoStoppedServer(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Client, fc)

	if err := c.handleCell(cell.Dummy, cell.FlagAutoStopped|cell.FlagDefensive, nil); err != nil {
		t.Fatalf("handle cell: %v", err)
	}
	c.mu.Lock()
	needStart := c.def.needStart
	cellsRecv := c.def.cellsRecv
	c.mu.Unlock()
	if !needStart {
		t.Fatal("expected the START flag to be queued")
	}
	if cellsRecv != 1 {
		t.Errorf("defensive cells received: got %d, want 1", cellsRecv)
	}

	c.onTick()
	cells := parseCells(t, fc.bytes())
	if len(cells) != 1 {
		t.Fatalf("expected 1 cell, got %d", len(cells))
	}
	if !cells[0].flags.Has(cell.FlagStart) {
		t.Errorf("expected START on the next cell, got flags %05b", cells[0].flags)
	}
}

// TestDefenseSessionDone: the done notification fires exactly when our send
// direction is idle and the peer has declared its direction done.
func TestDefenseSessionDone(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Client, fc)

	// DONE while we are still ACTIVE: no notification yet.
	if err := c.handleCell(cell.Dummy, cell.FlagDone, nil); err != nil {
		t.Fatalf("handle cell: %v", err)
	}
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %v before our side stopped", ev.Kind)
	default:
	}

	// Stop our side at the next L-multiple (attempts == 0 qualifies).
	c.StopDefense(false)
	c.onTick()

	select {
	case ev := <-c.Events():
		if ev.Kind != EventDefenseSessionDone {
			t.Fatalf("event: got %v, want defense-session-done", ev.Kind)
		}
	default:
		t.Fatal("expected the defense-session-done event")
	}

	c.mu.Lock()
	doneRecv, cellsRecv := c.def.doneRecv, c.def.cellsRecv
	c.mu.Unlock()
	if doneRecv || cellsRecv != 0 {
		t.Error("session counters must reset after the done notification")
	}
}

// TestMutuallyExclusiveFlags: START and STOP in one cell is a protocol error.
func TestMutuallyExclusiveFlags(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Server, fc)

	err := c.handleCell(cell.Dummy, cell.FlagStart|cell.FlagStop, nil)
	if err == nil {
		t.Fatal("expected a protocol error")
	}
}

// TestStartFlagStartsServerDefense: the server begins ticking when a START
// flag arrives.
func TestStartFlagStartsServerDefense(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c, err := New(fc, Server, defendedParams())
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	c.peerCellSize = cell.Size
	c.peerBodySize = cell.BodySize

	if err := c.handleCell(cell.Data, cell.FlagStart|cell.FlagDefensive, nil); err != nil {
		t.Fatalf("handle cell: %v", err)
	}
	c.mu.Lock()
	state := c.def.state
	c.stopTickerLocked()
	c.mu.Unlock()
	if state != defenseActive {
		t.Fatalf("state: got %v, want active", state)
	}
}
