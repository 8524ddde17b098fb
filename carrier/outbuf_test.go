package carrier

import (
	"testing"

	"github.com/mickamy/celltun/cell"
)

// checkOutInvariant verifies that the staged-cell bookkeeping matches the
// byte buffer: len(cells)*cellSize - frontSent == buf.Len(), and the front
// cell is never fully accounted without being popped.
func checkOutInvariant(t *testing.T, c *Channel) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out.frontSent >= c.cellSize {
		t.Fatalf("frontSent %d must stay below the cell size", c.out.frontSent)
	}
	want := len(c.out.cells)*c.cellSize - c.out.frontSent
	if got := c.out.buf.Len(); got != want {
		t.Fatalf("out buffer holds %d bytes, bookkeeping says %d", got, want)
	}
}

// TestPartialWriteAccounting drains a staged data cell and a staged dummy
// cell in uneven chunks and checks the per-cell counters stay exact.
func TestPartialWriteAccounting(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Client, fc)

	payload := make([]byte, 300)
	if _, err := c.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	c.mu.Lock()
	c.stageDataCellLocked()
	c.stageDummyCellLocked()
	c.mu.Unlock()
	checkOutInvariant(t, c)

	// Drain in chunks that straddle the cell boundary.
	for _, n := range []int{100, cell.Size - 100, 250, cell.Size - 250} {
		c.mu.Lock()
		c.accountSendLocked(n)
		c.mu.Unlock()
		checkOutInvariant(t, c)
	}

	s := c.Stats()
	if s.UsefulSendBytes != 300 {
		t.Errorf("useful send bytes: got %d, want 300", s.UsefulSendBytes)
	}
	if s.DummySendCells != 1 {
		t.Errorf("dummy send cells: got %d, want 1", s.DummySendCells)
	}
	if s.AllSendBytes != 2*cell.Size {
		t.Errorf("all send bytes: got %d, want %d", s.AllSendBytes, 2*cell.Size)
	}
}

// TestDropTailDummyBookkeeping drops a staged dummy behind a data cell and
// checks the queue stays consistent.
func TestDropTailDummyBookkeeping(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Client, fc)

	if _, err := c.Write(make([]byte, 10)); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.mu.Lock()
	c.stageDataCellLocked()
	c.stageDummyCellLocked()
	if !c.out.tailDummy {
		c.mu.Unlock()
		t.Fatal("expected a droppable tail dummy")
	}
	dropped := c.dropTailDummyLocked(true)
	c.mu.Unlock()

	if !dropped {
		t.Fatal("expected the drop to happen")
	}
	checkOutInvariant(t, c)
	if got := c.Stats().DummyCellsAvoided; got != 1 {
		t.Errorf("dummy cells avoided: got %d, want 1", got)
	}

	c.mu.Lock()
	cells := len(c.out.cells)
	c.mu.Unlock()
	if cells != 1 {
		t.Errorf("staged cells: got %d, want 1", cells)
	}
}

// TestImportantFlagDummyNotDroppable: a dummy that picked up a pending STOP
// flag must not be marked droppable.
func TestImportantFlagDummyNotDroppable(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c := newDefendedChannel(t, Client, fc)

	c.mu.Lock()
	c.def.needStop = true
	c.stageDummyCellLocked()
	tailDummy := c.out.tailDummy
	dropped := c.dropTailDummyLocked(true)
	c.mu.Unlock()

	if tailDummy {
		t.Error("flagged dummy must not be droppable")
	}
	if dropped {
		t.Error("drop must refuse a flagged dummy")
	}
}

// TestWriteInPendingStagesSingleCell: while the session waits for the first
// socket send, only one data cell may be staged.
func TestWriteInPendingStagesSingleCell(t *testing.T) {
	t.Parallel()
	fc := newFakeConn()
	c, err := New(fc, Client, defendedParams())
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	if err := c.SetAutoStartOnNextSend(); err != nil {
		t.Fatalf("arm auto-start: %v", err)
	}

	if _, err := c.Write(make([]byte, 3*cell.BodySize)); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.mu.Lock()
	staged := len(c.out.cells)
	flags := cell.Flags(0)
	if staged > 0 {
		_, f, _ := cell.DecodeHeader(c.out.buf.Bytes()[:cell.HeaderSize])
		flags = f
	}
	state := c.def.state
	c.mu.Unlock()

	if staged != 1 {
		t.Fatalf("staged cells: got %d, want 1", staged)
	}
	if !flags.Has(cell.FlagStart) || !flags.Has(cell.FlagDefensive) {
		t.Errorf("first cell flags: got %05b, want START and DEFENSIVE", flags)
	}
	if state != defensePending {
		t.Errorf("state: got %v, want pending-next-socket-send", state)
	}
}
