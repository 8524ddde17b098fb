package carrier

import (
	"bytes"

	"github.com/mickamy/celltun/cell"
)

// padBytes backs cell padding and dummy cell bodies.
var padBytes = make([]byte, cell.BodySize)

// outQueue is the byte buffer staged for socket writes plus the bookkeeping
// that keeps per-cell statistics correct under partial writes: the ordered
// useful-byte counts of every staged cell and how many bytes of the front
// cell have already been handed to the kernel.
//
// Invariant: len(cells)*cellSize - frontSent == buf.Len(), and
// frontSent < cellSize.
type outQueue struct {
	buf       bytes.Buffer
	cells     []int
	frontSent int

	// tailDummy marks a whole dummy cell, carrying no important flags,
	// sitting at the end of buf. It may be dropped to make room for data.
	tailDummy bool
}

// collectFlagsLocked assembles the flag bits for the cell about to be
// serialized, clearing the pending need-* booleans it satisfies.
func (c *Channel) collectFlagsLocked() cell.Flags {
	var f cell.Flags
	if c.def.needStart {
		c.def.needStart = false
		f |= cell.FlagStart
	}
	if c.def.needStop {
		c.def.needStop = false
		f |= cell.FlagStop
	}
	if c.def.needAutoStopped {
		c.def.needAutoStopped = false
		f |= cell.FlagAutoStopped
	}
	if c.def.needDone {
		c.def.needDone = false
		f |= cell.FlagDone
	}
	if c.def.state == defenseActive || c.def.state == defensePending {
		f |= cell.FlagDefensive
	}
	return f
}

// stageDataCellLocked appends one DATA cell built from the pending buffer,
// replacing a droppable tail dummy if one is staged. Returns false when
// there is no pending data.
func (c *Channel) stageDataCellLocked() bool {
	payloadLen := c.pending.Len()
	if payloadLen > c.bodySize {
		payloadLen = c.bodySize
	}
	if payloadLen == 0 {
		return false
	}

	c.dropTailDummyLocked(true)

	var hdr [cell.HeaderSize]byte
	cell.PutHeader(hdr[:], cell.Data, c.collectFlagsLocked(), uint16(payloadLen))
	c.out.buf.Write(hdr[:])
	c.out.buf.Write(c.pending.Next(payloadLen))
	if pad := c.bodySize - payloadLen; pad > 0 {
		c.out.buf.Write(padBytes[:pad])
	}
	c.out.cells = append(c.out.cells, payloadLen)

	if c.def.state == defensePending {
		c.def.dataCellsAdded++
	}
	return true
}

// stageDummyCellLocked appends one whole dummy cell. A dummy that picked up
// an important flag is not droppable.
func (c *Channel) stageDummyCellLocked() {
	flags := c.collectFlagsLocked()
	var hdr [cell.HeaderSize]byte
	cell.PutHeader(hdr[:], cell.Dummy, flags, 0)
	c.out.buf.Write(hdr[:])
	c.out.buf.Write(padBytes[:c.bodySize])
	c.out.cells = append(c.out.cells, 0)
	c.out.tailDummy = !flags.Important()
}

// ensureDummyAtTailLocked guarantees a whole cell is staged for the current
// tick; at most one droppable dummy ever sits at the tail.
func (c *Channel) ensureDummyAtTailLocked() {
	if c.out.tailDummy {
		return
	}
	c.stageDummyCellLocked()
}

// dropTailDummyLocked removes the droppable dummy cell from the tail of the
// staged buffer, if there is one. When count is set the drop is recorded in
// the dummy-cells-avoided counter; the synthesized flag-carrier paths do not
// count because their dummy is not replaced by data.
func (c *Channel) dropTailDummyLocked(count bool) bool {
	if !c.out.tailDummy {
		return false
	}
	keep := c.out.buf.Len() - c.cellSize
	c.out.buf.Truncate(keep)
	c.out.cells = c.out.cells[:len(c.out.cells)-1]
	c.out.tailDummy = false
	if count {
		c.stats.dummyAvoided.Add(1)
	}
	return true
}

// flushPendingLocked packs everything in the pending buffer into DATA cells.
// Only valid while no defense session is active.
func (c *Channel) flushPendingLocked() int {
	n := 0
	for c.pending.Len() > 0 {
		c.stageDataCellLocked()
		n++
	}
	return n
}

// accountSendLocked advances the output accounting after n bytes reached the
// socket: front-cell progress, useful-byte and dummy-cell counters.
func (c *Channel) accountSendLocked(n int) {
	if n <= 0 {
		return
	}
	c.stats.allSend.Add(uint64(n))

	if c.cellSize == 0 {
		c.stats.usefulSend.Add(uint64(n))
		c.pending.Next(n)
		return
	}

	c.out.buf.Next(n)
	for n > 0 {
		adv := c.cellSize - c.out.frontSent
		if adv > n {
			adv = n
		}
		c.out.frontSent += adv
		n -= adv
		if c.out.frontSent == c.cellSize {
			useful := c.out.cells[0]
			c.out.cells = c.out.cells[1:]
			if useful > 0 {
				c.stats.usefulSend.Add(uint64(useful))
			} else {
				c.stats.dummySend.Add(1)
			}
			c.out.frontSent = 0
		}
	}
}
