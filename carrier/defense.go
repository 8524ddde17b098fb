package carrier

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"
)

// defenseState is the session state machine: NONE -> PENDING_NEXT_SOCKET_SEND
// -> ACTIVE -> NONE.
type defenseState int

const (
	defenseNone defenseState = iota
	defensePending
	defenseActive
)

func (s defenseState) String() string {
	switch s {
	case defenseNone:
		return "none"
	case defensePending:
		return "pending-next-socket-send"
	case defenseActive:
		return "active"
	}
	return fmt.Sprintf("UnknownState(%d)", int(s))
}

// defenseInfo holds all per-session state, including the flags that must be
// piggybacked on the next outbound cell. It is only touched under Channel.mu.
type defenseInfo struct {
	state defenseState

	// attempts counts ticks on which the socket was poked, whether or not it
	// accepted any bytes. The stopping rule is attempts mod L == 0.
	attempts      uint64
	savedAttempts uint64

	dataCellsAdded int
	stopRequested  bool
	autoStop       time.Time

	needStart       bool
	needStop        bool
	needAutoStopped bool
	needDone        bool

	// doneRecv and cellsRecv describe the peer's send direction: whether it
	// has declared it done, and how many defensive cells we counted. They
	// survive resetSession so the both-directions-done check still sees them.
	doneRecv  bool
	cellsRecv uint64
}

// resetSession returns the send direction to NONE. savedAttempts, doneRecv
// and cellsRecv are preserved; they are cleared when the whole session is
// reported done.
func (d *defenseInfo) resetSession() {
	d.state = defenseNone
	d.attempts = 0
	d.dataCellsAdded = 0
	d.stopRequested = false
	d.autoStop = time.Time{}
	d.needStart = false
	d.needStop = false
	d.needAutoStopped = false
	d.needDone = false
}

// StartDefense starts a defense session immediately: the periodic timer takes
// over all socket writes until the session ends.
func (c *Channel) StartDefense() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.startDefenseLocked()
}

func (c *Channel) startDefenseLocked() error {
	if c.def.state != defenseNone {
		return fmt.Errorf("carrier: cannot start defense in state %s", c.def.state)
	}
	if c.params.L <= 0 || c.params.Interval <= 0 {
		return errors.New("carrier: defense is not configured on this channel")
	}
	c.def.autoStop = time.Now().Add(c.params.TimeLimit)
	c.def.state = defenseActive
	c.lag.reset()
	c.tickStop = make(chan struct{})
	c.tick = time.NewTicker(c.params.Interval)
	go c.defenseLoop(c.tick, c.tickStop)
	log.Printf("carrier %s: defense started (interval=%s L=%d)",
		c.id, c.params.Interval, c.params.L)
	return nil
}

// SetAutoStartOnNextSend arms the session so that the next socket send starts
// it, carrying the START flag on the first cell. Client only; both byte
// buffers must be empty.
func (c *Channel) SetAutoStartOnNextSend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.role != Client {
		return errors.New("carrier: only the client auto-starts a defense")
	}
	if c.def.state != defenseNone {
		return fmt.Errorf("carrier: cannot arm auto-start in state %s", c.def.state)
	}
	if c.params.L <= 0 || c.params.Interval <= 0 {
		return errors.New("carrier: defense is not configured on this channel")
	}
	if c.pending.Len() != 0 || c.out.buf.Len() != 0 {
		return errors.New("carrier: cannot arm auto-start with buffered output")
	}
	c.def.state = defensePending
	c.def.needStart = true
	return nil
}

// StopDefense requests the end of the current session. The ordinary form
// (rightNow false) lets the scheduler stop at the next attempt count that is
// a multiple of L, queueing the STOP flag for the peer on the client side.
// rightNow tears the send direction down immediately. If no session is
// active the session state is simply reset.
func (c *Channel) StopDefense(rightNow bool) {
	c.mu.Lock()
	log.Printf("carrier %s: requested to stop defense; defensive cells sent/attempted so far: %d",
		c.id, c.def.attempts)

	if c.def.state != defenseActive {
		log.Printf("carrier %s: defense not currently active, nothing to stop", c.id)
		c.def.resetSession()
		c.mu.Unlock()
		return
	}

	c.def.stopRequested = true
	if c.role == Client {
		c.def.needStop = true
	}
	if !rightNow {
		c.mu.Unlock()
		return
	}

	c.finishSendDirectionLocked(false)
	done := c.checkSessionDoneLocked()
	c.mu.Unlock()
	for _, ev := range done {
		c.emit(ev)
	}
}

func (c *Channel) defenseLoop(t *time.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-c.die:
			return
		case <-t.C:
			c.onTick()
		}
	}
}

// onTick runs the per-tick decision procedure: finish the send direction if a
// stop was requested and the attempt count is on an L-multiple, auto-stop at
// the session deadline, otherwise put exactly one cell's worth of bytes on
// the wire, padding with a dummy cell if no data is waiting.
func (c *Channel) onTick() {
	c.wmu.Lock()
	c.mu.Lock()
	if c.closed || c.def.state != defenseActive {
		c.mu.Unlock()
		c.wmu.Unlock()
		return
	}

	now := time.Now()
	if alert := c.lag.observe(now, c.params.Interval); alert != nil {
		log.Printf("carrier %s: defense timer is falling behind: %d late ticks within %s",
			c.id, alert.count, alert.window)
	}

	if c.def.stopRequested && c.def.attempts%uint64(c.params.L) == 0 {
		log.Printf("carrier %s: done defending send; defensive cells sent/attempted=%d",
			c.id, c.def.attempts)
		c.finishSendDirectionLocked(false)
		done := c.checkSessionDoneLocked()
		c.mu.Unlock()
		c.wmu.Unlock()
		for _, ev := range done {
			c.emit(ev)
		}
		return
	}

	if !now.Before(c.def.autoStop) {
		if c.role == Client {
			c.mu.Unlock()
			c.wmu.Unlock()
			log.Printf("carrier %s: %v: did you forget to stop the defense after the page load?",
				c.id, ErrDefenseTimeLimit)
			c.teardown(ErrDefenseTimeLimit)
			return
		}
		log.Printf("carrier %s: defense session time limit reached; auto-stopping after %d attempts",
			c.id, c.def.attempts)
		c.finishSendDirectionLocked(true)
		c.mu.Unlock()
		c.wmu.Unlock()
		return
	}

	// Real data that arrived since the last tick may displace a staged but
	// unwritten dummy cell.
	if c.pending.Len() > 0 {
		c.dropTailDummyLocked(true)
	}
	if c.out.buf.Len() < c.cellSize {
		if !c.stageDataCellLocked() {
			c.ensureDummyAtTailLocked()
		}
	}
	c.writeOneCellLocked()
	c.wmu.Unlock()
}

// finishSendDirectionLocked takes the session out of ACTIVE: cancels the
// timer, flushes pending data, and guarantees the required flag (STOP on the
// client, DONE or AUTO_STOPPED on the server) rides on some cell, adding a
// dummy cell when nothing else would carry it.
func (c *Channel) finishSendDirectionLocked(autoStopped bool) {
	c.def.savedAttempts = c.def.attempts
	c.stopTickerLocked()

	needStop := c.def.needStop
	c.def.resetSession()
	if autoStopped {
		c.def.needAutoStopped = true
	} else {
		c.def.needStop = needStop
		if c.role == Server {
			// Tell the client we are done defending its receive direction.
			c.def.needDone = true
		}
	}

	c.flushPendingLocked()

	if c.def.needStop || c.def.needDone || c.def.needAutoStopped {
		// The flag could not piggyback on any data cell; carry it on a dummy.
		c.dropTailDummyLocked(false)
		c.stageDummyCellLocked()
	}
	c.kickWriter()
}

// checkSessionDoneLocked reports the both-directions-done event: the send
// direction is back to NONE and the peer has declared its own direction done.
func (c *Channel) checkSessionDoneLocked() []Event {
	if c.def.state != defenseNone || !c.def.doneRecv {
		return nil
	}
	log.Printf("carrier %s: defense session done; defensive cells sent/attempted=%d received=%d",
		c.id, c.def.savedAttempts, c.def.cellsRecv)
	c.def.doneRecv = false
	c.def.cellsRecv = 0
	c.def.savedAttempts = 0
	return []Event{{Kind: EventDefenseSessionDone, Stats: c.stats.snapshot()}}
}

func (c *Channel) stopTickerLocked() {
	if c.tick == nil {
		return
	}
	c.tick.Stop()
	close(c.tickStop)
	c.tick = nil
	c.tickStop = nil
}

// stopDefenseLocked is the server-side reaction to an inbound STOP flag.
func (c *Channel) stopDefenseLocked() {
	if c.def.state != defenseActive {
		c.def.resetSession()
		return
	}
	c.def.stopRequested = true
}

// writeOneCellLocked writes one cell's worth of bytes from the front of the
// out buffer and counts the attempt. Called with wmu and mu held; returns
// with mu released and wmu still held. A write the socket does not accept
// within one interval is cut short and picked up by the next tick.
func (c *Channel) writeOneCellLocked() {
	n := c.out.buf.Len()
	if n > c.cellSize {
		n = c.cellSize
	}
	chunk := append([]byte(nil), c.out.buf.Bytes()[:n]...)
	c.def.attempts++
	deadline := time.Now().Add(c.params.Interval)
	c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(deadline)
	written, err := c.conn.Write(chunk)
	_ = c.conn.SetWriteDeadline(time.Time{})

	c.mu.Lock()
	c.accountSendLocked(written)
	if c.out.buf.Len() < c.cellSize {
		// Whatever sat at the tail, it is no longer a whole staged dummy.
		c.out.tailDummy = false
	}
	c.mu.Unlock()

	if err != nil && !isTimeout(err) {
		c.teardown(classifyIOError("write", err))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
