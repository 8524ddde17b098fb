package carrier

import "sync/atomic"

// Stats is a snapshot of the channel counters. All counters are monotonic
// over the life of a channel.
type Stats struct {
	// Socket-level byte counts, padding included.
	AllSendBytes uint64 `json:"all_send_bytes"`
	AllRecvBytes uint64 `json:"all_recv_bytes"`

	// User-payload bytes carried inside DATA cells (or raw bytes when the
	// carrier runs without cells).
	UsefulSendBytes uint64 `json:"useful_send_bytes"`
	UsefulRecvBytes uint64 `json:"useful_recv_bytes"`

	// Whole dummy cells fully written to / read from the socket.
	DummySendCells uint64 `json:"dummy_send_cells"`
	DummyRecvCells uint64 `json:"dummy_recv_cells"`

	// Dummy cells that were staged but replaced by real data before any of
	// their bytes reached the socket.
	DummyCellsAvoided uint64 `json:"dummy_cells_avoided"`
}

// Add returns the field-wise sum of two snapshots. Proxies use it to fold
// the counters of closed carriers into a running total.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		AllSendBytes:      s.AllSendBytes + o.AllSendBytes,
		AllRecvBytes:      s.AllRecvBytes + o.AllRecvBytes,
		UsefulSendBytes:   s.UsefulSendBytes + o.UsefulSendBytes,
		UsefulRecvBytes:   s.UsefulRecvBytes + o.UsefulRecvBytes,
		DummySendCells:    s.DummySendCells + o.DummySendCells,
		DummyRecvCells:    s.DummyRecvCells + o.DummyRecvCells,
		DummyCellsAvoided: s.DummyCellsAvoided + o.DummyCellsAvoided,
	}
}

// counters is the live, concurrently-updated form of Stats.
type counters struct {
	allSend      atomic.Uint64
	allRecv      atomic.Uint64
	usefulSend   atomic.Uint64
	usefulRecv   atomic.Uint64
	dummySend    atomic.Uint64
	dummyRecv    atomic.Uint64
	dummyAvoided atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		AllSendBytes:      c.allSend.Load(),
		AllRecvBytes:      c.allRecv.Load(),
		UsefulSendBytes:   c.usefulSend.Load(),
		UsefulRecvBytes:   c.usefulRecv.Load(),
		DummySendCells:    c.dummySend.Load(),
		DummyRecvCells:    c.dummyRecv.Load(),
		DummyCellsAvoided: c.dummyAvoided.Load(),
	}
}
