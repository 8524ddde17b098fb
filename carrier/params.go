package carrier

import (
	"fmt"
	"time"

	"github.com/mickamy/celltun/cell"
)

// Role says which end of the carrier we are. Only the client creates streams
// and only the client may request defense parameters from its peer.
type Role int

const (
	Client Role = iota
	Server
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

// Params configures a Channel. The zero value is a plain pass-through proxy
// with no cells and no defense.
type Params struct {
	// CellSize is 0 (no cells, raw pass-through) or cell.Size.
	CellSize int
	// Interval is our own packet interval; one cell leaves the socket per
	// interval while a defense session is active.
	Interval time.Duration
	// L is the stopping modulus: a session may only end on a tick whose
	// attempt count is a multiple of L.
	L int
	// TimeLimit bounds a defense session; the server auto-stops at the
	// deadline, the client treats reaching it as fatal.
	TimeLimit time.Duration

	// RequestInterval and RequestL are sent by the client in its peer info to
	// override the server's defaults. The server must leave them zero.
	RequestInterval time.Duration
	RequestL        int
}

// ValidL reports whether L is one of the supported stopping moduli.
func ValidL(l int) bool {
	switch l {
	case 0, 50, 100, 150, 200, 250, 300:
		return true
	}
	return false
}

// ValidIntervalMS reports whether a packet interval, in milliseconds, is one
// of the supported values.
func ValidIntervalMS(ms int) bool {
	switch ms {
	case 0, 5, 20, 50, 75, 100, 125:
		return true
	}
	return false
}

func (p Params) intervalMS() int        { return int(p.Interval / time.Millisecond) }
func (p Params) requestIntervalMS() int { return int(p.RequestInterval / time.Millisecond) }

func (p Params) validate(role Role) error {
	if p.CellSize != 0 && p.CellSize != cell.Size {
		return fmt.Errorf("carrier: cell size must be 0 or %d, got %d", cell.Size, p.CellSize)
	}
	if !ValidL(p.L) {
		return fmt.Errorf("carrier: unsupported L %d", p.L)
	}
	if !ValidIntervalMS(p.intervalMS()) {
		return fmt.Errorf("carrier: unsupported packet interval %s", p.Interval)
	}
	if (p.L == 0) != (p.Interval == 0) {
		return fmt.Errorf("carrier: L and packet interval must both be zero or both be set")
	}
	if p.TimeLimit > 3*time.Minute {
		return fmt.Errorf("carrier: defense time limit %s exceeds 3m", p.TimeLimit)
	}
	if p.CellSize != 0 || p.L != 0 || p.Interval != 0 || p.TimeLimit != 0 {
		if p.CellSize == 0 || p.L == 0 || p.Interval == 0 || p.TimeLimit == 0 {
			return fmt.Errorf("carrier: cell size, L, packet interval and time limit must all be set to use the defense")
		}
	}
	if role == Server && (p.RequestInterval != 0 || p.RequestL != 0) {
		return fmt.Errorf("carrier: only the client may request peer parameters")
	}
	if p.RequestInterval != 0 && !ValidIntervalMS(p.requestIntervalMS()) {
		return fmt.Errorf("carrier: unsupported requested packet interval %s", p.RequestInterval)
	}
	if p.RequestL != 0 && !ValidL(p.RequestL) {
		return fmt.Errorf("carrier: unsupported requested L %d", p.RequestL)
	}
	return nil
}
