// Package proxy defines the interface shared by the two tunnel endpoints and
// the operator-visible events they emit.
package proxy

import (
	"context"
	"fmt"

	"github.com/mickamy/celltun/carrier"
)

// EventKind classifies an operator event.
type EventKind int

const (
	// TunnelReady fires when a carrier finishes its peer-info handshake.
	TunnelReady EventKind = iota
	// TunnelClosed fires when a carrier is torn down; Err carries the cause
	// for abnormal closes.
	TunnelClosed
	// DefenseSessionDone fires on the client side when both directions of a
	// defense session have ended; Stats holds the counter snapshot taken at
	// that moment.
	DefenseSessionDone
)

func (k EventKind) String() string {
	switch k {
	case TunnelReady:
		return "tunnel-ready"
	case TunnelClosed:
		return "tunnel-closed"
	case DefenseSessionDone:
		return "defense-session-done"
	}
	return fmt.Sprintf("UnknownEvent(%d)", int(k))
}

// Event is an operator-visible proxy event.
type Event struct {
	Kind  EventKind
	Err   error
	Stats carrier.Stats
}

// Proxy is the common interface of the client-side and server-side tunnel
// endpoints.
type Proxy interface {
	// ListenAndServe accepts connections and serves until ctx is cancelled
	// or Close is called.
	ListenAndServe(ctx context.Context) error
	// Events returns the channel of operator events.
	Events() <-chan Event
	// Stats returns the accumulated carrier counters, including carriers
	// that have already closed.
	Stats() carrier.Stats
	// Close stops the proxy.
	Close() error
}
