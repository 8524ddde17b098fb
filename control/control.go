// Package control serves the operator-facing HTTP API: tunnel and defense
// session control, a counters snapshot, a live event stream, and Prometheus
// metrics.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mickamy/celltun/carrier"
	"github.com/mickamy/celltun/proxy"
)

// Tunnel is the subset of client-side proxy operations the control API
// drives. It is nil on the server side, where only stats and events are
// served.
type Tunnel interface {
	EstablishTunnel(forceReconnect bool) error
	SetAutoStartDefenseOnNextSend() error
	StopDefense(rightNow bool)
}

// Server is the operator HTTP server.
type Server struct {
	httpServer *http.Server
	tunnel     Tunnel
	stats      func() carrier.Stats

	mu   sync.Mutex
	subs map[chan proxy.Event]struct{}
}

// New creates a control server. tunnel may be nil (server side); gatherer may
// be nil to disable the /metrics endpoint.
func New(tunnel Tunnel, stats func() carrier.Stats, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		tunnel: tunnel,
		stats:  stats,
		subs:   make(map[chan proxy.Event]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tunnel", s.handleTunnel)
	mux.HandleFunc("POST /api/defense/auto-start", s.handleAutoStart)
	mux.HandleFunc("POST /api/defense/stop", s.handleStop)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/events", s.handleSSE)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve starts the HTTP server on the given listener.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Publish fans an operator event out to all event-stream subscribers.
func (s *Server) Publish(ev proxy.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Server) subscribe() (<-chan proxy.Event, func()) {
	ch := make(chan proxy.Event, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

type statusJSON struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if s.tunnel == nil {
		writeJSON(w, http.StatusNotImplemented, statusJSON{Status: "error", Error: "no tunnel control on this endpoint"})
		return
	}
	var req struct {
		ForceReconnect bool `json:"force_reconnect"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.tunnel.EstablishTunnel(req.ForceReconnect); err != nil {
		writeJSON(w, http.StatusInternalServerError, statusJSON{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusJSON{Status: "ok"})
}

func (s *Server) handleAutoStart(w http.ResponseWriter, r *http.Request) {
	if s.tunnel == nil {
		writeJSON(w, http.StatusNotImplemented, statusJSON{Status: "error", Error: "no defense control on this endpoint"})
		return
	}
	if err := s.tunnel.SetAutoStartDefenseOnNextSend(); err != nil {
		writeJSON(w, http.StatusConflict, statusJSON{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusJSON{Status: "ok"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.tunnel == nil {
		writeJSON(w, http.StatusNotImplemented, statusJSON{Status: "error", Error: "no defense control on this endpoint"})
		return
	}
	var req struct {
		RightNow bool `json:"right_now"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	s.tunnel.StopDefense(req.RightNow)
	writeJSON(w, http.StatusOK, statusJSON{Status: "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

type eventJSON struct {
	Kind  string         `json:"kind"`
	Error string         `json:"error,omitempty"`
	Stats *carrier.Stats `json:"stats,omitempty"`
}

func toEventJSON(ev proxy.Event) eventJSON {
	out := eventJSON{Kind: ev.Kind.String()}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	if ev.Kind == proxy.DefenseSessionDone {
		stats := ev.Stats
		out.Stats = &stats
	}
	return out
}

// handleSSE streams operator events as server-sent events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch, unsub := s.subscribe()
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(toEventJSON(ev))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
