// Package ssp implements the server-side proxy: it accepts carrier
// connections from client-side proxies, demultiplexes their streams, and
// connects each stream to its real target host.
package ssp

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/mickamy/celltun/carrier"
	"github.com/mickamy/celltun/mux"
	"github.com/mickamy/celltun/proxy"
	"github.com/mickamy/celltun/relay"
)

// connectTimeout bounds the TCP connect to a target host.
const connectTimeout = 3 * time.Second

// Config configures the server-side proxy.
type Config struct {
	// ListenAddr accepts carrier connections from client-side proxies.
	ListenAddr string
	// Params are the carrier parameters (server role). A client may override
	// L and the packet interval through its peer info.
	Params carrier.Params
	// LogConnectLatency logs per-target resolve+connect latency.
	LogConnectLatency bool
}

// Proxy is the server-side endpoint. Each accepted connection gets its own
// carrier channel; nothing is shared between carriers.
type Proxy struct {
	cfg    Config
	events chan proxy.Event

	mu       sync.Mutex
	lis      net.Listener
	carriers map[*carrier.Channel]struct{}
	base     carrier.Stats
	closed   bool
}

// New creates a server-side proxy.
func New(cfg Config) *Proxy {
	return &Proxy{
		cfg:      cfg,
		events:   make(chan proxy.Event, 64),
		carriers: make(map[*carrier.Channel]struct{}),
	}
}

// Events returns the operator event channel.
func (p *Proxy) Events() <-chan proxy.Event { return p.events }

// Stats returns the counters summed over all carriers, past and present.
func (p *Proxy) Stats() carrier.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.base
	for ch := range p.carriers {
		total = total.Add(ch.Stats())
	}
	return total
}

// ListenAndServe accepts carrier connections until ctx is cancelled or Close
// is called.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("ssp: listen %s: %w", p.cfg.ListenAddr, err)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = lis.Close()
		return nil
	}
	p.lis = lis
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = p.Close()
	}()

	log.Printf("ssp: accepting carriers on %s", p.cfg.ListenAddr)
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || p.isClosed() {
				return nil
			}
			return fmt.Errorf("ssp: accept: %w", err)
		}
		go p.handleCarrier(conn)
	}
}

// handleCarrier owns one client-side proxy connection for its lifetime.
func (p *Proxy) handleCarrier(conn net.Conn) {
	ch, err := carrier.New(conn, carrier.Server, p.cfg.Params)
	if err != nil {
		log.Printf("ssp: carrier setup: %v", err)
		_ = conn.Close()
		return
	}
	if err := ch.Handshake(); err != nil {
		log.Printf("ssp: carrier handshake: %v", err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = ch.Close()
		return
	}
	p.carriers[ch] = struct{}{}
	p.mu.Unlock()
	defer p.dropCarrier(ch)

	go p.watchCarrier(ch)

	sess, err := mux.Server(ch)
	if err != nil {
		log.Printf("ssp: carrier %s: %v", ch.ID(), err)
		_ = ch.Close()
		return
	}
	defer func() { _ = sess.Close() }()

	for {
		st, target, err := sess.Accept()
		if err != nil {
			if !p.isClosed() {
				log.Printf("ssp: carrier %s: %v", ch.ID(), err)
			}
			return
		}
		go p.handleStream(st, target)
	}
}

// handleStream is the target connector: connect with a deadline, grant the
// stream, then forward. On failure the stream is closed, which the peer's
// SOCKS5 front-end observes as a failed create.
func (p *Proxy) handleStream(st *mux.Stream, target string) {
	start := time.Now()
	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.Dial("tcp", target)
	if p.cfg.LogConnectLatency {
		log.Printf("ssp: connect %s took %s", target, time.Since(start))
	}
	if err != nil {
		log.Printf("ssp: connect %s: %v", target, err)
		_ = st.Close()
		return
	}

	if err := st.Grant(); err != nil {
		_ = conn.Close()
		_ = st.Close()
		return
	}

	_ = relay.Pipe(conn, st)
}

func (p *Proxy) watchCarrier(ch *carrier.Channel) {
	for ev := range ch.Events() {
		switch ev.Kind {
		case carrier.EventReady:
			p.emit(proxy.Event{Kind: proxy.TunnelReady})
		case carrier.EventDefenseSessionDone:
			p.emit(proxy.Event{Kind: proxy.DefenseSessionDone, Stats: ev.Stats})
		case carrier.EventClosed:
			p.emit(proxy.Event{Kind: proxy.TunnelClosed, Err: ev.Err})
			return
		}
	}
}

func (p *Proxy) dropCarrier(ch *carrier.Channel) {
	_ = ch.Close()
	p.mu.Lock()
	if _, ok := p.carriers[ch]; ok {
		delete(p.carriers, ch)
		p.base = p.base.Add(ch.Stats())
	}
	p.mu.Unlock()
}

// Close stops accepting and tears down every carrier.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	lis := p.lis
	p.lis = nil
	carriers := make([]*carrier.Channel, 0, len(p.carriers))
	for ch := range p.carriers {
		carriers = append(carriers, ch)
	}
	p.mu.Unlock()

	if lis != nil {
		_ = lis.Close()
	}
	for _, ch := range carriers {
		_ = ch.Close()
	}
	return nil
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Proxy) emit(ev proxy.Event) {
	select {
	case p.events <- ev:
	default:
	}
}
