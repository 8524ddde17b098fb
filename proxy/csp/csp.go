// Package csp implements the client-side proxy: it terminates SOCKS5 from
// the browser, multiplexes each connection as a stream over the carrier to
// the server-side proxy, and drives the defense session control surface.
package csp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/mickamy/celltun/carrier"
	"github.com/mickamy/celltun/mux"
	"github.com/mickamy/celltun/proxy"
	"github.com/mickamy/celltun/relay"
	"github.com/mickamy/celltun/socks"
)

// Config configures the client-side proxy.
type Config struct {
	// ListenAddr is the browser-facing SOCKS5 listen address.
	ListenAddr string
	// SSPAddr is the server-side proxy, as host:port.
	SSPAddr string
	// TorSocksAddr, when set, routes the carrier connection through a local
	// Tor SOCKS proxy at this address.
	TorSocksAddr string
	// Params are the carrier parameters (client role).
	Params carrier.Params
	// AutoStartDefense arms set-auto-start-defense-on-next-send every time a
	// tunnel becomes ready.
	AutoStartDefense bool
	// ReconnectOnClose re-establishes the tunnel when the carrier closes
	// unexpectedly. When false an unexpected close is left to the operator.
	ReconnectOnClose bool
}

// Proxy is the client-side endpoint.
type Proxy struct {
	cfg    Config
	events chan proxy.Event

	mu     sync.Mutex
	lis    net.Listener
	ch     *carrier.Channel
	sess   *mux.Session
	conns  map[net.Conn]struct{}
	base   carrier.Stats // folded counters of carriers that have closed
	closed bool
}

// New creates a client-side proxy. The tunnel is established by
// ListenAndServe (or an explicit EstablishTunnel).
func New(cfg Config) *Proxy {
	return &Proxy{
		cfg:    cfg,
		events: make(chan proxy.Event, 64),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Events returns the operator event channel.
func (p *Proxy) Events() <-chan proxy.Event { return p.events }

// Stats returns the carrier counters accumulated across reconnects.
func (p *Proxy) Stats() carrier.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		return p.base.Add(p.ch.Stats())
	}
	return p.base
}

// ListenAndServe establishes the tunnel, then accepts browser connections
// until ctx is cancelled or Close is called. Clients are only accepted once
// the carrier is ready.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	if err := p.EstablishTunnel(false); err != nil {
		return err
	}

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("csp: listen %s: %w", p.cfg.ListenAddr, err)
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

	log.Printf("csp: ready and accepting clients on %s", p.cfg.ListenAddr)
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || p.isClosed() {
				return nil
			}
			return fmt.Errorf("csp: accept: %w", err)
		}
		p.track(conn)
		go p.handleClient(conn)
	}
}

// EstablishTunnel dials the server-side proxy (optionally through Tor),
// performs the carrier handshake, and starts the stream layer. With force
// set, an existing tunnel is torn down first; without it, an existing tunnel
// is kept.
func (p *Proxy) EstablishTunnel(force bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("csp: proxy closed")
	}
	if p.ch != nil {
		if !force {
			p.mu.Unlock()
			return nil
		}
		old, oldSess := p.ch, p.sess
		p.ch, p.sess = nil, nil
		p.base = p.base.Add(old.Stats())
		p.mu.Unlock()
		if oldSess != nil {
			_ = oldSess.Close()
		}
		_ = old.Close()
	} else {
		p.mu.Unlock()
	}

	conn, err := p.dialSSP()
	if err != nil {
		return fmt.Errorf("csp: dial ssp %s: %w", p.cfg.SSPAddr, err)
	}

	ch, err := carrier.New(conn, carrier.Client, p.cfg.Params)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Handshake(); err != nil {
		return fmt.Errorf("csp: carrier handshake: %w", err)
	}
	sess, err := mux.Client(ch)
	if err != nil {
		_ = ch.Close()
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = sess.Close()
		_ = ch.Close()
		return errors.New("csp: proxy closed")
	}
	p.ch, p.sess = ch, sess
	p.mu.Unlock()

	go p.watchCarrier(ch)

	if p.cfg.AutoStartDefense {
		if err := ch.SetAutoStartOnNextSend(); err != nil {
			return err
		}
		log.Printf("csp: will automatically start a defense session on the next send")
	}
	return nil
}

func (p *Proxy) dialSSP() (net.Conn, error) {
	if p.cfg.TorSocksAddr != "" {
		d, err := xproxy.SOCKS5("tcp", p.cfg.TorSocksAddr, nil, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("csp: tor dialer: %w", err)
		}
		return d.Dial("tcp", p.cfg.SSPAddr)
	}
	return net.DialTimeout("tcp", p.cfg.SSPAddr, 10*time.Second)
}

// watchCarrier forwards carrier events as operator events and handles the
// reconnect policy when the carrier closes underneath us.
func (p *Proxy) watchCarrier(ch *carrier.Channel) {
	for ev := range ch.Events() {
		switch ev.Kind {
		case carrier.EventReady:
			p.emit(proxy.Event{Kind: proxy.TunnelReady})
		case carrier.EventDefenseSessionDone:
			p.emit(proxy.Event{Kind: proxy.DefenseSessionDone, Stats: ev.Stats})
		case carrier.EventClosed:
			p.emit(proxy.Event{Kind: proxy.TunnelClosed, Err: ev.Err})
			p.onCarrierClosed(ch)
			return
		}
	}
}

func (p *Proxy) onCarrierClosed(ch *carrier.Channel) {
	p.mu.Lock()
	if p.ch == ch {
		p.base = p.base.Add(ch.Stats())
		p.ch, p.sess = nil, nil
	}
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return
	}
	if !p.cfg.ReconnectOnClose {
		log.Printf("csp: carrier closed; waiting for an operator to re-establish the tunnel")
		return
	}
	go p.reconnectLoop()
}

func (p *Proxy) reconnectLoop() {
	for !p.isClosed() {
		err := p.EstablishTunnel(false)
		if err == nil {
			log.Printf("csp: tunnel re-established")
			return
		}
		log.Printf("csp: reconnect failed: %v", err)
		time.Sleep(time.Second)
	}
}

// handleClient serves one browser connection: SOCKS5 handshake, stream
// creation, then forwarding. The browser sees its TCP connection closed on
// any failure before the success reply.
func (p *Proxy) handleClient(conn net.Conn) {
	defer p.untrack(conn)

	target, err := socks.Handshake(conn)
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			log.Printf("csp: socks handshake: %v", err)
		}
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	if sess == nil {
		_ = conn.Close()
		return
	}

	st, err := sess.Open(target)
	if err != nil {
		log.Printf("csp: open stream to %s: %v", target, err)
		_ = conn.Close()
		return
	}

	if err := socks.ReplySuccess(conn); err != nil {
		_ = conn.Close()
		_ = st.Close()
		return
	}

	_ = relay.Pipe(conn, st)
}

// SetAutoStartDefenseOnNextSend arms the defense to start on the next carrier
// send.
func (p *Proxy) SetAutoStartDefenseOnNextSend() error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return errors.New("csp: no tunnel established")
	}
	return ch.SetAutoStartOnNextSend()
}

// StopDefense requests the end of the current defense session.
func (p *Proxy) StopDefense(rightNow bool) {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch != nil {
		ch.StopDefense(rightNow)
	}
}

// CloseAllStreams closes every browser-facing connection; the relays tear
// down the corresponding tunnel streams.
func (p *Proxy) CloseAllStreams() {
	p.mu.Lock()
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	log.Printf("csp: closing %d client streams", len(conns))
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops accepting, drops all clients and tears down the tunnel.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	lis, sess, ch := p.lis, p.sess, p.ch
	if ch != nil {
		p.base = p.base.Add(ch.Stats())
	}
	p.lis, p.sess, p.ch = nil, nil, nil
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	if lis != nil {
		_ = lis.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	if sess != nil {
		_ = sess.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
	return nil
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Proxy) track(conn net.Conn) {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *Proxy) untrack(conn net.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
}

func (p *Proxy) emit(ev proxy.Event) {
	select {
	case p.events <- ev:
	default:
	}
}
