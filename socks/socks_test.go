package socks_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mickamy/celltun/socks"
)

type result struct {
	target string
	err    error
}

// startHandshake runs the server side of the handshake against an in-memory
// pipe and returns the browser end.
func startHandshake(t *testing.T) (net.Conn, <-chan result) {
	t.Helper()
	browser, server := net.Pipe()
	ch := make(chan result, 1)
	go func() {
		target, err := socks.Handshake(server)
		ch <- result{target, err}
	}()
	t.Cleanup(func() {
		_ = browser.Close()
		_ = server.Close()
	})
	return browser, ch
}

func write(t *testing.T, conn net.Conn, b []byte) {
	t.Helper()
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handshake")
		return result{}
	}
}

// TestIPv4Connect drives the literal byte sequences of the handshake:
// greeting 05 01 00 -> 05 00, then an IPv4 CONNECT to 127.0.0.1:80.
func TestIPv4Connect(t *testing.T) {
	t.Parallel()
	browser, ch := startHandshake(t)

	write(t, browser, []byte{0x05, 0x01, 0x00})
	if got := read(t, browser, 2); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("greeting reply: got % 02x, want 05 00", got)
	}

	write(t, browser, []byte{0x05, 0x01, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50})

	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("handshake: %v", r.err)
	}
	if r.target != "127.0.0.1:80" {
		t.Errorf("target: got %q, want 127.0.0.1:80", r.target)
	}
}

func TestDomainConnect(t *testing.T) {
	t.Parallel()
	browser, ch := startHandshake(t)

	write(t, browser, []byte{0x05, 0x02, 0x00, 0x01}) // offers no-auth among others
	if got := read(t, browser, 2); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("greeting reply: got % 02x, want 05 00", got)
	}

	name := "example.invalid"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(name))}
	req = append(req, name...)
	req = append(req, 0x01, 0xBB) // port 443
	write(t, browser, req)

	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("handshake: %v", r.err)
	}
	if r.target != "example.invalid:443" {
		t.Errorf("target: got %q, want example.invalid:443", r.target)
	}
}

// TestSuccessReplyBytes pins the exact 10-byte success reply.
func TestSuccessReplyBytes(t *testing.T) {
	t.Parallel()
	browser, server := net.Pipe()
	defer func() { _ = browser.Close() }()

	go func() { _ = socks.ReplySuccess(server) }()

	want := []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if got := read(t, browser, 10); !bytes.Equal(got, want) {
		t.Errorf("success reply: got % 02x, want % 02x", got, want)
	}
}

func TestRejectsWrongVersion(t *testing.T) {
	t.Parallel()
	browser, ch := startHandshake(t)

	// The handshake rejects after the 2-byte greeting header and never reads
	// the rest, so the write must not block the test.
	go func() { _, _ = browser.Write([]byte{0x04, 0x01, 0x00}) }()
	r := waitResult(t, ch)
	if !errors.Is(r.err, socks.ErrVersion) {
		t.Errorf("got %v, want ErrVersion", r.err)
	}
}

func TestRejectsAuthOnly(t *testing.T) {
	t.Parallel()
	browser, ch := startHandshake(t)

	// Only username/password auth on offer.
	write(t, browser, []byte{0x05, 0x01, 0x02})
	r := waitResult(t, ch)
	if !errors.Is(r.err, socks.ErrNoAcceptableAuth) {
		t.Errorf("got %v, want ErrNoAcceptableAuth", r.err)
	}
}

func TestRejectsBind(t *testing.T) {
	t.Parallel()
	browser, ch := startHandshake(t)

	write(t, browser, []byte{0x05, 0x01, 0x00})
	read(t, browser, 2)
	// The handshake rejects after the 4-byte request header and never reads
	// the address, so the write must not block the test.
	go func() {
		_, _ = browser.Write([]byte{0x05, 0x02, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50})
	}()

	r := waitResult(t, ch)
	if !errors.Is(r.err, socks.ErrCommand) {
		t.Errorf("got %v, want ErrCommand", r.err)
	}
}

func TestRejectsIPv6(t *testing.T) {
	t.Parallel()
	browser, ch := startHandshake(t)

	write(t, browser, []byte{0x05, 0x01, 0x00})
	read(t, browser, 2)
	write(t, browser, []byte{0x05, 0x01, 0x00, 0x04})

	r := waitResult(t, ch)
	if !errors.Is(r.err, socks.ErrAddrType) {
		t.Errorf("got %v, want ErrAddrType", r.err)
	}
}
