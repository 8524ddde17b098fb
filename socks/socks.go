// Package socks implements the browser-facing side of the SOCKS5 handshake
// on the client-side proxy: no authentication, CONNECT only, IPv4 and
// domain-name address forms.
package socks

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

const (
	version      = 0x05
	methodNoAuth = 0x00

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

var (
	// ErrVersion means the peer did not speak SOCKS5.
	ErrVersion = errors.New("socks: unsupported version")
	// ErrNoAcceptableAuth means the client did not offer the
	// no-authentication method, the only one supported.
	ErrNoAcceptableAuth = errors.New("socks: no acceptable authentication method")
	// ErrCommand covers anything but CONNECT (BIND and UDP ASSOCIATE are
	// unsupported).
	ErrCommand = errors.New("socks: unsupported command")
	// ErrAddrType covers anything but IPv4 and domain-name targets.
	ErrAddrType = errors.New("socks: unsupported address type")
)

// successReply is the literal reply sent once the tunnel stream is
// established. Address and port are zero, which is what ssh's SOCKS5 proxy
// answers when they are not meaningful.
var successReply = []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// Handshake runs the greeting and CONNECT request with the browser on conn
// and returns the requested target as "host:port". The success reply is NOT
// sent here: the caller sends it with ReplySuccess once the stream to the
// server-side proxy is actually granted. On any error the connection is
// simply to be closed; no partial progress is surfaced as success.
func Handshake(conn net.Conn) (string, error) {
	if err := greeting(conn); err != nil {
		return "", err
	}
	return connectRequest(conn)
}

func greeting(conn net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return fmt.Errorf("socks: read greeting: %w", err)
	}
	if hdr[0] != version {
		return fmt.Errorf("%w: %#02x", ErrVersion, hdr[0])
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("socks: read auth methods: %w", err)
	}
	ok := false
	for _, m := range methods {
		if m == methodNoAuth {
			ok = true
			break
		}
	}
	if !ok {
		return ErrNoAcceptableAuth
	}
	if _, err := conn.Write([]byte{version, methodNoAuth}); err != nil {
		return fmt.Errorf("socks: write greeting reply: %w", err)
	}
	return nil
}

func connectRequest(conn net.Conn) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", fmt.Errorf("socks: read connect request: %w", err)
	}
	if hdr[0] != version {
		return "", fmt.Errorf("%w: %#02x", ErrVersion, hdr[0])
	}
	if hdr[1] != cmdConnect {
		return "", fmt.Errorf("%w: %#02x", ErrCommand, hdr[1])
	}

	switch hdr[3] {
	case atypIPv4:
		// Fixed form: 4 address bytes and 2 port bytes, 10 bytes in total.
		var rest [6]byte
		if _, err := io.ReadFull(conn, rest[:]); err != nil {
			return "", fmt.Errorf("socks: read target address: %w", err)
		}
		ip := net.IPv4(rest[0], rest[1], rest[2], rest[3])
		port := int(rest[4])<<8 | int(rest[5])
		return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil

	case atypDomain:
		var lenb [1]byte
		if _, err := io.ReadFull(conn, lenb[:]); err != nil {
			return "", fmt.Errorf("socks: read hostname length: %w", err)
		}
		rest := make([]byte, int(lenb[0])+2)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return "", fmt.Errorf("socks: read hostname: %w", err)
		}
		name := string(rest[:len(rest)-2])
		port := int(rest[len(rest)-2])<<8 | int(rest[len(rest)-1])
		return net.JoinHostPort(name, strconv.Itoa(port)), nil

	case atypIPv6:
		return "", fmt.Errorf("%w: IPv6", ErrAddrType)
	}
	return "", fmt.Errorf("%w: %#02x", ErrAddrType, hdr[3])
}

// ReplySuccess writes the 10-byte CONNECT success reply.
func ReplySuccess(conn net.Conn) error {
	if _, err := conn.Write(successReply); err != nil {
		return fmt.Errorf("socks: write success reply: %w", err)
	}
	return nil
}
