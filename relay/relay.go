// Package relay couples an outer TCP connection with a tunnel stream once
// both sides of a proxied connection are ready.
package relay

import (
	"errors"
	"io"
	"net"
	"strings"
)

// Pipe moves bytes in both directions between outer and inner until either
// side closes or fails, then closes both. Half-open connections are not
// supported: EOF on one side tears down the pair. Returns the error that
// ended the relay, or nil for a clean close.
func Pipe(outer, inner io.ReadWriteCloser) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(inner, outer)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(outer, inner)
		errCh <- err
	}()

	// Wait for the first direction to finish (close or error), close both
	// sides to unblock the other goroutine, then wait for it.
	err := <-errCh
	_ = outer.Close()
	_ = inner.Close()
	<-errCh

	if isClosedErr(err) {
		return nil
	}
	return err
}

func isClosedErr(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return strings.Contains(netErr.Err.Error(), "closed")
	}
	return strings.Contains(err.Error(), "closed")
}
