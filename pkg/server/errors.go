package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for common server conditions.
var (
	// ErrNoListeners is returned when the configuration declares no listen address.
	ErrNoListeners = errors.New("server: no listeners")

	// ErrServerClosed is returned by Serve once the server has shut down.
	ErrServerClosed = errors.New("server: closed")

	// ErrAlreadyServing is returned when Serve is called twice.
	ErrAlreadyServing = errors.New("server: already serving")

	// ErrPeerClosed is returned when the client closes its side before a
	// request is complete.
	ErrPeerClosed = errors.New("server: peer closed connection")

	// ErrIPv6Unsupported is returned for listen addresses outside IPv4.
	ErrIPv6Unsupported = errors.New("server: only IPv4 listen addresses are supported")
)

// FatalError is a startup or infrastructure failure: socket setup, bind,
// listen or the readiness primitive. The process is expected to exit.
type FatalError struct {
	Op   string // Operation that failed
	Addr string // Listen address, if any
	Err  error  // Underlying error
}

// Error returns the error message with operation context.
func (e *FatalError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: %s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// ConnError wraps a per-connection I/O failure. It closes only the
// affected connection.
type ConnError struct {
	Fd   int
	Peer string
	Op   string
	Err  error
}

// Error returns the error message with connection context.
func (e *ConnError) Error() string {
	return fmt.Sprintf("server: conn %d (%s): %s: %v", e.Fd, e.Peer, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConnError) Unwrap() error {
	return e.Err
}
