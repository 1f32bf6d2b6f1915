// Package transport implements the byte-level D-Bus socket
// transports: Unix domain sockets (with ancillary Unix file
// descriptor passing), plain TCP, and nonce-authenticated TCP.
//
// A Conn knows nothing about the message wire format; it exposes
// peeking and consuming reads plus FD-aware writes, leaving message
// framing and parsing to the caller.
package transport

import (
	"errors"
	"fmt"
	"io"
)

// ErrAuthentication tags handshake failures, so callers can tell a
// rejected or broken SASL exchange apart from an ordinary socket
// error on the same dial.
var ErrAuthentication = errors.New("authentication failed")

// Conn is a connected, authenticated transport socket.
type Conn interface {
	// Peek returns the next n bytes without consuming them. A
	// subsequent Peek or Recv observes the same bytes again until
	// they are consumed by Recv.
	Peek(n int) ([]byte, error)
	// Recv reads exactly len(buf) bytes into buf, consuming them. Any
	// Unix file descriptors that arrive as ancillary data during the
	// underlying reads are queued for retrieval with PopFDs.
	Recv(buf []byte) error
	// PopFDs returns the next n file descriptors queued by preceding
	// Recv calls, in the order they arrived.
	PopFDs(n int) ([]int, error)
	// Send writes bs in full. If fds is non-empty and SupportsFDs is
	// true, fds are passed as SCM_RIGHTS ancillary data alongside bs.
	Send(bs []byte, fds []int) error
	// SupportsFDs reports whether this transport can carry Unix file
	// descriptors (true only for Unix domain sockets).
	SupportsFDs() bool
	io.Closer
}

// DialResult is a connected Conn together with what the SASL-style
// handshake negotiated: the server's GUID and whether it agreed to
// Unix file descriptor passing.
type DialResult struct {
	Conn           Conn
	GUID           string
	UnixFDsEnabled bool
}

// Dial connects and authenticates to the transport named by name
// (one of "unix", "tcp", "nonce-tcp"), using params as the address
// entry's parsed parameters.
func Dial(name string, params map[string]string) (DialResult, error) {
	switch name {
	case "unix":
		return dialUnix(params)
	case "tcp":
		return dialTCP(params)
	case "nonce-tcp":
		return dialNonceTCP(params)
	default:
		return DialResult{}, fmt.Errorf("no transport named %q", name)
	}
}
