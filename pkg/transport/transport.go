// Package transport defines the abstract duplex string-message channel
// the session core runs over (§6). Framing, TLS, reconnection at the
// socket level, and concrete bindings (WebSocket, in-memory pipes for
// tests) are collaborators; the core only depends on this interface.
package transport

import "errors"

// ErrClosed is returned by Recv once the transport has been closed and
// its backlog drained.
var ErrClosed = errors.New("transport: closed")

// Transport is a duplex channel carrying codec-encoded string messages.
// Recv blocks until the next message arrives, the transport closes
// (ErrClosed), or a transport-level error occurs. Implementations must
// make Send safe to call concurrently with Recv, and Close safe to call
// more than once.
type Transport interface {
	Send(msg string) error
	Recv() (string, error)
	Close() error
}
