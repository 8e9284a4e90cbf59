// ABOUTME: Message-oriented transport abstraction used by the gateway client.
// ABOUTME: A Dialer opens Conns; a Conn sends and receives whole frames.

package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by Send and Receive after the connection is closed.
var ErrClosed = errors.New("transport closed")

// Conn is a single message-oriented connection. Send may be called
// concurrently with Receive, but not with itself.
type Conn interface {
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until a frame arrives. Any error means the connection is
	// no longer usable.
	Receive(ctx context.Context) ([]byte, error)

	Close() error
}

// Dialer opens connections to the gateway.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Error is a transport-level fault: refused, closed, or broken connection.
type Error struct {
	Op  string // "dial", "send", "receive"
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }
