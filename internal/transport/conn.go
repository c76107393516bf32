// Package transport provides the bidirectional event channel between a sync
// client and the server: a WebSocket transport, a long-polling fallback and
// the reconnect/downgrade policy that chooses between them.
package transport

import (
	"context"
	"errors"

	"iso-builder/internal/protocol"
)

// Kind identifies a transport implementation.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindPolling   Kind = "polling"
)

var (
	// ErrServerClosed is returned by Read when the server ended the session.
	ErrServerClosed = errors.New("connection closed by server")

	// ErrClosed is returned after Close has been called locally.
	ErrClosed = errors.New("connection closed")
)

// Conn is an established event channel.
// Read and Write may be called from different goroutines; Close unblocks a
// pending Read.
type Conn interface {
	Kind() Kind
	Read(ctx context.Context) (protocol.Envelope, error)
	Write(ctx context.Context, env protocol.Envelope) error
	Close() error
}

// Dialer opens a Conn to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	return f(ctx, ep)
}
