package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"iso-builder/internal/protocol"
)

const (
	// PingInterval is how often the server pings WebSocket peers.
	PingInterval = 25 * time.Second
	// PongWait bounds the silence tolerated on a WebSocket before it is
	// considered dead.
	PongWait = 60 * time.Second

	writeWait = 10 * time.Second
)

// WebSocketDialer dials the preferred persistent transport.
type WebSocketDialer struct {
	Header http.Header
	dialer websocket.Dialer
}

// NewWebSocketDialer returns a dialer whose handshake is bounded by timeout.
func NewWebSocketDialer(timeout time.Duration) *WebSocketDialer {
	return &WebSocketDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
	}
}

// Dial opens a WebSocket to ep.WebSocket.
func (d *WebSocketDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	c, resp, err := d.dialer.DialContext(ctx, ep.WebSocket.String(), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket %s: status %d: %w", ep.WebSocket, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial websocket %s: %w", ep.WebSocket, err)
	}
	return NewWebSocketConn(c), nil
}

// WebSocketConn wraps a gorilla connection as a Conn. It is used on both
// the client and the server side.
type WebSocketConn struct {
	c   *websocket.Conn
	wmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketConn wraps c and installs the keepalive read deadline.
func NewWebSocketConn(c *websocket.Conn) *WebSocketConn {
	w := &WebSocketConn{c: c, closed: make(chan struct{})}
	_ = c.SetReadDeadline(time.Now().Add(PongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(PongWait))
	})
	c.SetPingHandler(func(data string) error {
		_ = c.SetReadDeadline(time.Now().Add(PongWait))
		w.wmu.Lock()
		defer w.wmu.Unlock()
		err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return w
}

// Kind returns KindWebSocket.
func (w *WebSocketConn) Kind() Kind { return KindWebSocket }

// Read blocks until the next text frame. Binary frames are skipped.
func (w *WebSocketConn) Read(ctx context.Context) (protocol.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return protocol.Envelope{}, err
		}
		kind, frame, err := w.c.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, w.classify(err)
		}
		_ = w.c.SetReadDeadline(time.Now().Add(PongWait))
		if kind != websocket.TextMessage {
			continue
		}
		return protocol.Decode(frame)
	}
}

// Write sends one envelope as a text frame.
func (w *WebSocketConn) Write(ctx context.Context, env protocol.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}
	_ = w.c.SetWriteDeadline(deadline)
	if err := w.c.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

// Ping writes a ping control frame.
func (w *WebSocketConn) Ping() error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// CloseWithReason sends a close frame carrying reason and closes the socket.
// Peers report ErrServerClosed when reason is protocol.ReasonServer.
func (w *WebSocketConn) CloseWithReason(reason string) error {
	w.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	w.wmu.Unlock()
	return w.Close()
}

// Close closes the underlying socket. Safe to call more than once.
func (w *WebSocketConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.c.Close()
	})
	return err
}

func (w *WebSocketConn) classify(err error) error {
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Text == protocol.ReasonServer {
		return fmt.Errorf("%w: %s", ErrServerClosed, ce.Error())
	}
	if websocket.IsCloseError(err, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %v", ErrServerClosed, err)
	}
	return fmt.Errorf("read websocket: %w", err)
}
