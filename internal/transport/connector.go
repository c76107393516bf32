package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when a signal does not apply to the
// current connector state.
var ErrIllegalTransition = errors.New("illegal connector transition")

// Connector tracks attempts, failures and transport selection for one
// logical connection. It is not safe for concurrent use: it is owned by a
// single event loop, which runs Dial on a separate goroutine and reports the
// outcome back through Opened or Failed.
type Connector struct {
	ep      Endpoint
	policy  Policy
	dialers map[Kind]Dialer

	state    State
	kind     Kind
	failures int
	// downgraded is sticky: once polling is forced it stays forced.
	downgraded bool
	everOpened bool
	lastErr    error
}

// NewConnector returns an idle connector. dialers must provide both kinds.
func NewConnector(ep Endpoint, policy Policy, dialers map[Kind]Dialer) *Connector {
	return &Connector{
		ep:      ep,
		policy:  policy.withDefaults(),
		dialers: dialers,
		state:   StateIdle,
		kind:    KindWebSocket,
	}
}

// DefaultDialers returns the WebSocket and polling dialers for policy.
func DefaultDialers(policy Policy, pollWait time.Duration) map[Kind]Dialer {
	policy = policy.withDefaults()
	return map[Kind]Dialer{
		KindWebSocket: NewWebSocketDialer(policy.ConnectTimeout),
		KindPolling:   NewPollingDialer(nil, pollWait),
	}
}

func (c *Connector) State() State { return c.state }
func (c *Connector) Kind() Kind { return c.kind }
func (c *Connector) Failures() int { return c.failures }
func (c *Connector) Endpoint() Endpoint { return c.ep }
func (c *Connector) Policy() Policy { return c.policy }
func (c *Connector) LastError() error { return c.lastErr }
func (c *Connector) Downgraded() bool { return c.downgraded }
func (c *Connector) EverConnected() bool { return c.everOpened }

// Attempt moves the connector to Connecting and returns the transport the
// attempt must use.
func (c *Connector) Attempt() (Kind, error) {
	if err := c.signal(SignalDial); err != nil {
		return "", err
	}
	if c.downgraded || c.policy.KindFor(c.failures) == KindPolling {
		c.downgraded = true
		c.kind = KindPolling
	} else {
		c.kind = KindWebSocket
	}
	return c.kind, nil
}

// Dial opens a connection of the given kind, bounded by the connect timeout.
// It touches no mutable connector state and may run on any goroutine.
func (c *Connector) Dial(ctx context.Context, kind Kind) (Conn, error) {
	d, ok := c.dialers[kind]
	if !ok || d == nil {
		return nil, fmt.Errorf("no dialer for transport %s", kind)
	}
	ctx, cancel := context.WithTimeout(ctx, c.policy.ConnectTimeout)
	defer cancel()
	conn, err := d.Dial(ctx, c.ep)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("connect %s: timed out after %s: %w", kind, c.policy.ConnectTimeout, err)
		}
		return nil, err
	}
	return conn, nil
}

// Opened records a successful attempt.
func (c *Connector) Opened(kind Kind) error {
	sig := SignalOpen
	if kind == KindPolling {
		sig = SignalOpenDegraded
	}
	if err := c.signal(sig); err != nil {
		return err
	}
	c.kind = kind
	c.failures = 0
	c.everOpened = true
	c.lastErr = nil
	return nil
}

// Failed records a failed attempt. It returns the delay before the next
// attempt, or exhausted=true when the attempt ceiling was reached and the
// connector is now Failed.
func (c *Connector) Failed(err error) (delay time.Duration, exhausted bool) {
	c.failures++
	c.lastErr = err
	if c.policy.Exhausted(c.failures) {
		_ = c.signal(SignalExhaust)
		return 0, true
	}
	_ = c.signal(SignalFail)
	return c.wait(c.failures), false
}

// Dropped records the loss of an established connection and returns the
// delay before redialling. A server-initiated close is redialled at once.
func (c *Connector) Dropped(err error) time.Duration {
	c.lastErr = err
	_ = c.signal(SignalDrop)
	if errors.Is(err, ErrServerClosed) {
		return 0
	}
	return c.wait(1)
}

// Retry rearms a Failed connector for a manual reconnect.
func (c *Connector) Retry() error {
	if c.state != StateFailed {
		return fmt.Errorf("%w: retry from %s", ErrIllegalTransition, c.state)
	}
	c.failures = 0
	return nil
}

// Close moves the connector to Closed. Closing twice is a no-op.
func (c *Connector) Close() {
	if c.state == StateClosed {
		return
	}
	_ = c.signal(SignalClose)
}

func (c *Connector) wait(attempt int) time.Duration {
	d := c.policy.Delay(attempt)
	if c.policy.Jitter {
		d = withJitter(d)
	}
	return d
}

func (c *Connector) signal(sig Signal) error {
	next, ok := Next(c.state, sig)
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrIllegalTransition, sig, c.state)
	}
	c.state = next
	return nil
}
