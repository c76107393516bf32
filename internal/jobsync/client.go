package jobsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"iso-builder/internal/config"
	"iso-builder/internal/protocol"
	"iso-builder/internal/transport"
)

const (
	emitBacklog = 64
	outboxSize  = 64
)

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("sync client already running")

	// ErrClientStopped is returned by Emit once the event loop has exited.
	ErrClientStopped = errors.New("sync client stopped")

	// ErrEmitBacklog is returned by Emit when the loop is not keeping up.
	ErrEmitBacklog = errors.New("sync client emit backlog full")
)

// Handler receives inbound events by name, plus the locally raised
// connect, disconnect and connect_error events. Handlers run on the event
// loop and must not block.
type Handler func(protocol.Envelope)

// ClientOptions wires a Client. Store and the resync settings are optional.
type ClientOptions struct {
	Connector     *transport.Connector
	Store         *Store
	ResyncTimeout time.Duration
	ResyncRetries int
}

// Client keeps a Store in sync with the server. Every inbound frame, dial
// result, timer and outbound emit is handled by the single loop in Run, so
// store mutations are strictly sequential and in arrival order.
type Client struct {
	log       zerolog.Logger
	store     *Store
	validator *Validator
	connector *transport.Connector
	resync    *Resync

	hmu      sync.RWMutex
	handlers map[string][]Handler

	emits    chan protocol.Envelope
	retry    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool

	frames chan frame
	dialed chan dialResult

	// Owned by the loop.
	gen            uint64
	conn           transport.Conn
	out            chan protocol.Envelope
	cancelConn     context.CancelFunc
	reconnectTimer *time.Timer
	resyncTimer    *time.Timer
	stale          bool
	errMsg         string
}

type frame struct {
	gen uint64
	env protocol.Envelope
	err error
}

type dialResult struct {
	gen  uint64
	kind transport.Kind
	conn transport.Conn
	err  error
}

// NewClient returns a client that has not started connecting yet.
func NewClient(opts ClientOptions, log zerolog.Logger) *Client {
	store := opts.Store
	if store == nil {
		store = NewStore(log)
	}
	return &Client{
		log:       log.With().Str("component", "sync_client").Logger(),
		store:     store,
		validator: NewValidator(log),
		connector: opts.Connector,
		resync:    NewResync(opts.ResyncTimeout, opts.ResyncRetries),
		handlers:  make(map[string][]Handler),
		emits:     make(chan protocol.Envelope, emitBacklog),
		retry:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		frames:    make(chan frame),
		dialed:    make(chan dialResult),
	}
}

// NewClientFromConfig resolves the endpoint and reconnect policy from cfg
// and returns a client using the WebSocket and polling transports.
func NewClientFromConfig(cfg config.SyncConfig, log zerolog.Logger) (*Client, error) {
	ep, err := transport.ResolveEndpoint(cfg.Endpoint, cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("resolve sync endpoint: %w", err)
	}
	policy := transport.PolicyFromConfig(cfg)
	connector := transport.NewConnector(ep, policy, transport.DefaultDialers(policy, cfg.PollTimeout))
	return NewClient(ClientOptions{
		Connector:     connector,
		ResyncTimeout: cfg.ResyncTimeout,
		ResyncRetries: cfg.ResyncRetries,
	}, log), nil
}

// Store returns the store kept in sync by the client.
func (c *Client) Store() *Store { return c.store }

// Done is closed when Run has returned.
func (c *Client) Done() <-chan struct{} { return c.done }

// IsConnected reports whether a transport is currently established.
func (c *Client) IsConnected() bool {
	return c.store.Current().Connection.Connected
}

// On registers h for events named event.
func (c *Client) On(event string, h Handler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// Emit queues an outbound event. It never blocks. Events emitted while no
// transport is established are dropped; the resync after the next connect
// recovers any state they would have requested.
func (c *Client) Emit(event string, payload any) error {
	env, err := protocol.New(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientStopped
	default:
	}
	select {
	case c.emits <- env:
		return nil
	default:
		return ErrEmitBacklog
	}
}

// Disconnect stops the client: timers and retries are cancelled and the
// transport is closed. Run returns nil afterwards.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Reconnect asks the loop to dial now: it rearms a Failed client and skips
// the remaining backoff of a Reconnecting one. It is a no-op otherwise.
func (c *Client) Reconnect() {
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

// Run connects and processes events until ctx is done or Disconnect is
// called. It may be called once.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.dial(ctx)
	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return ctx.Err()
		case <-c.stop:
			c.teardown()
			return nil
		case <-c.retry:
			c.manualReconnect(ctx)
		case d := <-c.dialed:
			c.handleDial(ctx, d)
		case f := <-c.frames:
			c.handleFrame(f)
		case env := <-c.emits:
			c.send(env)
		case <-timerC(c.reconnectTimer):
			c.reconnectTimer = nil
			c.dial(ctx)
		case <-timerC(c.resyncTimer):
			c.resyncTimer = nil
			c.handleResyncTimeout()
		}
	}
}

func (c *Client) dial(ctx context.Context) {
	kind, err := c.connector.Attempt()
	if err != nil {
		c.log.Warn().Err(err).Msg("connect attempt skipped")
		return
	}
	c.gen++
	gen := c.gen
	c.publishConnection()
	c.log.Info().
		Str("transport", string(kind)).
		Int("failures", c.connector.Failures()).
		Msg("connecting")

	go func() {
		conn, err := c.connector.Dial(ctx, kind)
		select {
		case c.dialed <- dialResult{gen: gen, kind: kind, conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (c *Client) handleDial(ctx context.Context, d dialResult) {
	if d.gen != c.gen || c.connector.State() != transport.StateConnecting {
		if d.conn != nil {
			_ = d.conn.Close()
		}
		return
	}

	if d.err != nil {
		delay, exhausted := c.connector.Failed(d.err)
		attempt := c.connector.Failures()
		c.log.Warn().Err(d.err).
			Str("transport", string(d.kind)).
			Int("attempt", attempt).
			Msg("connect failed")
		c.dispatchLocal(protocol.EventConnectError, map[string]any{
			"message":   d.err.Error(),
			"transport": d.kind,
			"attempt":   attempt,
		})
		if exhausted {
			if c.connector.EverConnected() {
				c.errMsg = fmt.Sprintf("reconnect gave up after %d attempts: %v", attempt, d.err)
			} else {
				c.errMsg = fmt.Sprintf("initial connection failed after %d attempts: %v", attempt, d.err)
			}
			c.log.Error().Str("error", c.errMsg).Msg("connector failed")
		} else {
			c.errMsg = d.err.Error()
			c.armReconnect(delay)
		}
		c.publishConnection()
		return
	}

	if err := c.connector.Opened(d.kind); err != nil {
		c.log.Error().Err(err).Msg("discarding connection")
		_ = d.conn.Close()
		return
	}
	c.attach(ctx, d.conn)
	c.errMsg = ""
	c.log.Info().Str("transport", string(d.kind)).Msg("connected")
	c.dispatchLocal(protocol.EventConnect, map[string]any{"transport": d.kind})
	c.startResync()
}

func (c *Client) attach(ctx context.Context, conn transport.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	out := make(chan protocol.Envelope, outboxSize)
	c.conn = conn
	c.out = out
	c.cancelConn = cancel
	gen := c.gen
	go c.readLoop(connCtx, gen, conn)
	go c.writeLoop(connCtx, gen, conn, out)
}

func (c *Client) detach() {
	if c.conn == nil {
		return
	}
	c.cancelConn()
	_ = c.conn.Close()
	c.conn = nil
	c.out = nil
	c.cancelConn = nil
}

func (c *Client) readLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedEnvelope) {
				c.log.Warn().Err(err).Msg("skipping malformed frame")
				continue
			}
			c.forward(ctx, frame{gen: gen, err: err})
			return
		}
		if !c.forward(ctx, frame{gen: gen, env: env}) {
			return
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, gen uint64, conn transport.Conn, out <-chan protocol.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-out:
			if err := conn.Write(ctx, env); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.forward(ctx, frame{gen: gen, err: fmt.Errorf("emit %s: %w", env.Event, err)})
				return
			}
		}
	}
}

func (c *Client) forward(ctx context.Context, f frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) handleFrame(f frame) {
	if f.gen != c.gen || c.conn == nil {
		return
	}
	if f.err != nil {
		c.drop(f.err)
		return
	}
	c.handleEnvelope(f.env)
}

func (c *Client) drop(err error) {
	reason := protocol.ReasonTransport
	if errors.Is(err, transport.ErrServerClosed) {
		reason = protocol.ReasonServer
	}
	c.detach()
	c.resync.Reset()
	stopTimer(&c.resyncTimer)

	delay := c.connector.Dropped(err)
	c.stale = true
	c.errMsg = err.Error()
	c.log.Warn().Err(err).
		Str("reason", reason).
		Dur("reconnect_in", delay).
		Msg("disconnected")
	c.dispatchLocal(protocol.EventDisconnect, map[string]any{"reason": reason})
	c.armReconnect(delay)
	c.publishConnection()
}

func (c *Client) handleEnvelope(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventQueueUpdate, protocol.EventHistoryUpdate,
		protocol.EventJobUpdate, protocol.EventActiveJobUpdate:
		v, err := c.validator.Validate(env.Event, env.Data)
		if err != nil && !v.Fallback {
			break
		}
		c.store.Apply(v)
		if v.Kind != KindJobUpdate && c.resync.Ack(v.Kind) {
			stopTimer(&c.resyncTimer)
			c.stale = false
			c.errMsg = ""
			c.log.Info().Int("attempts", c.resync.Attempts()).Msg("resync complete")
			c.resync.Reset()
			c.publishConnection()
		}
	}
	c.dispatch(env)
}

func (c *Client) startResync() {
	c.stale = true
	c.publishConnection()
	c.sendAll(c.resync.Start())
	c.armResync()
}

func (c *Client) handleResyncTimeout() {
	retry, gaveUp := c.resync.Expired()
	if gaveUp {
		c.errMsg = fmt.Sprintf("resync timed out after %d attempts", c.resync.Retries+1)
		c.log.Warn().Str("error", c.errMsg).Msg("serving stale state")
		c.publishConnection()
		return
	}
	if len(retry) == 0 {
		return
	}
	c.log.Debug().Strs("requests", retry).Int("attempt", c.resync.Attempts()).Msg("re-issuing resync requests")
	c.sendAll(retry)
	c.armResync()
}

func (c *Client) sendAll(events []string) {
	for _, event := range events {
		env, err := protocol.New(event, nil)
		if err != nil {
			continue
		}
		c.send(env)
	}
}

func (c *Client) send(env protocol.Envelope) {
	if c.out == nil {
		c.log.Debug().Str("event", env.Event).Msg("not connected, dropping emit")
		return
	}
	select {
	case c.out <- env:
	default:
		c.log.Warn().Str("event", env.Event).Msg("outbox full, dropping emit")
	}
}

func (c *Client) manualReconnect(ctx context.Context) {
	switch c.connector.State() {
	case transport.StateFailed:
		if err := c.connector.Retry(); err != nil {
			c.log.Warn().Err(err).Msg("manual reconnect rejected")
			return
		}
		c.dial(ctx)
	case transport.StateReconnecting:
		stopTimer(&c.reconnectTimer)
		c.dial(ctx)
	}
}

func (c *Client) teardown() {
	stopTimer(&c.reconnectTimer)
	stopTimer(&c.resyncTimer)
	c.resync.Reset()
	if closer, ok := c.conn.(interface{ CloseWithReason(string) error }); ok {
		_ = closer.CloseWithReason(protocol.ReasonClient)
	}
	wasConnected := c.conn != nil
	c.detach()
	c.connector.Close()
	c.publishConnection()
	if wasConnected {
		c.dispatchLocal(protocol.EventDisconnect, map[string]any{"reason": protocol.ReasonClient})
	}
	c.log.Info().Msg("sync client stopped")
}

func (c *Client) publishConnection() {
	state := c.connector.State()
	conn := Connection{
		State:     state.String(),
		Connected: state.IsConnected(),
		Error:     c.errMsg,
		Stale:     c.stale,
	}
	if state.IsConnected() || state == transport.StateConnecting {
		conn.Transport = string(c.connector.Kind())
	}
	c.store.SetConnection(func(Connection) Connection { return conn })
}

func (c *Client) armReconnect(delay time.Duration) {
	stopTimer(&c.reconnectTimer)
	c.reconnectTimer = time.NewTimer(delay)
}

func (c *Client) armResync() {
	stopTimer(&c.resyncTimer)
	c.resyncTimer = time.NewTimer(c.resync.Timeout)
}

func (c *Client) dispatchLocal(event string, payload any) {
	env, err := protocol.New(event, payload)
	if err != nil {
		return
	}
	c.dispatch(env)
}

func (c *Client) dispatch(env protocol.Envelope) {
	c.hmu.RLock()
	hs := append([]Handler(nil), c.handlers[env.Event]...)
	c.hmu.RUnlock()
	for _, h := range hs {
		c.call(h, env)
	}
}

func (c *Client) call(h Handler, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("event", env.Event).Msg("event handler panicked")
		}
	}()
	h(env)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
