// Package syncserver is the server side of the real-time sync protocol. It
// keeps a set of connected peers (WebSocket or long-poll sessions), answers
// snapshot requests and relays job changes published by the worker.
package syncserver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iso-builder/internal/models"
	"iso-builder/internal/protocol"
	"iso-builder/internal/telemetry"
	"iso-builder/internal/transport"
)

// Source provides the authoritative collections pushed to peers.
type Source interface {
	Queue(ctx context.Context) ([]models.Job, error)
	Active(ctx context.Context) (*models.Job, error)
	History(ctx context.Context) ([]models.Job, error)
}

// Options tunes peer buffering and polling sessions.
type Options struct {
	// IdleTTL expires polling sessions that stop polling.
	IdleTTL time.Duration
	// MaxPollWait caps how long a poll request is held open.
	MaxPollWait time.Duration
	// SendBuffer is the per-peer outbound queue length. A peer whose queue
	// fills up is disconnected.
	SendBuffer int
}

func (o Options) withDefaults() Options {
	if o.IdleTTL <= 0 {
		o.IdleTTL = 60 * time.Second
	}
	if o.MaxPollWait <= 0 {
		o.MaxPollWait = 25 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

type peer struct {
	id       string
	kind     transport.Kind
	send     chan protocol.Envelope
	done     chan struct{}
	once     sync.Once
	reason   atomic.Value
	lastSeen atomic.Int64
}

func (p *peer) enqueue(env protocol.Envelope) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- env:
		return true
	default:
		return false
	}
}

func (p *peer) close(reason string) {
	p.once.Do(func() {
		p.reason.Store(reason)
		close(p.done)
	})
}

func (p *peer) closeReason() string {
	if r, ok := p.reason.Load().(string); ok {
		return r
	}
	return ""
}

func (p *peer) touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

func (p *peer) idleSince() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

// Hub tracks connected peers.
type Hub struct {
	src  Source
	opts Options
	log  zerolog.Logger

	mu    sync.RWMutex
	peers map[string]*peer
}

// NewHub returns a hub serving collections from src.
func NewHub(src Source, opts Options, log zerolog.Logger) *Hub {
	return &Hub{
		src:   src,
		opts:  opts.withDefaults(),
		log:   log.With().Str("component", "syncserver").Logger(),
		peers: make(map[string]*peer),
	}
}

// Peers returns the number of connected peers.
func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Run relays job changes from events and expires idle polling sessions
// until ctx is done or events is closed. Remaining peers are then told the
// server ended the session.
func (h *Hub) Run(ctx context.Context, events <-chan models.Job) error {
	reap := time.NewTicker(h.opts.IdleTTL / 2)
	defer reap.Stop()
	defer h.closeAll(protocol.ReasonServer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-events:
			if !ok {
				return nil
			}
			h.Relay(ctx, job)
		case <-reap.C:
			h.reapIdle(time.Now())
		}
	}
}

// Relay sends a job change to every peer. Terminal and newly queued jobs
// change the collections, so fresh queue and history snapshots follow.
func (h *Hub) Relay(ctx context.Context, job models.Job) {
	env, err := protocol.New(protocol.EventJobUpdate, job)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", job.ID).Msg("encode job update")
		return
	}
	h.broadcast(env)
	if job.Status == models.StatusQueued || job.IsTerminal() {
		if env, ok := h.snapshot(ctx, protocol.EventQueueUpdate); ok {
			h.broadcast(env)
		}
		if env, ok := h.snapshot(ctx, protocol.EventHistoryUpdate); ok {
			h.broadcast(env)
		}
	}
}

func (h *Hub) broadcast(env protocol.Envelope) {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		h.deliver(p, env)
	}
}

func (h *Hub) deliver(p *peer, env protocol.Envelope) {
	if p.enqueue(env) {
		telemetry.SyncEvents.WithLabelValues(env.Event).Inc()
		return
	}
	select {
	case <-p.done:
	default:
		h.log.Warn().Str("peer", p.id).Str("event", env.Event).Msg("peer send buffer full, disconnecting")
		h.disconnect(p, protocol.ReasonServer)
	}
}

// connect registers a peer and queues the initial queue and history
// snapshots for it.
func (h *Hub) connect(ctx context.Context, kind transport.Kind) *peer {
	p := &peer{
		id:   uuid.New().String(),
		kind: kind,
		send: make(chan protocol.Envelope, h.opts.SendBuffer),
		done: make(chan struct{}),
	}
	p.touch()

	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()
	telemetry.SyncPeers.WithLabelValues(string(kind)).Inc()
	h.log.Info().Str("peer", p.id).Str("transport", string(kind)).Msg("peer connected")

	for _, event := range []string{protocol.EventQueueUpdate, protocol.EventHistoryUpdate} {
		if env, ok := h.snapshot(ctx, event); ok {
			h.deliver(p, env)
		}
	}
	return p
}

func (h *Hub) disconnect(p *peer, reason string) {
	h.mu.Lock()
	_, ok := h.peers[p.id]
	delete(h.peers, p.id)
	h.mu.Unlock()
	p.close(reason)
	if ok {
		telemetry.SyncPeers.WithLabelValues(string(p.kind)).Dec()
		h.log.Info().Str("peer", p.id).Str("reason", reason).Msg("peer disconnected")
	}
}

func (h *Hub) lookup(id string) (*peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[id]
	return p, ok
}

func (h *Hub) closeAll(reason string) {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()
	for _, p := range peers {
		h.disconnect(p, reason)
	}
}

func (h *Hub) reapIdle(now time.Time) {
	h.mu.RLock()
	var idle []*peer
	for _, p := range h.peers {
		if p.kind == transport.KindPolling && now.Sub(p.idleSince()) > h.opts.IdleTTL {
			idle = append(idle, p)
		}
	}
	h.mu.RUnlock()
	for _, p := range idle {
		h.disconnect(p, "idle")
	}
}

// dispatch handles one inbound envelope from p. Snapshot requests are
// answered to p only; anything else is ignored.
func (h *Hub) dispatch(ctx context.Context, p *peer, env protocol.Envelope) {
	var response string
	switch env.Event {
	case protocol.EventGetQueue:
		response = protocol.EventQueueUpdate
	case protocol.EventGetHistory:
		response = protocol.EventHistoryUpdate
	case protocol.EventGetActiveJob:
		response = protocol.EventActiveJobUpdate
	default:
		h.log.Debug().Str("peer", p.id).Str("event", env.Event).Msg("ignoring unknown request")
		return
	}
	if out, ok := h.snapshot(ctx, response); ok {
		h.deliver(p, out)
	}
}

// snapshot loads one collection from the source as an envelope.
func (h *Hub) snapshot(ctx context.Context, event string) (protocol.Envelope, bool) {
	var (
		payload any
		err     error
	)
	switch event {
	case protocol.EventQueueUpdate:
		var jobs []models.Job
		jobs, err = h.src.Queue(ctx)
		payload = nonNil(jobs)
	case protocol.EventHistoryUpdate:
		var jobs []models.Job
		jobs, err = h.src.History(ctx)
		payload = nonNil(jobs)
	case protocol.EventActiveJobUpdate:
		payload, err = h.src.Active(ctx)
	}
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("load snapshot")
		return protocol.Envelope{}, false
	}
	env, err := protocol.New(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode snapshot")
		return protocol.Envelope{}, false
	}
	return env, true
}

func nonNil(jobs []models.Job) []models.Job {
	if jobs == nil {
		return []models.Job{}
	}
	return jobs
}
