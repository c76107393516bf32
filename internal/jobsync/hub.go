package jobsync

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Observer receives published snapshots. Snapshots are shared and must be
// treated as read-only. Observers run on the publishing goroutine and must
// not call back into the store's Apply methods or Subscribe.
type Observer func(*Snapshot)

// Hub fans store changes out to any number of observers.
type Hub struct {
	log     zerolog.Logger
	current func() *Snapshot

	mu   sync.Mutex
	subs map[uint64]*subscription
	next uint64

	// deliver serialises deliveries so every observer sees snapshots in
	// publication order.
	deliver sync.Mutex
}

type subscription struct {
	fn     Observer
	closed atomic.Bool
	last   uint64
	primed bool
}

func newHub(log zerolog.Logger, current func() *Snapshot) *Hub {
	return &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		current: current,
		subs:    make(map[uint64]*subscription),
	}
}

// Subscribe registers fn, delivers the current snapshot to it before
// returning, and then delivers every later snapshot. The returned function
// stops further deliveries; it is safe to call more than once and from
// inside the observer.
func (h *Hub) Subscribe(fn Observer) (unsubscribe func()) {
	sub := &subscription{fn: fn}

	h.deliver.Lock()
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()
	if snap := h.current(); snap != nil {
		h.call(sub, snap)
	}
	h.deliver.Unlock()

	return func() {
		if sub.closed.Swap(true) {
			return
		}
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Watch returns a channel carrying the latest snapshot. A slow reader only
// ever misses intermediate snapshots, never the most recent one. The channel
// is closed after ctx is done.
func (h *Hub) Watch(ctx context.Context) <-chan *Snapshot {
	ch := make(chan *Snapshot, 1)
	unsubscribe := h.Subscribe(func(s *Snapshot) {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		unsubscribe()
		h.deliver.Lock()
		close(ch)
		h.deliver.Unlock()
	}()
	return ch
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) publish(snap *Snapshot) {
	h.deliver.Lock()
	defer h.deliver.Unlock()

	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.call(s, snap)
	}
}

// call delivers snap unless the subscription is closed or has already seen
// this or a newer version. Observer panics are logged and swallowed.
func (h *Hub) call(s *subscription, snap *Snapshot) {
	if s.closed.Load() {
		return
	}
	if s.primed && snap.Version <= s.last {
		return
	}
	s.primed = true
	s.last = snap.Version
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Uint64("version", snap.Version).Msg("observer panicked")
		}
	}()
	s.fn(snap)
}
