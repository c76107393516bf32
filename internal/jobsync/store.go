package jobsync

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"iso-builder/internal/models"
)

// Connection describes the observable link state carried by every snapshot.
type Connection struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Transport string `json:"transport,omitempty"`
	Error     string `json:"error,omitempty"`
	// Stale is set while a resync is outstanding after a (re)connect, and
	// stays set if the resync never completes.
	Stale bool `json:"stale"`
}

// Snapshot is an immutable, fully-applied view of the store.
type Snapshot struct {
	Version uint64
	State
	Connection Connection
}

// Store is the client-side owner of {activeJob, queue, history}.
// All mutations go through its Apply methods; readers use Current or the hub.
type Store struct {
	log zerolog.Logger
	hub *Hub

	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

// NewStore returns an empty, disconnected store.
func NewStore(log zerolog.Logger) *Store {
	s := &Store{log: log.With().Str("component", "store").Logger()}
	s.cur.Store(&Snapshot{State: EmptyState(), Connection: Connection{State: "idle"}})
	s.hub = newHub(log, s.Current)
	return s
}

// Current returns the latest snapshot. Safe for concurrent use.
func (s *Store) Current() *Snapshot {
	return s.cur.Load()
}

// Hub exposes the subscription hub fed by this store.
func (s *Store) Hub() *Hub {
	return s.hub
}

// Subscribe is shorthand for s.Hub().Subscribe.
func (s *Store) Subscribe(fn Observer) (unsubscribe func()) {
	return s.hub.Subscribe(fn)
}

// ApplyQueueSnapshot replaces the queue wholesale.
func (s *Store) ApplyQueueSnapshot(jobs []models.Job) {
	s.commit(func(st State, c Connection) (State, Connection) {
		return ApplyQueueSnapshot(st, jobs), c
	})
}

// ApplyHistorySnapshot replaces the history wholesale.
func (s *Store) ApplyHistorySnapshot(jobs []models.Job) {
	s.commit(func(st State, c Connection) (State, Connection) {
		return ApplyHistorySnapshot(st, jobs), c
	})
}

// ApplyActiveSnapshot replaces the active slot; nil clears it.
func (s *Store) ApplyActiveSnapshot(job *models.Job) {
	s.commit(func(st State, c Connection) (State, Connection) {
		return ApplyActiveSnapshot(st, job), c
	})
}

// ApplyJobUpdate merges one incremental update. It returns false if the
// update was ignored as a backward transition.
func (s *Store) ApplyJobUpdate(job models.Job) bool {
	accepted := true
	s.commit(func(st State, c Connection) (State, Connection) {
		next, ok := ApplyJobUpdate(st, job)
		accepted = ok
		return next, c
	})
	if !accepted {
		s.log.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("ignored backward transition")
	}
	return accepted
}

// Apply dispatches a validated payload to the matching operation.
func (s *Store) Apply(v Validated) {
	switch v.Kind {
	case KindQueueSnapshot:
		s.ApplyQueueSnapshot(v.Jobs)
	case KindHistorySnapshot:
		s.ApplyHistorySnapshot(v.Jobs)
	case KindActiveSnapshot:
		s.ApplyActiveSnapshot(v.Job)
	case KindJobUpdate:
		if v.Job != nil {
			s.ApplyJobUpdate(*v.Job)
		}
	}
}

// SetConnection updates the connection fields of the snapshot.
func (s *Store) SetConnection(update func(Connection) Connection) {
	s.commit(func(st State, c Connection) (State, Connection) {
		return st, update(c)
	})
}

// commit computes the next snapshot from the current one, swaps it in and
// publishes it. Nothing is published when the result is unchanged.
func (s *Store) commit(fn func(State, Connection) (State, Connection)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cur.Load()
	st, conn := fn(prev.State, prev.Connection)
	if conn == prev.Connection && st.Equal(prev.State) {
		return
	}
	next := &Snapshot{Version: prev.Version + 1, State: st, Connection: conn}
	s.cur.Store(next)
	s.hub.publish(next)
}
