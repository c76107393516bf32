package jobsync

import (
	"time"

	"iso-builder/internal/protocol"
)

// resyncRequests maps each snapshot kind to the request that produces it.
var resyncRequests = []struct {
	kind  Kind
	event string
}{
	{KindQueueSnapshot, protocol.EventGetQueue},
	{KindHistorySnapshot, protocol.EventGetHistory},
	{KindActiveSnapshot, protocol.EventGetActiveJob},
}

// Resync tracks the outstanding snapshot requests of one connection.
// Like the connector it is owned by the client loop.
type Resync struct {
	Timeout time.Duration
	Retries int

	pending  map[Kind]bool
	attempts int
}

// NewResync returns an idle tracker.
func NewResync(timeout time.Duration, retries int) *Resync {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &Resync{Timeout: timeout, Retries: retries}
}

// Start begins a resync and returns the request events to emit.
func (r *Resync) Start() []string {
	r.pending = make(map[Kind]bool, len(resyncRequests))
	r.attempts = 1
	events := make([]string, 0, len(resyncRequests))
	for _, req := range resyncRequests {
		r.pending[req.kind] = true
		events = append(events, req.event)
	}
	return events
}

// Ack records a snapshot response. It returns true when it completed the
// resync.
func (r *Resync) Ack(kind Kind) bool {
	if !r.pending[kind] {
		return false
	}
	delete(r.pending, kind)
	return len(r.pending) == 0
}

// Pending reports whether any snapshot response is outstanding.
func (r *Resync) Pending() bool {
	return len(r.pending) > 0
}

// Outstanding returns the request events still awaiting a response.
func (r *Resync) Outstanding() []string {
	var events []string
	for _, req := range resyncRequests {
		if r.pending[req.kind] {
			events = append(events, req.event)
		}
	}
	return events
}

// Expired handles a resync timeout. It returns the requests to re-issue, or
// gaveUp once the retry budget is spent. After giving up the tracker is
// idle and later responses are ignored.
func (r *Resync) Expired() (retry []string, gaveUp bool) {
	if !r.Pending() {
		return nil, false
	}
	if r.attempts > r.Retries {
		r.Reset()
		return nil, true
	}
	r.attempts++
	return r.Outstanding(), false
}

// Attempts returns how many times the requests were issued for the current
// resync.
func (r *Resync) Attempts() int {
	return r.attempts
}

// Reset abandons any resync in progress.
func (r *Resync) Reset() {
	r.pending = nil
	r.attempts = 0
}
