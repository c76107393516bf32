package jobsync

import (
	"reflect"

	"iso-builder/internal/models"
)

// Placement names the collection a job currently lives in.
type Placement int

const (
	PlacementNone Placement = iota
	PlacementQueue
	PlacementActive
	PlacementHistory
)

func (p Placement) String() string {
	switch p {
	case PlacementQueue:
		return "queue"
	case PlacementActive:
		return "active"
	case PlacementHistory:
		return "history"
	}
	return "none"
}

// State is the client-side mirror of the server's build queue.
// Values are immutable once published: every operation below returns a new
// State and never writes into the slices of its input.
type State struct {
	Active  *models.Job
	Queue   []models.Job
	History []models.Job
}

// EmptyState returns a state with non-nil, empty collections.
func EmptyState() State {
	return State{Queue: []models.Job{}, History: []models.Job{}}
}

// Find locates a job by id.
func (s State) Find(id string) (models.Job, Placement) {
	if s.Active != nil && s.Active.ID == id {
		return *s.Active, PlacementActive
	}
	for _, j := range s.Queue {
		if j.ID == id {
			return j, PlacementQueue
		}
	}
	for _, j := range s.History {
		if j.ID == id {
			return j, PlacementHistory
		}
	}
	return models.Job{}, PlacementNone
}

// Equal reports whether two states hold the same jobs in the same places.
func (s State) Equal(o State) bool {
	return reflect.DeepEqual(s.Active, o.Active) &&
		reflect.DeepEqual(nonNil(s.Queue), nonNil(o.Queue)) &&
		reflect.DeepEqual(nonNil(s.History), nonNil(o.History))
}

// ApplyQueueSnapshot replaces the queue wholesale.
func ApplyQueueSnapshot(s State, jobs []models.Job) State {
	next := State{Active: s.Active, Queue: cloneJobs(jobs), History: s.History}
	return normalize(next)
}

// ApplyHistorySnapshot replaces the history wholesale.
func ApplyHistorySnapshot(s State, jobs []models.Job) State {
	next := State{Active: s.Active, Queue: s.Queue, History: cloneJobs(jobs)}
	return normalize(next)
}

// ApplyActiveSnapshot replaces the active slot. A nil job clears it; any
// other job replaces whatever was active and then goes through the regular
// merge.
func ApplyActiveSnapshot(s State, job *models.Job) State {
	if job == nil {
		next := State{Queue: s.Queue, History: s.History}
		return normalize(next)
	}
	base := State{Queue: s.Queue, History: s.History}
	if s.Active != nil && s.Active.ID == job.ID {
		base.Active = s.Active
	}
	next, _ := ApplyJobUpdate(base, *job)
	return next
}

// ApplyJobUpdate merges one incremental job update. It reports false when
// the update was ignored because it would move the job backward.
//
// A job is placed in exactly one collection after the merge: in_progress
// jobs become the active job, terminal jobs live in history, queued jobs in
// the queue. Known queue and history entries are replaced in place so the
// ordering of both collections is preserved.
func ApplyJobUpdate(s State, job models.Job) (State, bool) {
	prev, where := s.Find(job.ID)
	if where != PlacementNone && !prev.Status.CanTransition(job.Status) {
		return s, false
	}
	job = job.Clone()

	next := State{Active: s.Active}
	switch {
	case job.Status == models.StatusInProgress:
		next.Active = &job
	case s.Active != nil && s.Active.ID == job.ID:
		next.Active = nil
	}

	next.Queue = make([]models.Job, 0, len(s.Queue)+1)
	inQueue := false
	for _, q := range s.Queue {
		if q.ID != job.ID {
			next.Queue = append(next.Queue, q)
			continue
		}
		if job.Status == models.StatusQueued {
			next.Queue = append(next.Queue, job)
			inQueue = true
		}
	}
	if job.Status == models.StatusQueued && !inQueue && where == PlacementNone {
		next.Queue = append(next.Queue, job)
	}

	next.History = make([]models.Job, 0, len(s.History)+1)
	inHistory := false
	for _, h := range s.History {
		if h.ID == job.ID {
			next.History = append(next.History, job)
			inHistory = true
			continue
		}
		next.History = append(next.History, h)
	}
	if job.IsTerminal() && !inHistory {
		next.History = append([]models.Job{job}, next.History...)
	}

	return normalize(next), true
}

// normalize enforces the structural invariants after any operation:
// the active slot only holds an in_progress job, history only terminal jobs,
// the queue only non-terminal jobs, no duplicates within a collection, and
// each id in at most one collection. When an id appears in several places
// the most advanced status wins. Only an in_progress job can tie, between
// the active slot and the queue, and the active slot always keeps it.
func normalize(s State) State {
	score := func(j models.Job, p Placement) int {
		return j.Status.Rank()*8 + int(p)
	}

	best := make(map[string]int)
	consider := func(j models.Job, p Placement) {
		sc := score(j, p)
		if cur, ok := best[j.ID]; !ok || sc > cur {
			best[j.ID] = sc
		}
	}

	active := s.Active
	if active != nil && active.Status != models.StatusInProgress {
		active = nil
	}
	if active != nil {
		consider(*active, PlacementActive)
	}
	queue := dedupe(s.Queue, func(j models.Job) bool { return !j.IsTerminal() })
	for _, j := range queue {
		consider(j, PlacementQueue)
	}
	history := dedupe(s.History, models.Job.IsTerminal)
	for _, j := range history {
		consider(j, PlacementHistory)
	}

	out := State{Queue: make([]models.Job, 0, len(queue)), History: make([]models.Job, 0, len(history))}
	if active != nil && best[active.ID] == score(*active, PlacementActive) {
		out.Active = active
	}
	for _, j := range queue {
		if best[j.ID] == score(j, PlacementQueue) {
			out.Queue = append(out.Queue, j)
		}
	}
	for _, j := range history {
		if best[j.ID] == score(j, PlacementHistory) {
			out.History = append(out.History, j)
		}
	}
	return out
}

// dedupe keeps the first occurrence of each id that satisfies keep.
func dedupe(jobs []models.Job, keep func(models.Job) bool) []models.Job {
	seen := make(map[string]struct{}, len(jobs))
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		if !keep(j) {
			continue
		}
		if _, dup := seen[j.ID]; dup {
			continue
		}
		seen[j.ID] = struct{}{}
		out = append(out, j)
	}
	return out
}

func cloneJobs(jobs []models.Job) []models.Job {
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Clone())
	}
	return out
}

func nonNil(jobs []models.Job) []models.Job {
	if jobs == nil {
		return []models.Job{}
	}
	return jobs
}
