package engine

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"weave/internal/flow"
)

// retiredJobCap bounds the retention cache of reaped terminal jobs.
const retiredJobCap = 1024

// JobRegistry owns every live JobContext plus the bookkeeping the dispatcher
// needs for idle detection: an outstanding-task counter per job and the
// deferred queues of paused jobs. Reaped terminal jobs move into an expiring
// retention cache so the monitor can still serve recent history.
type JobRegistry struct {
	mu        sync.Mutex
	jobs      map[string]*flow.JobContext
	pending   map[string]int
	deferred  map[string][]*task
	idleSince map[string]time.Time
	retired   *expirable.LRU[string, flow.JobSnapshot]
}

// NewJobRegistry creates an empty registry whose retention cache expires
// entries after ttl.
func NewJobRegistry(ttl time.Duration) *JobRegistry {
	return &JobRegistry{
		jobs:      make(map[string]*flow.JobContext),
		pending:   make(map[string]int),
		deferred:  make(map[string][]*task),
		idleSince: make(map[string]time.Time),
		retired:   expirable.NewLRU[string, flow.JobSnapshot](retiredJobCap, nil, ttl),
	}
}

// Add registers a job under its id.
func (r *JobRegistry) Add(job *flow.JobContext) {
	r.mu.Lock()
	r.jobs[job.ID()] = job
	r.mu.Unlock()
}

// Get returns a live job by id.
func (r *JobRegistry) Get(jobID string) (*flow.JobContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	return job, ok
}

// Snapshot returns the state of a job, live or retired.
func (r *JobRegistry) Snapshot(jobID string) (flow.JobSnapshot, bool) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	r.mu.Unlock()
	if ok {
		return job.Snapshot(), true
	}
	return r.retired.Get(jobID)
}

// List returns snapshots of all live jobs.
func (r *JobRegistry) List() []flow.JobSnapshot {
	r.mu.Lock()
	jobs := make([]*flow.JobContext, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.Unlock()

	out := make([]flow.JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Snapshot())
	}
	return out
}

// IncrPending records one more outstanding task for the job.
func (r *JobRegistry) IncrPending(jobID string) {
	r.mu.Lock()
	r.pending[jobID]++
	delete(r.idleSince, jobID)
	r.mu.Unlock()
}

// DecrPending records a finished task and reports whether the job has no
// outstanding work left.
func (r *JobRegistry) DecrPending(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[jobID] > 0 {
		r.pending[jobID]--
	}
	if r.pending[jobID] == 0 {
		delete(r.pending, jobID)
		r.idleSince[jobID] = time.Now()
		return true
	}
	return false
}

// Pending returns the outstanding task count for a job.
func (r *JobRegistry) Pending(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[jobID]
}

// TotalPending returns outstanding tasks across all jobs.
func (r *JobRegistry) TotalPending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.pending {
		total += n
	}
	return total
}

// Defer stashes a task of a paused job; its pending count is unchanged so the
// job cannot be mistaken for idle.
func (r *JobRegistry) Defer(t *task) {
	r.mu.Lock()
	r.deferred[t.jobID] = append(r.deferred[t.jobID], t)
	r.mu.Unlock()
}

// TakeDeferred removes and returns a paused job's stashed tasks.
func (r *JobRegistry) TakeDeferred(jobID string) []*task {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := r.deferred[jobID]
	delete(r.deferred, jobID)
	return tasks
}

// ActiveCount returns the number of jobs in the running state.
func (r *JobRegistry) ActiveCount() int {
	r.mu.Lock()
	jobs := make([]*flow.JobContext, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.Unlock()

	n := 0
	for _, job := range jobs {
		if job.Status() == flow.JobRunning {
			n++
		}
	}
	return n
}

// AnyRunning reports whether any job is still in the running state.
func (r *JobRegistry) AnyRunning() bool {
	return r.ActiveCount() > 0
}

// Reap retires jobs that have been idle or terminal for longer than ttl,
// moving their snapshots into the retention cache. Returns retired job ids.
func (r *JobRegistry) Reap(ttl time.Duration, now time.Time) []string {
	r.mu.Lock()
	candidates := make([]*flow.JobContext, 0)
	for id, job := range r.jobs {
		if r.pending[id] > 0 {
			continue
		}
		candidates = append(candidates, job)
	}
	r.mu.Unlock()

	var retired []string
	for _, job := range candidates {
		status := job.Status()
		if status != flow.JobIdle && !status.Terminal() {
			continue
		}
		snap := job.Snapshot()
		cutoff := job.CreatedAt()
		if snap.CompletedAt != nil {
			cutoff = *snap.CompletedAt
		}
		r.mu.Lock()
		if since, ok := r.idleSince[job.ID()]; ok && since.After(cutoff) {
			cutoff = since
		}
		if now.Sub(cutoff) < ttl {
			r.mu.Unlock()
			continue
		}
		delete(r.jobs, job.ID())
		delete(r.idleSince, job.ID())
		delete(r.deferred, job.ID())
		r.mu.Unlock()
		r.retired.Add(job.ID(), snap)
		retired = append(retired, job.ID())
	}
	return retired
}
