// Package engine implements the dispatch fabric: the event queue, the worker
// pool, activation scheduling, job lifecycle, breakpoints, and the error
// handler chain. Flows and routines come from internal/flow; the engine only
// orchestrates them.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"weave/internal/async"
	"weave/internal/flow"
	"weave/internal/logging"
)

// MetadataJobID is the metadata key carrying an existing job id on post.
// Posting with the id of an idle job revives it instead of starting fresh.
const MetadataJobID = "job_id"

// ErrNotAccepting is returned by Post after shutdown began.
var ErrNotAccepting = errors.New("runtime is not accepting posts")

// Config tunes a Runtime. Zero values select defaults.
type Config struct {
	WorkerID       string
	ThreadPoolSize int           // default: logical CPU count
	FairnessK      int           // max consecutive activations per routine, default 4
	JobTTL         time.Duration // idle/terminal job retention, default 1h
	ReaperInterval time.Duration // reaper sweep period, default 30s
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if c.ThreadPoolSize <= 0 {
		c.ThreadPoolSize = runtime.NumCPU()
	}
	if c.FairnessK <= 0 {
		c.FairnessK = 4
	}
	if c.JobTTL <= 0 {
		c.JobTTL = time.Hour
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 30 * time.Second
	}
	return c
}

// Runtime owns the thread pool, the event queue, the job registry, the
// worker state, and the breakpoint engine. One Runtime serves many flows.
type Runtime struct {
	cfg     Config
	logger  logging.Logger
	hooks   Hooks
	metrics *Metrics

	flows       *flow.Registry
	queue       *taskQueue
	jobs        *JobRegistry
	state       *flow.WorkerState
	breakpoints *BreakpointEngine
	runLocks    *lockTable

	fairMu     sync.Mutex
	lastRunKey string
	runStreak  int

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}

	mu        sync.Mutex
	accepting bool
	started   bool
	stopped   chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// Option customizes a Runtime at construction.
type Option func(*Runtime)

// WithLogger routes engine output to the given logger.
func WithLogger(logger logging.Logger) Option {
	return func(rt *Runtime) { rt.logger = logging.OrNop(logger) }
}

// WithHooks installs the execution hook implementation.
func WithHooks(hooks Hooks) Option {
	return func(rt *Runtime) {
		if hooks != nil {
			rt.hooks = hooks
		}
	}
}

// WithMetrics uses the provided metrics instead of the shared default, which
// keeps test registries isolated.
func WithMetrics(metrics *Metrics) Option {
	return func(rt *Runtime) {
		if metrics != nil {
			rt.metrics = metrics
		}
	}
}

// New creates a Runtime serving flows from the given registry.
func New(cfg Config, flows *flow.Registry, opts ...Option) *Runtime {
	cfg = cfg.withDefaults()
	rt := &Runtime{
		cfg:       cfg,
		logger:    logging.NewComponentLogger("engine"),
		hooks:     NopHooks{},
		flows:     flows,
		queue:     newTaskQueue(),
		jobs:      NewJobRegistry(cfg.JobTTL),
		state:     flow.NewWorkerState(cfg.WorkerID),
		runLocks:  newLockTable(),
		timers:    make(map[*time.Timer]struct{}),
		accepting: true,
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.metrics == nil {
		rt.metrics = defaultMetrics()
	}
	rt.breakpoints = NewBreakpointEngine(rt.metrics)
	return rt
}

// Start launches the worker pool and the job reaper. Idempotent.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()

	rt.state.SetStatus(flow.WorkerRunning)
	for i := 0; i < rt.cfg.ThreadPoolSize; i++ {
		rt.wg.Add(1)
		async.Go(rt.logger, fmt.Sprintf("worker-%d", i), func() {
			defer rt.wg.Done()
			rt.workerLoop()
		})
	}
	async.Go(rt.logger, "job-reaper", rt.reaperLoop)
	rt.logger.Info("runtime %s started with %d workers", rt.cfg.WorkerID, rt.cfg.ThreadPoolSize)
}

// Exec ensures the dispatcher is running and the flow is registered, binding
// the worker state to it.
func (rt *Runtime) Exec(flowID string) error {
	if _, ok := rt.flows.Get(flowID); !ok {
		return &flow.StateError{Entity: "runtime", Reason: fmt.Sprintf("flow %q is not registered", flowID)}
	}
	rt.state.BindFlow(flowID)
	rt.Start()
	return nil
}

// Post delivers a payload to flow/routine/slot, creating or reviving a job,
// and returns immediately.
func (rt *Runtime) Post(flowID, routineID, slotName string, payload any, metadata map[string]any) (workerID, jobID string, err error) {
	rt.mu.Lock()
	accepting := rt.accepting
	rt.mu.Unlock()
	if !accepting {
		return "", "", ErrNotAccepting
	}

	f, ok := rt.flows.Get(flowID)
	if !ok {
		return "", "", &flow.StateError{Entity: "runtime", Reason: fmt.Sprintf("flow %q is not registered", flowID)}
	}
	r, ok := f.Routine(routineID)
	if !ok {
		return "", "", &flow.StateError{Entity: "runtime", Reason: fmt.Sprintf("flow %q has no routine %q", flowID, routineID)}
	}
	if _, ok := r.Slot(slotName); !ok {
		return "", "", &flow.StateError{Entity: "runtime", Reason: fmt.Sprintf("routine %q has no slot %q", routineID, slotName)}
	}

	job, err := rt.jobFor(f, metadata)
	if err != nil {
		return "", "", err
	}

	rt.enqueueTask(&task{
		kind:    taskSlotPush,
		flowID:  flowID,
		routine: routineID,
		slot:    slotName,
		payload: payload,
		jobID:   job.ID(),
	})
	rt.Start()
	return rt.cfg.WorkerID, job.ID(), nil
}

// jobFor resolves the job a post targets: an existing one named by metadata
// (revived when idle), or a fresh running job.
func (rt *Runtime) jobFor(f *flow.Flow, metadata map[string]any) (*flow.JobContext, error) {
	if requested, ok := metadata[MetadataJobID].(string); ok && requested != "" {
		job, found := rt.jobs.Get(requested)
		if !found {
			return nil, &flow.StateError{Entity: "runtime", Reason: fmt.Sprintf("job %q not found", requested)}
		}
		if job.Status().Terminal() {
			return nil, &flow.StateError{Entity: "runtime", Reason: fmt.Sprintf("job %q already finished", requested)}
		}
		if job.Revive() {
			rt.logger.Debug("job %s revived", requested)
		}
		rt.updateActiveGauge()
		return job, nil
	}

	job := flow.NewJobContext(uuid.NewString(), rt.cfg.WorkerID, f.ID(), metadata)
	job.SetStatus(flow.JobRunning)
	if timeout := f.ExecutionTimeout(); timeout > 0 {
		job.SetDeadline(time.Now().Add(timeout))
	}
	rt.jobs.Add(job)
	rt.updateActiveGauge()
	return job, nil
}

// WaitUntilAllJobsFinished blocks until no job is running and the queue is
// empty, or the timeout passes. Returns whether completion was reached.
func (rt *Runtime) WaitUntilAllJobsFinished(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if rt.queue.Len() == 0 && rt.jobs.TotalPending() == 0 && !rt.jobs.AnyRunning() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Shutdown stops accepting posts and tears the pool down. Graceful shutdown
// drains outstanding work first; forced shutdown drops queued tasks and
// cancels pending retries. Running user logic is never force-killed.
func (rt *Runtime) Shutdown(graceful bool) {
	rt.stopOnce.Do(func() {
		rt.mu.Lock()
		rt.accepting = false
		started := rt.started
		rt.mu.Unlock()
		close(rt.stopped)

		if graceful && started {
			for rt.queue.Len() > 0 || rt.jobs.TotalPending() > rt.deferredPendingCount() {
				time.Sleep(2 * time.Millisecond)
			}
		}
		if !graceful {
			rt.cancelRetryTimers()
		}
		dropped := rt.queue.Close(graceful)
		for _, t := range dropped {
			rt.jobs.DecrPending(t.jobID)
		}
		rt.wg.Wait()
		rt.state.SetStatus(flow.WorkerStopped)
		rt.logger.Info("runtime %s stopped", rt.cfg.WorkerID)
	})
}

// deferredPendingCount counts outstanding tasks stashed for paused jobs;
// graceful shutdown must not wait on work that cannot progress.
func (rt *Runtime) deferredPendingCount() int {
	rt.jobs.mu.Lock()
	defer rt.jobs.mu.Unlock()
	n := 0
	for _, tasks := range rt.jobs.deferred {
		n += len(tasks)
	}
	return n
}

// PauseJob suspends dispatching for a job; its tasks are deferred.
func (rt *Runtime) PauseJob(jobID string) error {
	job, ok := rt.jobs.Get(jobID)
	if !ok {
		return &flow.StateError{Entity: "runtime", Reason: fmt.Sprintf("job %q not found", jobID)}
	}
	job.Pause()
	job.Trace("", "paused", nil)
	return nil
}

// ResumeJob lifts a pause and re-enqueues the deferred tasks.
func (rt *Runtime) ResumeJob(jobID string) error {
	job, ok := rt.jobs.Get(jobID)
	if !ok {
		return &flow.StateError{Entity: "runtime", Reason: fmt.Sprintf("job %q not found", jobID)}
	}
	job.Resume()
	job.Trace("", "resumed", nil)
	for _, t := range rt.jobs.TakeDeferred(jobID) {
		if !rt.queue.Enqueue(t) {
			rt.jobs.DecrPending(t.jobID)
		}
	}
	return nil
}

// CancelJob fails a job and discards its deferred tasks. Queued tasks are
// dropped as the dispatcher reaches them.
func (rt *Runtime) CancelJob(jobID string) error {
	job, ok := rt.jobs.Get(jobID)
	if !ok {
		return &flow.StateError{Entity: "runtime", Reason: fmt.Sprintf("job %q not found", jobID)}
	}
	job.Trace("", "canceled", nil)
	job.Fail("", errors.New("canceled"))
	for _, t := range rt.jobs.TakeDeferred(jobID) {
		rt.jobs.DecrPending(t.jobID)
	}
	rt.updateActiveGauge()
	return nil
}

// reaperLoop periodically retires idle and terminal jobs past the TTL.
func (rt *Runtime) reaperLoop() {
	ticker := time.NewTicker(rt.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stopped:
			return
		case now := <-ticker.C:
			if retired := rt.jobs.Reap(rt.cfg.JobTTL, now); len(retired) > 0 {
				rt.logger.Info("reaped %d finished job(s)", len(retired))
			}
		}
	}
}

func (rt *Runtime) updateActiveGauge() {
	rt.metrics.SetActiveJobs(rt.jobs.ActiveCount())
}

// Jobs exposes the job registry for monitoring surfaces.
func (rt *Runtime) Jobs() *JobRegistry { return rt.jobs }

// Flows exposes the flow registry.
func (rt *Runtime) Flows() *flow.Registry { return rt.flows }

// WorkerState exposes the long-lived per-worker state.
func (rt *Runtime) WorkerState() *flow.WorkerState { return rt.state }

// Breakpoints exposes the breakpoint engine.
func (rt *Runtime) Breakpoints() *BreakpointEngine { return rt.breakpoints }

// QueueDepth returns the current event queue depth.
func (rt *Runtime) QueueDepth() int { return rt.queue.Len() }

// WorkerID returns the runtime's worker id.
func (rt *Runtime) WorkerID() string { return rt.cfg.WorkerID }
