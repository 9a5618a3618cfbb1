package flow

import (
	"sync"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobIdle      JobStatus = "idle"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further work. Idle is
// terminal-but-revivable: a fresh post to the same job id resumes it.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// TraceEntry is one step in a job's execution log.
type TraceEntry struct {
	At      time.Time `json:"at"`
	Routine string    `json:"routine"`
	Action  string    `json:"action"`
	Details any       `json:"details,omitempty"`
}

// DebugCapture holds slot data drained by an armed breakpoint. The latest
// capture for a routine overwrites the previous one.
type DebugCapture struct {
	SlotData   map[string][]any `json:"slot_data"`
	CapturedAt time.Time        `json:"captured_at"`
}

// JobContext is the per-job ephemeral state: metadata, a scratch data map,
// the trace log, and the status machine. Mutation from logic is confined to
// the single activation currently running; status transitions come from the
// dispatcher and are serialized by the job lock.
type JobContext struct {
	mu sync.Mutex

	id       string
	workerID string
	flowID   string

	createdAt   time.Time
	completedAt time.Time
	deadline    time.Time

	status   JobStatus
	paused   bool
	explicit bool // Complete was called from logic; idle detection must not override

	metadata map[string]any
	data     map[string]any
	trace    []TraceEntry
	debug    map[string]*DebugCapture

	errMsg     string
	errRoutine string
}

// NewJobContext creates a pending job bound to a worker and flow.
func NewJobContext(id, workerID, flowID string, metadata map[string]any) *JobContext {
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &JobContext{
		id:        id,
		workerID:  workerID,
		flowID:    flowID,
		createdAt: time.Now(),
		status:    JobPending,
		metadata:  md,
		data:      make(map[string]any),
		debug:     make(map[string]*DebugCapture),
	}
}

// ID returns the job id.
func (j *JobContext) ID() string { return j.id }

// WorkerID returns the owning worker id.
func (j *JobContext) WorkerID() string { return j.workerID }

// FlowID returns the flow this job executes.
func (j *JobContext) FlowID() string { return j.flowID }

// CreatedAt returns the creation timestamp.
func (j *JobContext) CreatedAt() time.Time { return j.createdAt }

// Status returns the current lifecycle state.
func (j *JobContext) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// SetStatus transitions the job unless it already reached a terminal state.
// Returns whether the transition was applied.
func (j *JobContext) SetStatus(status JobStatus) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = status
	if status.Terminal() {
		j.completedAt = time.Now()
	}
	return true
}

// MarkIdle moves a running job to idle unless logic already completed it.
func (j *JobContext) MarkIdle() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobRunning || j.explicit {
		return false
	}
	j.status = JobIdle
	return true
}

// Revive moves an idle job back to running for a fresh post.
func (j *JobContext) Revive() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobIdle {
		return false
	}
	j.status = JobRunning
	j.explicit = false
	return true
}

// Complete finishes the job from logic with an explicit terminal status.
// Completed and failed jobs are not revivable.
func (j *JobContext) Complete(status JobStatus, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	if status != JobCompleted && status != JobFailed {
		status = JobCompleted
	}
	j.status = status
	j.explicit = true
	j.completedAt = time.Now()
	if err != nil {
		j.errMsg = err.Error()
	}
}

// Fail transitions the job to failed, recording the routine and error.
func (j *JobContext) Fail(routineID string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.status = JobFailed
	j.completedAt = time.Now()
	j.errRoutine = routineID
	if err != nil {
		j.errMsg = err.Error()
	}
}

// Err returns the failure message and the routine it came from, if any.
func (j *JobContext) Err() (routineID, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errRoutine, j.errMsg
}

// Pause suspends dispatching for this job; queued tasks are deferred until
// Resume.
func (j *JobContext) Pause() {
	j.mu.Lock()
	j.paused = true
	j.mu.Unlock()
}

// Resume lifts a pause.
func (j *JobContext) Resume() {
	j.mu.Lock()
	j.paused = false
	j.mu.Unlock()
}

// Paused reports whether dispatching is suspended.
func (j *JobContext) Paused() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.paused
}

// SetDeadline arms the cooperative execution timeout.
func (j *JobContext) SetDeadline(t time.Time) {
	j.mu.Lock()
	j.deadline = t
	j.mu.Unlock()
}

// DeadlineExceeded reports whether the execution timeout has passed.
func (j *JobContext) DeadlineExceeded(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.deadline.IsZero() && now.After(j.deadline)
}

// Metadata returns a copy of the request metadata.
func (j *JobContext) Metadata() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]any, len(j.metadata))
	for k, v := range j.metadata {
		out[k] = v
	}
	return out
}

// GetData reads a value from the job's scratch map.
func (j *JobContext) GetData(key string) (any, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.data[key]
	return v, ok
}

// SetData writes a value into the job's scratch map.
func (j *JobContext) SetData(key string, value any) {
	j.mu.Lock()
	j.data[key] = value
	j.mu.Unlock()
}

// Trace appends an entry to the job's execution log.
func (j *JobContext) Trace(routineID, action string, details any) {
	j.mu.Lock()
	j.trace = append(j.trace, TraceEntry{
		At:      time.Now(),
		Routine: routineID,
		Action:  action,
		Details: details,
	})
	j.mu.Unlock()
}

// TraceLog returns a copy of the execution log.
func (j *JobContext) TraceLog() []TraceEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]TraceEntry(nil), j.trace...)
}

// SetDebugCapture overwrites the breakpoint capture for a routine. Latest
// capture wins, intentionally.
func (j *JobContext) SetDebugCapture(routineID string, slotData map[string][]any) {
	j.mu.Lock()
	j.debug[routineID] = &DebugCapture{SlotData: slotData, CapturedAt: time.Now()}
	j.mu.Unlock()
}

// DebugCaptureFor returns the captured slot data for a routine, if any.
func (j *JobContext) DebugCaptureFor(routineID string) (*DebugCapture, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.debug[routineID]
	return c, ok
}

// DebugData returns all breakpoint captures keyed by routine id.
func (j *JobContext) DebugData() map[string]*DebugCapture {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]*DebugCapture, len(j.debug))
	for k, v := range j.debug {
		out[k] = v
	}
	return out
}

// JobSnapshot is the serializable view of a job.
type JobSnapshot struct {
	JobID       string                   `json:"job_id"`
	WorkerID    string                   `json:"worker_id"`
	FlowID      string                   `json:"flow_id"`
	Status      JobStatus                `json:"status"`
	Paused      bool                     `json:"paused,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
	Metadata    map[string]any           `json:"metadata,omitempty"`
	Data        map[string]any           `json:"data,omitempty"`
	Trace       []TraceEntry             `json:"trace,omitempty"`
	DebugData   map[string]*DebugCapture `json:"debug_data,omitempty"`
	Error       string                   `json:"error,omitempty"`
	ErrRoutine  string                   `json:"error_routine,omitempty"`
}

// Snapshot captures a consistent view of the job.
func (j *JobContext) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := JobSnapshot{
		JobID:      j.id,
		WorkerID:   j.workerID,
		FlowID:     j.flowID,
		Status:     j.status,
		Paused:     j.paused,
		CreatedAt:  j.createdAt,
		Metadata:   copyMap(j.metadata),
		Data:       copyMap(j.data),
		Trace:      append([]TraceEntry(nil), j.trace...),
		Error:      j.errMsg,
		ErrRoutine: j.errRoutine,
	}
	if !j.completedAt.IsZero() {
		t := j.completedAt
		snap.CompletedAt = &t
	}
	if len(j.debug) > 0 {
		snap.DebugData = make(map[string]*DebugCapture, len(j.debug))
		for k, v := range j.debug {
			snap.DebugData[k] = v
		}
	}
	return snap
}

// RestoreJob rebuilds a JobContext from a snapshot.
func RestoreJob(snap JobSnapshot) *JobContext {
	j := NewJobContext(snap.JobID, snap.WorkerID, snap.FlowID, snap.Metadata)
	j.createdAt = snap.CreatedAt
	j.status = snap.Status
	j.paused = snap.Paused
	j.data = copyMap(snap.Data)
	j.trace = append([]TraceEntry(nil), snap.Trace...)
	j.errMsg = snap.Error
	j.errRoutine = snap.ErrRoutine
	if snap.CompletedAt != nil {
		j.completedAt = *snap.CompletedAt
	}
	for k, v := range snap.DebugData {
		j.debug[k] = v
	}
	return j
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
