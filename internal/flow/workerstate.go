package flow

import "sync"

// WorkerStatus is the lifecycle state of a worker.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerRunning  WorkerStatus = "running"
	WorkerStopped  WorkerStatus = "stopped"
)

// WorkerState is the long-lived per-worker keyed state: routine id to an
// arbitrary serializable map. Writes are serialized per key by the engine
// running at most one activation per routine per job concurrently, plus the
// internal lock here for cross-routine safety.
type WorkerState struct {
	mu       sync.RWMutex
	workerID string
	flowID   string
	status   WorkerStatus
	states   map[string]map[string]any
}

// NewWorkerState constructs an empty state owned by the given worker.
func NewWorkerState(workerID string) *WorkerState {
	return &WorkerState{
		workerID: workerID,
		status:   WorkerStarting,
		states:   make(map[string]map[string]any),
	}
}

// WorkerID returns the owning worker id.
func (w *WorkerState) WorkerID() string { return w.workerID }

// FlowID returns the flow the worker is bound to, if set.
func (w *WorkerState) FlowID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.flowID
}

// BindFlow associates the worker with a flow id.
func (w *WorkerState) BindFlow(flowID string) {
	w.mu.Lock()
	w.flowID = flowID
	w.mu.Unlock()
}

// Status returns the worker lifecycle state.
func (w *WorkerState) Status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// SetStatus updates the worker lifecycle state.
func (w *WorkerState) SetStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

// GetRoutineState returns a copy of the state stored for a routine.
func (w *WorkerState) GetRoutineState(routineID string) map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	state, ok := w.states[routineID]
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

// UpdateRoutineState replaces the state stored for a routine.
func (w *WorkerState) UpdateRoutineState(routineID string, state map[string]any) {
	copied := make(map[string]any, len(state))
	for k, v := range state {
		copied[k] = v
	}
	w.mu.Lock()
	w.states[routineID] = copied
	w.mu.Unlock()
}

// MutateRoutineState applies fn to the routine's state under the lock. The
// map passed to fn is the live state; fn must not retain it.
func (w *WorkerState) MutateRoutineState(routineID string, fn func(state map[string]any)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, ok := w.states[routineID]
	if !ok {
		state = make(map[string]any)
		w.states[routineID] = state
	}
	fn(state)
}

// RoutineIDs returns the ids with stored state.
func (w *WorkerState) RoutineIDs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]string, 0, len(w.states))
	for id := range w.states {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a serializable copy of all routine states.
func (w *WorkerState) Snapshot() map[string]map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]map[string]any, len(w.states))
	for id, state := range w.states {
		copied := make(map[string]any, len(state))
		for k, v := range state {
			copied[k] = v
		}
		out[id] = copied
	}
	return out
}

// Restore replaces all routine states from a snapshot. Non-serializable
// handles are expected to be re-materialized by their owners from config.
func (w *WorkerState) Restore(states map[string]map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states = make(map[string]map[string]any, len(states))
	for id, state := range states {
		copied := make(map[string]any, len(state))
		for k, v := range state {
			copied[k] = v
		}
		w.states[id] = copied
	}
}
