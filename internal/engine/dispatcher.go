package engine

import (
	"fmt"
	"time"

	"weave/internal/flow"
)

// workerLoop is one pool thread: dequeue, dispatch, repeat until the queue
// closes.
func (rt *Runtime) workerLoop() {
	for {
		t, ok := rt.queue.Dequeue()
		if !ok {
			return
		}
		rt.dispatch(t)
	}
}

// dispatch executes one task. Tasks of paused jobs are stashed without
// touching the pending counter so the job cannot be mistaken for idle.
func (rt *Runtime) dispatch(t *task) {
	job, okJob := rt.jobs.Get(t.jobID)
	if okJob && job.Paused() {
		rt.jobs.Defer(t)
		return
	}

	defer rt.finishTask(t)

	if !okJob {
		rt.logger.Debug("dropping %s task for unknown job %s", t.kind, t.jobID)
		return
	}
	f, okFlow := rt.flows.Get(t.flowID)
	if !okFlow {
		rt.logger.Warn("dropping %s task for unknown flow %s", t.kind, t.flowID)
		return
	}
	if job.Status().Terminal() {
		return
	}
	if job.DeadlineExceeded(time.Now()) {
		rt.logger.Warn("job %s exceeded execution timeout, failing", t.jobID)
		job.Trace(t.routine, "timeout", nil)
		job.Fail(t.routine, &flow.TimeoutError{JobID: t.jobID})
		rt.updateActiveGauge()
		return
	}
	r, ok := f.Routine(t.routine)
	if !ok {
		rt.logger.Warn("dropping %s task for unknown routine %s/%s", t.kind, t.flowID, t.routine)
		return
	}

	switch t.kind {
	case taskSlotPush:
		rt.handleSlotPush(t, f, r, job)
	case taskActivationCheck:
		rt.handleCheck(t, f, r, job)
	case taskActivationRun:
		rt.handleRun(t, f, r, job)
	}
}

// finishTask settles the pending counter and flips the job to idle when its
// last outstanding task completed. A job whose deadline passed during that
// last task fails with a timeout instead of idling; the dispatch-time check
// alone misses logic that overran the deadline and emitted nothing.
func (rt *Runtime) finishTask(t *task) {
	if rt.jobs.DecrPending(t.jobID) {
		if job, ok := rt.jobs.Get(t.jobID); ok {
			if !job.Status().Terminal() && job.DeadlineExceeded(time.Now()) {
				rt.logger.Warn("job %s exceeded execution timeout, failing", t.jobID)
				job.Trace(t.routine, "timeout", nil)
				job.Fail(t.routine, &flow.TimeoutError{JobID: t.jobID})
				rt.updateActiveGauge()
			} else if job.MarkIdle() {
				rt.logger.Debug("job %s is idle", t.jobID)
				rt.updateActiveGauge()
			}
		}
	}
	rt.metrics.SetQueueDepth(rt.queue.Len())
}

// handleSlotPush delivers a payload into the target slot and schedules
// exactly one activation check for the routine.
func (rt *Runtime) handleSlotPush(t *task, f *flow.Flow, r *flow.Routine, job *flow.JobContext) {
	slot, ok := r.Slot(t.slot)
	if !ok {
		rt.logger.Warn("dropping push for unknown slot %s/%s.%s", t.flowID, t.routine, t.slot)
		return
	}

	allow, replacement := rt.hooks.OnSlotBeforeEnqueue(t.flowID, t.routine, t.slot, t.payload, t.jobID)
	if !allow {
		rt.logger.Debug("push to %s/%s.%s denied by hook", t.flowID, t.routine, t.slot)
		return
	}
	payload := t.payload
	if replacement != nil {
		payload = replacement
	}

	if err := slot.Push(payload); err != nil {
		r.RecordError()
		rt.handleFailure(t, f, r, job, err)
		return
	}
	rt.enqueueTask(&task{
		kind:    taskActivationCheck,
		flowID:  t.flowID,
		routine: t.routine,
		jobID:   t.jobID,
	})
}

// handleCheck consults the routine's activation policy and, when it fires,
// dispatches an activation-run task carrying the consumed data.
func (rt *Runtime) handleCheck(t *task, f *flow.Flow, r *flow.Routine, job *flow.JobContext) {
	decision, err := r.CheckActivation(job)
	if err != nil {
		r.RecordError()
		rt.handleFailure(t, f, r, job, err)
		return
	}
	if !decision.Activate {
		return
	}
	rt.enqueueTask(&task{
		kind:     taskActivationRun,
		flowID:   t.flowID,
		routine:  t.routine,
		jobID:    t.jobID,
		consumed: decision.Consumed,
		message:  decision.Message,
	})
}

// handleRun executes routine logic under the per-(flow, routine, job) lock so
// at most one activation of a routine runs per job at a time.
func (rt *Runtime) handleRun(t *task, f *flow.Flow, r *flow.Routine, job *flow.JobContext) {
	if rt.shouldYield(t) {
		rt.enqueueTask(&task{
			kind:     taskActivationRun,
			flowID:   t.flowID,
			routine:  t.routine,
			jobID:    t.jobID,
			consumed: t.consumed,
			message:  t.message,
			attempt:  t.attempt,
		})
		return
	}

	key := t.flowID + "/" + t.routine + "/" + t.jobID
	entry := rt.runLocks.acquire(key)
	defer rt.runLocks.release(key, entry)

	// The job may have failed while this task waited on the lock.
	if job.Status().Terminal() {
		return
	}

	logic := r.Logic()
	if logic == nil {
		err := &flow.StateError{Entity: "routine " + t.routine, Reason: "no logic set"}
		r.RecordError()
		rt.handleFailure(t, f, r, job, err)
		return
	}

	data := rt.applyMerge(r, t.consumed)
	rt.noteRun(t)
	r.RecordActivation()
	rt.hooks.OnActivationStart(t.flowID, t.routine, t.jobID, data, t.message)

	activation := flow.NewActivation(t.routine, data, t.message, job, rt.state, rt.emitFunc(f, r, job))
	start := time.Now()
	err := runLogic(logic, activation)
	elapsed := time.Since(start)

	if err != nil {
		cause := &flow.LogicError{Routine: t.routine, Err: err}
		r.RecordError()
		rt.metrics.ObserveExecution(string(OutcomeError), elapsed)
		rt.hooks.OnActivationEnd(t.flowID, t.routine, t.jobID, OutcomeError, cause)
		rt.handleFailure(t, f, r, job, cause)
		return
	}
	rt.metrics.ObserveExecution(string(OutcomeOK), elapsed)
	rt.hooks.OnActivationEnd(t.flowID, t.routine, t.jobID, OutcomeOK, nil)
}

// runLogic invokes user logic with panic containment; a panic surfaces as an
// ordinary activation error.
func runLogic(logic flow.Logic, activation *flow.Activation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return logic(activation)
}

// applyMerge presents consumed slot data according to each slot's merge
// strategy. Accumulate folds into WorkerState under the reserved key and
// passes the whole accumulator.
func (rt *Runtime) applyMerge(r *flow.Routine, consumed map[string][]any) map[string][]any {
	out := make(map[string][]any, len(consumed))
	for name, values := range consumed {
		slot, ok := r.Slot(name)
		if !ok {
			out[name] = values
			continue
		}
		switch slot.Merge() {
		case flow.MergeOverride:
			if len(values) > 1 {
				values = values[len(values)-1:]
			}
			out[name] = values
		case flow.MergeAccumulate:
			stateKey := flow.AccumulateStateKey + name
			var folded []any
			rt.state.MutateRoutineState(r.ID(), func(state map[string]any) {
				existing, _ := state[stateKey].([]any)
				existing = append(existing, values...)
				state[stateKey] = existing
				folded = append([]any(nil), existing...)
			})
			out[name] = folded
		default: // append
			out[name] = values
		}
	}
	return out
}

// emitFunc builds the Emit implementation handed to logic: payloads are
// enqueued as slot-push tasks in code order and delivered verbatim to every
// connected slot. Emit never runs target logic synchronously.
func (rt *Runtime) emitFunc(f *flow.Flow, r *flow.Routine, job *flow.JobContext) func(string, map[string]any) error {
	return func(event string, params map[string]any) error {
		ev, ok := r.Event(event)
		if !ok {
			return &flow.StateError{Entity: "routine " + r.ID(), Reason: fmt.Sprintf("no event %q", event)}
		}
		payload, err := ev.BuildPayload(params)
		if err != nil {
			return err
		}
		rt.hooks.OnEmit(f.ID(), r.ID(), event, payload, job.ID())
		for _, conn := range ev.Connections() {
			rt.enqueueTask(&task{
				kind:    taskSlotPush,
				flowID:  f.ID(),
				routine: conn.TargetRoutine,
				slot:    conn.TargetSlot,
				payload: payload,
				jobID:   job.ID(),
			})
		}
		return nil
	}
}

// enqueueTask registers the task as outstanding work before queueing it.
func (rt *Runtime) enqueueTask(t *task) {
	rt.jobs.IncrPending(t.jobID)
	if !rt.queue.Enqueue(t) {
		rt.jobs.DecrPending(t.jobID)
		return
	}
	rt.metrics.SetQueueDepth(rt.queue.Len())
}

// shouldYield enforces the fairness bound: after K consecutive activations of
// one routine with other work queued, the next run rotates to the back.
func (rt *Runtime) shouldYield(t *task) bool {
	rt.fairMu.Lock()
	defer rt.fairMu.Unlock()
	key := t.flowID + "/" + t.routine
	if key == rt.lastRunKey && rt.runStreak >= rt.cfg.FairnessK && rt.queue.Len() > 0 {
		rt.runStreak = 0
		return true
	}
	return false
}

// noteRun updates the per-routine streak used by shouldYield.
func (rt *Runtime) noteRun(t *task) {
	rt.fairMu.Lock()
	defer rt.fairMu.Unlock()
	key := t.flowID + "/" + t.routine
	if key == rt.lastRunKey {
		rt.runStreak++
		return
	}
	rt.lastRunKey = key
	rt.runStreak = 1
}
