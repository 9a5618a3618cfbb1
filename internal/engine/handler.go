package engine

import (
	"time"

	"weave/internal/flow"
)

// handleFailure routes an error raised in user-reachable code (policy, logic,
// slot overflow) through the error-handler chain: routine policy, then flow
// policy, then stop.
func (rt *Runtime) handleFailure(t *task, f *flow.Flow, r *flow.Routine, job *flow.JobContext, cause error) {
	chain := make([]*flow.ErrorPolicy, 0, 3)
	if p := r.ErrorPolicyRef(); p != nil {
		chain = append(chain, p)
	}
	if p := f.ErrorPolicyRef(); p != nil {
		chain = append(chain, p)
	}
	chain = append(chain, flow.Stop())

	for _, policy := range chain {
		switch policy.Action {
		case flow.ActionContinue:
			rt.logger.Warn("routine %s/%s: activation error discarded: %v", t.flowID, t.routine, cause)
			job.Trace(t.routine, "error_continue", cause.Error())
			return

		case flow.ActionSkip:
			rt.logger.Warn("routine %s/%s: activation error, dropping pending data: %v", t.flowID, t.routine, cause)
			for _, slot := range r.Slots() {
				slot.ConsumeAllNew()
			}
			job.Trace(t.routine, "error_skip", cause.Error())
			return

		case flow.ActionRetry:
			// Retry re-dispatches the same activation-run task; other task
			// kinds fall through to the next policy in the chain.
			if t.kind != taskActivationRun {
				continue
			}
			if t.attempt >= policy.MaxRetries {
				rt.logger.Warn("routine %s/%s: retries exhausted after %d attempts: %v",
					t.flowID, t.routine, t.attempt+1, cause)
				continue
			}
			rt.scheduleRetry(t, policy, cause)
			return

		default: // stop
			rt.logger.Error("routine %s/%s: activation failed, job %s stops: %v",
				t.flowID, t.routine, t.jobID, cause)
			job.Trace(t.routine, "error_stop", cause.Error())
			job.Fail(t.routine, cause)
			rt.updateActiveGauge()
			return
		}
	}
}

// scheduleRetry re-enqueues the failed activation-run after an exponential
// delay. The retry counts as outstanding work so the job cannot idle while
// the timer is pending.
func (rt *Runtime) scheduleRetry(t *task, policy *flow.ErrorPolicy, cause error) {
	retry := &task{
		kind:     taskActivationRun,
		flowID:   t.flowID,
		routine:  t.routine,
		jobID:    t.jobID,
		consumed: t.consumed,
		message:  t.message,
		attempt:  t.attempt + 1,
	}
	delay := policy.RetryDelay(retry.attempt)
	rt.logger.Info("routine %s/%s: retry %d/%d in %s after error: %v",
		t.flowID, t.routine, retry.attempt, policy.MaxRetries, delay, cause)
	rt.metrics.IncRetry()
	rt.jobs.IncrPending(retry.jobID)

	if delay <= 0 {
		if !rt.queue.Enqueue(retry) {
			rt.jobs.DecrPending(retry.jobID)
		}
		return
	}

	rt.timersMu.Lock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		rt.timersMu.Lock()
		delete(rt.timers, timer)
		rt.timersMu.Unlock()
		if !rt.queue.Enqueue(retry) {
			rt.jobs.DecrPending(retry.jobID)
		}
	})
	rt.timers[timer] = struct{}{}
	rt.timersMu.Unlock()
}

// cancelRetryTimers stops outstanding retry timers on forced shutdown.
func (rt *Runtime) cancelRetryTimers() {
	rt.timersMu.Lock()
	defer rt.timersMu.Unlock()
	for timer := range rt.timers {
		timer.Stop()
	}
	rt.timers = make(map[*time.Timer]struct{})
}
