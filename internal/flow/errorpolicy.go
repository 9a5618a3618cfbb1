package flow

import "time"

// ErrorAction selects how an activation failure is handled.
type ErrorAction string

const (
	// ActionStop surfaces the error and fails the job.
	ActionStop ErrorAction = "stop"
	// ActionContinue logs the error and discards the activation's effects.
	ActionContinue ErrorAction = "continue"
	// ActionSkip is continue plus dropping the routine's pending unconsumed data.
	ActionSkip ErrorAction = "skip"
	// ActionRetry re-schedules the same activation with exponential delay.
	ActionRetry ErrorAction = "retry"
)

// ErrorPolicy declares how routine failures are handled. Lookup precedence is
// routine-level, then flow-level, then stop.
type ErrorPolicy struct {
	Action     ErrorAction   `json:"action"`
	MaxRetries int           `json:"max_retries,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
	Backoff    float64       `json:"backoff,omitempty"`
}

// Stop surfaces errors and fails the job.
func Stop() *ErrorPolicy { return &ErrorPolicy{Action: ActionStop} }

// Continue logs errors and keeps going.
func Continue() *ErrorPolicy { return &ErrorPolicy{Action: ActionContinue} }

// Skip logs errors and drops the routine's pending unconsumed data.
func Skip() *ErrorPolicy { return &ErrorPolicy{Action: ActionSkip} }

// Retry re-runs a failed activation up to max times with exponential backoff.
func Retry(max int, delay time.Duration, backoff float64) *ErrorPolicy {
	if backoff <= 0 {
		backoff = 2.0
	}
	return &ErrorPolicy{Action: ActionRetry, MaxRetries: max, Delay: delay, Backoff: backoff}
}

// RetryDelay returns the delay before the given attempt (1-based retry count).
func (p *ErrorPolicy) RetryDelay(attempt int) time.Duration {
	if p == nil || p.Delay <= 0 {
		return 0
	}
	delay := float64(p.Delay)
	for i := 1; i < attempt; i++ {
		delay *= p.Backoff
	}
	return time.Duration(delay)
}
