package flow

import (
	"errors"
	"fmt"
)

// SlotOverflowError reports a push into a slot whose unconsumed backlog has
// reached its configured maximum.
type SlotOverflowError struct {
	Routine string
	Slot    string
	Max     int
}

func (e *SlotOverflowError) Error() string {
	return fmt.Sprintf("slot %s.%s overflow: %d unconsumed points", e.Routine, e.Slot, e.Max)
}

// PolicyError wraps a failure raised while evaluating an activation policy.
type PolicyError struct {
	Routine string
	Err     error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy error on routine %s: %v", e.Routine, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// LogicError wraps a failure (error return or panic) raised by routine logic.
type LogicError struct {
	Routine string
	Err     error
}

func (e *LogicError) Error() string {
	return fmt.Sprintf("logic error on routine %s: %v", e.Routine, e.Err)
}

func (e *LogicError) Unwrap() error { return e.Err }

// SerializationError reports a snapshot or restore failure.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// StateError reports a use of an entity in a state that forbids the
// operation, e.g. activating a routine with no logic set.
type StateError struct {
	Entity string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Entity, e.Reason)
}

// TimeoutError reports a job that exceeded its flow execution timeout.
type TimeoutError struct {
	JobID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s: execution timeout", e.JobID)
}

// ValidationIssue describes one problem found by Flow.Validate.
type ValidationIssue struct {
	Severity string `json:"severity"` // "error" or "warning"
	Message  string `json:"message"`
}

// HasErrors reports whether any issue is error-severity; warnings alone leave
// a flow executable.
func HasErrors(issues []ValidationIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "error" {
			return true
		}
	}
	return false
}

// ValidationError aggregates build-time graph issues.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("flow validation failed with %d issue(s)", len(e.Issues))
}

// IsSlotOverflow reports whether err is (or wraps) a SlotOverflowError.
func IsSlotOverflow(err error) bool {
	var target *SlotOverflowError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}
