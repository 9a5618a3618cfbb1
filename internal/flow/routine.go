package flow

import (
	"fmt"
	"sync"
	"time"
)

// Activation carries everything one invocation of routine logic may touch:
// the consumed slot data (post merge strategy), the policy message, the job
// context, and the worker state. Emit enqueues slot-push tasks through the
// dispatcher and never runs target logic synchronously.
type Activation struct {
	Routine string
	Data    map[string][]any
	Message any
	Job     *JobContext
	State   *WorkerState

	emit func(event string, params map[string]any) error
}

// NewActivation builds an activation envelope. The emit function is supplied
// by the dispatcher; a nil emit makes Emit fail, which keeps detached test
// activations honest.
func NewActivation(routineID string, data map[string][]any, message any, job *JobContext, state *WorkerState, emit func(string, map[string]any) error) *Activation {
	return &Activation{
		Routine: routineID,
		Data:    data,
		Message: message,
		Job:     job,
		State:   state,
		emit:    emit,
	}
}

// Emit delegates to the named event of the activating routine.
func (a *Activation) Emit(event string, params map[string]any) error {
	if a.emit == nil {
		return &StateError{Entity: "activation", Reason: "emit outside dispatcher"}
	}
	return a.emit(event, params)
}

// Logic is the user computation attached to a routine.
type Logic func(a *Activation) error

// Stats holds read-only per-routine counters.
type Stats struct {
	Activations     uint64    `json:"activations"`
	Errors          uint64    `json:"errors"`
	LastActivatedAt time.Time `json:"last_activated_at,omitempty"`
}

// Routine encapsulates slots, events, user logic, an activation policy and an
// optional error policy. After construction and wiring it is effectively
// immutable; per-job mutable data belongs in JobContext, per-worker data in
// WorkerState.
type Routine struct {
	id string

	mu        sync.RWMutex
	slots     map[string]*Slot
	slotOrder []string
	events    map[string]*Event
	config    map[string]any

	// policyMu guards the activation policy pointer; activation checks
	// re-read the pointer under this lock so a concurrent swap (e.g. a
	// breakpoint arming) is always honored.
	policyMu sync.Mutex
	policy   ActivationPolicy

	logicMu sync.RWMutex
	logic   Logic

	errPolicy *ErrorPolicy

	statsMu sync.Mutex
	stats   Stats
}

// NewRoutine constructs an empty routine with the given id.
func NewRoutine(id string) *Routine {
	return &Routine{
		id:     id,
		slots:  make(map[string]*Slot),
		events: make(map[string]*Event),
		config: make(map[string]any),
	}
}

// ID returns the routine id.
func (r *Routine) ID() string { return r.id }

// AddSlot declares a named input port. Slot names are unique per routine.
func (r *Routine) AddSlot(name string, opts SlotOptions) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		return nil, &StateError{Entity: "routine " + r.id, Reason: "slot name is required"}
	}
	if _, exists := r.slots[name]; exists {
		return nil, &StateError{Entity: "routine " + r.id, Reason: fmt.Sprintf("slot %q already exists", name)}
	}
	slot := newSlot(r.id, name, opts)
	r.slots[name] = slot
	r.slotOrder = append(r.slotOrder, name)
	return slot, nil
}

// AddEvent declares a named output port with advisory parameter names.
func (r *Routine) AddEvent(name string, params ...string) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		return nil, &StateError{Entity: "routine " + r.id, Reason: "event name is required"}
	}
	if _, exists := r.events[name]; exists {
		return nil, &StateError{Entity: "routine " + r.id, Reason: fmt.Sprintf("event %q already exists", name)}
	}
	event := newEvent(r.id, name, params)
	r.events[name] = event
	return event, nil
}

// Slot returns a declared slot by name.
func (r *Routine) Slot(name string) (*Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slots[name]
	return slot, ok
}

// Event returns a declared event by name.
func (r *Routine) Event(name string) (*Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	event, ok := r.events[name]
	return event, ok
}

// Slots returns the declared slots keyed by name, in declaration order.
func (r *Routine) Slots() map[string]*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Slot, len(r.slots))
	for name, slot := range r.slots {
		out[name] = slot
	}
	return out
}

// SlotNames returns slot names in declaration order.
func (r *Routine) SlotNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.slotOrder...)
}

// Events returns the declared events keyed by name.
func (r *Routine) Events() map[string]*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Event, len(r.events))
	for name, event := range r.events {
		out[name] = event
	}
	return out
}

// SetLogic attaches the user computation. Required before activation.
func (r *Routine) SetLogic(logic Logic) {
	r.logicMu.Lock()
	r.logic = logic
	r.logicMu.Unlock()
}

// Logic returns the attached computation, or nil.
func (r *Routine) Logic() Logic {
	r.logicMu.RLock()
	defer r.logicMu.RUnlock()
	return r.logic
}

// SetActivationPolicy installs the predicate deciding when this routine runs.
func (r *Routine) SetActivationPolicy(policy ActivationPolicy) {
	r.policyMu.Lock()
	r.policy = policy
	r.policyMu.Unlock()
}

// ActivationPolicyRef returns the currently installed policy, or nil.
func (r *Routine) ActivationPolicyRef() ActivationPolicy {
	r.policyMu.Lock()
	defer r.policyMu.Unlock()
	return r.policy
}

// SwapActivationPolicy atomically replaces the policy and returns the
// previous one. Used by the breakpoint engine.
func (r *Routine) SwapActivationPolicy(policy ActivationPolicy) ActivationPolicy {
	r.policyMu.Lock()
	defer r.policyMu.Unlock()
	prev := r.policy
	r.policy = policy
	return prev
}

// CheckActivation consults the activation policy against the routine's slots.
// The policy pointer is re-read under the policy lock, so a swap that landed
// after the check was scheduled still wins.
func (r *Routine) CheckActivation(job *JobContext) (Decision, error) {
	r.policyMu.Lock()
	policy := r.policy
	if policy == nil {
		r.policyMu.Unlock()
		return Decision{}, &StateError{Entity: "routine " + r.id, Reason: "no activation policy set"}
	}
	decision, err := policy.Check(r.Slots(), job)
	r.policyMu.Unlock()
	if err != nil {
		return Decision{}, &PolicyError{Routine: r.id, Err: err}
	}
	return decision, nil
}

// SetErrorPolicy attaches a routine-level error policy.
func (r *Routine) SetErrorPolicy(policy *ErrorPolicy) {
	r.mu.Lock()
	r.errPolicy = policy
	r.mu.Unlock()
}

// ErrorPolicyRef returns the routine-level error policy, or nil.
func (r *Routine) ErrorPolicyRef() *ErrorPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errPolicy
}

// SetConfig stores an opaque configuration value.
func (r *Routine) SetConfig(key string, value any) {
	r.mu.Lock()
	r.config[key] = value
	r.mu.Unlock()
}

// Config returns a copy of the configuration map.
func (r *Routine) Config() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.config))
	for k, v := range r.config {
		out[k] = v
	}
	return out
}

// RecordActivation bumps the activation counter.
func (r *Routine) RecordActivation() {
	r.statsMu.Lock()
	r.stats.Activations++
	r.stats.LastActivatedAt = time.Now()
	r.statsMu.Unlock()
}

// RecordError bumps the error counter.
func (r *Routine) RecordError() {
	r.statsMu.Lock()
	r.stats.Errors++
	r.statsMu.Unlock()
}

// Stats returns a copy of the routine counters.
func (r *Routine) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}
