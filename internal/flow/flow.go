package flow

import (
	"fmt"
	"sync"
	"time"
)

// Flow is the static graph: routines plus connections. It is built once,
// registered under its id, and treated as immutable for execution. Mutation
// during execution is permitted but serialized behind the read-write lock and
// not recommended.
type Flow struct {
	id string

	mu       sync.RWMutex
	routines map[string]*Routine
	order    []string
	conns    []Connection

	errPolicy   *ErrorPolicy
	execTimeout time.Duration
}

// New creates an empty flow with the given id.
func New(id string) *Flow {
	return &Flow{
		id:       id,
		routines: make(map[string]*Routine),
	}
}

// ID returns the flow id.
func (f *Flow) ID() string { return f.id }

// AddRoutine registers a routine, enforcing unique ids within the flow.
func (f *Flow) AddRoutine(r *Routine) error {
	if r == nil {
		return &StateError{Entity: "flow " + f.id, Reason: "nil routine"}
	}
	if r.ID() == "" {
		return &StateError{Entity: "flow " + f.id, Reason: "routine id is required"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.routines[r.ID()]; exists {
		return &StateError{Entity: "flow " + f.id, Reason: fmt.Sprintf("routine id %q already exists", r.ID())}
	}
	f.routines[r.ID()] = r
	f.order = append(f.order, r.ID())
	return nil
}

// Routine returns a registered routine by id.
func (f *Flow) Routine(id string) (*Routine, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.routines[id]
	return r, ok
}

// RoutineIDs returns routine ids in registration order.
func (f *Flow) RoutineIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.order...)
}

// Routines returns the registered routines in registration order.
func (f *Flow) Routines() []*Routine {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Routine, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.routines[id])
	}
	return out
}

// Connect wires sourceRoutine.event into targetRoutine.slot. Both endpoints
// must already exist on routines added to the flow.
func (f *Flow) Connect(sourceRoutine, event, targetRoutine, slot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	src, ok := f.routines[sourceRoutine]
	if !ok {
		return &StateError{Entity: "flow " + f.id, Reason: fmt.Sprintf("unknown source routine %q", sourceRoutine)}
	}
	ev, ok := src.Event(event)
	if !ok {
		return &StateError{Entity: "flow " + f.id, Reason: fmt.Sprintf("routine %q has no event %q", sourceRoutine, event)}
	}
	dst, ok := f.routines[targetRoutine]
	if !ok {
		return &StateError{Entity: "flow " + f.id, Reason: fmt.Sprintf("unknown target routine %q", targetRoutine)}
	}
	if _, ok := dst.Slot(slot); !ok {
		return &StateError{Entity: "flow " + f.id, Reason: fmt.Sprintf("routine %q has no slot %q", targetRoutine, slot)}
	}

	conn := Connection{
		SourceRoutine: sourceRoutine,
		SourceEvent:   event,
		TargetRoutine: targetRoutine,
		TargetSlot:    slot,
	}
	ev.addConnection(conn)
	f.conns = append(f.conns, conn)
	return nil
}

// Connections returns a copy of the flow's wiring.
func (f *Flow) Connections() []Connection {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Connection(nil), f.conns...)
}

// SetErrorPolicy attaches the flow-level error policy fallback.
func (f *Flow) SetErrorPolicy(policy *ErrorPolicy) {
	f.mu.Lock()
	f.errPolicy = policy
	f.mu.Unlock()
}

// ErrorPolicyRef returns the flow-level error policy, or nil.
func (f *Flow) ErrorPolicyRef() *ErrorPolicy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.errPolicy
}

// SetExecutionTimeout arms a per-job cooperative deadline for jobs of this
// flow. Zero disables the timeout.
func (f *Flow) SetExecutionTimeout(d time.Duration) {
	f.mu.Lock()
	f.execTimeout = d
	f.mu.Unlock()
}

// ExecutionTimeout returns the per-job deadline, zero when disabled.
func (f *Flow) ExecutionTimeout() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.execTimeout
}

// Validate checks the graph and returns the issues found. Dangling endpoints
// are errors; cycles are reported as warnings only, since events are
// asynchronous and cycles are permitted at runtime.
func (f *Flow) Validate() []ValidationIssue {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var issues []ValidationIssue

	for _, conn := range f.conns {
		src, ok := f.routines[conn.SourceRoutine]
		if !ok {
			issues = append(issues, ValidationIssue{Severity: "error",
				Message: fmt.Sprintf("connection references unknown routine %q", conn.SourceRoutine)})
			continue
		}
		if _, ok := src.Event(conn.SourceEvent); !ok {
			issues = append(issues, ValidationIssue{Severity: "error",
				Message: fmt.Sprintf("connection references unknown event %s.%s", conn.SourceRoutine, conn.SourceEvent)})
		}
		dst, ok := f.routines[conn.TargetRoutine]
		if !ok {
			issues = append(issues, ValidationIssue{Severity: "error",
				Message: fmt.Sprintf("connection references unknown routine %q", conn.TargetRoutine)})
			continue
		}
		if _, ok := dst.Slot(conn.TargetSlot); !ok {
			issues = append(issues, ValidationIssue{Severity: "error",
				Message: fmt.Sprintf("connection references unknown slot %s.%s", conn.TargetRoutine, conn.TargetSlot)})
		}
	}

	for _, id := range f.order {
		r := f.routines[id]
		if r.Logic() == nil {
			issues = append(issues, ValidationIssue{Severity: "warning",
				Message: fmt.Sprintf("routine %q has no logic set", id)})
		}
		if r.ActivationPolicyRef() == nil {
			issues = append(issues, ValidationIssue{Severity: "warning",
				Message: fmt.Sprintf("routine %q has no activation policy set", id)})
		}
	}

	for _, cycle := range f.findCyclesLocked() {
		issues = append(issues, ValidationIssue{Severity: "warning",
			Message: fmt.Sprintf("cycle detected: %v (permitted at runtime, events are asynchronous)", cycle)})
	}

	return issues
}

// findCyclesLocked reports one representative cycle per strongly-connected
// loop found by DFS over the routine graph.
func (f *Flow) findCyclesLocked() [][]string {
	adj := make(map[string][]string)
	for _, conn := range f.conns {
		adj[conn.SourceRoutine] = append(adj[conn.SourceRoutine], conn.TargetRoutine)
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		state[id] = inStack
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch state[next] {
			case unvisited:
				visit(next)
			case inStack:
				for i, s := range stack {
					if s == next {
						cycles = append(cycles, append([]string(nil), stack[i:]...))
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for _, id := range f.order {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}
