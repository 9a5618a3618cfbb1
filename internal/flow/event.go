package flow

import (
	"fmt"
	"sync"
)

// Connection wires one event to one slot. Endpoints are held by name so a
// connection stays valid across serialization.
type Connection struct {
	SourceRoutine string `json:"source_routine" yaml:"source_routine"`
	SourceEvent   string `json:"source_event" yaml:"source_event"`
	TargetRoutine string `json:"target_routine" yaml:"target_routine"`
	TargetSlot    string `json:"target_slot" yaml:"target_slot"`
}

// Event is a named output port. Declared parameter names are advisory: a
// payload built from them delivers missing parameters as nil and rejects
// unexpected ones.
type Event struct {
	name    string
	routine string
	params  []string

	mu    sync.RWMutex
	conns []Connection
}

func newEvent(routineID, name string, params []string) *Event {
	return &Event{
		name:    name,
		routine: routineID,
		params:  append([]string(nil), params...),
	}
}

// Name returns the event name.
func (e *Event) Name() string { return e.name }

// RoutineID returns the id of the owning routine.
func (e *Event) RoutineID() string { return e.routine }

// Params returns the declared output parameter names.
func (e *Event) Params() []string {
	return append([]string(nil), e.params...)
}

// Connections returns a copy of the outgoing wiring.
func (e *Event) Connections() []Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Connection(nil), e.conns...)
}

func (e *Event) addConnection(conn Connection) {
	e.mu.Lock()
	e.conns = append(e.conns, conn)
	e.mu.Unlock()
}

// BuildPayload assembles the emitted payload from the declared parameters.
// With no declared parameters the input map is passed through verbatim.
func (e *Event) BuildPayload(params map[string]any) (map[string]any, error) {
	if len(e.params) == 0 {
		if params == nil {
			return map[string]any{}, nil
		}
		payload := make(map[string]any, len(params))
		for k, v := range params {
			payload[k] = v
		}
		return payload, nil
	}

	declared := make(map[string]bool, len(e.params))
	for _, p := range e.params {
		declared[p] = true
	}
	for k := range params {
		if !declared[k] {
			return nil, fmt.Errorf("event %s.%s: unexpected parameter %q", e.routine, e.name, k)
		}
	}
	payload := make(map[string]any, len(e.params))
	for _, p := range e.params {
		payload[p] = params[p] // missing declared params stay nil
	}
	return payload, nil
}
