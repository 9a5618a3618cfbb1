package flow

import (
	"encoding/json"
	"sort"
	"time"
)

// ConfigurablePolicy is implemented by policies that carry serializable
// parameters. Policies without it serialize as name only.
type ConfigurablePolicy interface {
	ActivationPolicy
	PolicyConfig() map[string]any
}

func (p *batchSizePolicy) PolicyConfig() map[string]any {
	return map[string]any{"n": p.n, "slot": p.slot}
}

func (p *watermarkPolicy) PolicyConfig() map[string]any {
	return map[string]any{"threshold": p.threshold, "slot": p.slot}
}

// PolicySnapshot names a policy and its parameters.
type PolicySnapshot struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// EventSnapshot is the serializable form of an event declaration.
type EventSnapshot struct {
	Name   string   `json:"name"`
	Params []string `json:"params,omitempty"`
}

// RoutineSnapshot is the serializable form of a routine, including slot queue
// contents so paused jobs can resume with their pending data.
type RoutineSnapshot struct {
	ID          string          `json:"id"`
	Slots       []SlotSnapshot  `json:"slots,omitempty"`
	Events      []EventSnapshot `json:"events,omitempty"`
	Policy      *PolicySnapshot `json:"policy,omitempty"`
	Logic       string          `json:"logic,omitempty"`
	ErrorPolicy *ErrorPolicy    `json:"error_policy,omitempty"`
	Config      map[string]any  `json:"config,omitempty"`
}

// FlowSnapshot is the serializable form of a flow graph.
type FlowSnapshot struct {
	FlowID           string            `json:"flow_id"`
	Routines         []RoutineSnapshot `json:"routines"`
	Connections      []Connection      `json:"connections,omitempty"`
	ErrorPolicy      *ErrorPolicy      `json:"error_policy,omitempty"`
	ExecutionTimeout time.Duration     `json:"execution_timeout,omitempty"`
}

// Snapshot captures the flow graph, policies by registered name, and pending
// slot data.
func (f *Flow) Snapshot() FlowSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := FlowSnapshot{
		FlowID:           f.id,
		Connections:      append([]Connection(nil), f.conns...),
		ErrorPolicy:      f.errPolicy,
		ExecutionTimeout: f.execTimeout,
	}
	for _, id := range f.order {
		snap.Routines = append(snap.Routines, f.routines[id].snapshot())
	}
	return snap
}

func (r *Routine) snapshot() RoutineSnapshot {
	snap := RoutineSnapshot{
		ID:          r.id,
		ErrorPolicy: r.ErrorPolicyRef(),
		Logic:       LogicName(r.Logic()),
	}
	if cfg := r.Config(); len(cfg) > 0 {
		snap.Config = cfg
	}
	for _, name := range r.SlotNames() {
		slot, _ := r.Slot(name)
		snap.Slots = append(snap.Slots, slot.snapshot())
	}
	for _, event := range r.eventsOrdered() {
		snap.Events = append(snap.Events, EventSnapshot{Name: event.Name(), Params: event.Params()})
	}
	if policy := r.ActivationPolicyRef(); policy != nil {
		ps := &PolicySnapshot{Name: policy.Name()}
		if cp, ok := policy.(ConfigurablePolicy); ok {
			ps.Config = cp.PolicyConfig()
		}
		snap.Policy = ps
	}
	return snap
}

// eventsOrdered returns events sorted by name for deterministic output.
func (r *Routine) eventsOrdered() []*Event {
	events := r.Events()
	names := make([]string, 0, len(events))
	for name := range events {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Event, 0, len(names))
	for _, name := range names {
		out = append(out, events[name])
	}
	return out
}

// Serialize renders the flow snapshot as deterministic JSON: re-serializing a
// deserialized flow yields byte-equal output.
func (f *Flow) Serialize() ([]byte, error) {
	data, err := json.MarshalIndent(f.Snapshot(), "", "  ")
	if err != nil {
		return nil, &SerializationError{Op: "serialize flow", Err: err}
	}
	return data, nil
}

// Deserialize rebuilds a flow from serialized form. Policies and logic are
// resolved through the named registries.
func Deserialize(data []byte) (*Flow, error) {
	var snap FlowSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &SerializationError{Op: "deserialize flow", Err: err}
	}
	return FromSnapshot(snap)
}

// FromSnapshot rebuilds a flow from its snapshot.
func FromSnapshot(snap FlowSnapshot) (*Flow, error) {
	f := New(snap.FlowID)
	f.errPolicy = snap.ErrorPolicy
	f.execTimeout = snap.ExecutionTimeout

	for _, rs := range snap.Routines {
		r := NewRoutine(rs.ID)
		for _, ss := range rs.Slots {
			slot, err := r.AddSlot(ss.Name, SlotOptions{
				Merge:            ss.Merge,
				MaxQueueLength:   ss.MaxQueueLength,
				ConsumeWatermark: ss.ConsumeWatermark,
			})
			if err != nil {
				return nil, &SerializationError{Op: "deserialize flow", Err: err}
			}
			slot.restore(ss)
		}
		for _, es := range rs.Events {
			if _, err := r.AddEvent(es.Name, es.Params...); err != nil {
				return nil, &SerializationError{Op: "deserialize flow", Err: err}
			}
		}
		if rs.Policy != nil {
			policy, err := BuildPolicy(rs.Policy.Name, rs.Policy.Config)
			if err != nil {
				return nil, &SerializationError{Op: "deserialize flow", Err: err}
			}
			r.SetActivationPolicy(policy)
		}
		if rs.Logic != "" {
			logic, ok := LogicByName(rs.Logic)
			if !ok {
				return nil, &SerializationError{Op: "deserialize flow",
					Err: &StateError{Entity: "routine " + rs.ID, Reason: "unregistered logic " + rs.Logic}}
			}
			r.SetLogic(logic)
		}
		if rs.ErrorPolicy != nil {
			r.SetErrorPolicy(rs.ErrorPolicy)
		}
		for k, v := range rs.Config {
			r.SetConfig(k, v)
		}
		if err := f.AddRoutine(r); err != nil {
			return nil, &SerializationError{Op: "deserialize flow", Err: err}
		}
	}

	for _, conn := range snap.Connections {
		if err := f.Connect(conn.SourceRoutine, conn.SourceEvent, conn.TargetRoutine, conn.TargetSlot); err != nil {
			return nil, &SerializationError{Op: "deserialize flow", Err: err}
		}
	}
	return f, nil
}

// SerializeJob renders a job snapshot as deterministic JSON.
func SerializeJob(job *JobContext) ([]byte, error) {
	data, err := json.MarshalIndent(job.Snapshot(), "", "  ")
	if err != nil {
		return nil, &SerializationError{Op: "serialize job", Err: err}
	}
	return data, nil
}

// DeserializeJob rebuilds a JobContext from serialized form.
func DeserializeJob(data []byte) (*JobContext, error) {
	var snap JobSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &SerializationError{Op: "deserialize job", Err: err}
	}
	return RestoreJob(snap), nil
}
