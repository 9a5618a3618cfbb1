// Package dsl parses declarative flow definitions. Definitions are YAML (JSON
// parses as a YAML subset) and reference routine logic and activation policies
// by registered name only; no code is ever stored in a definition.
package dsl

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"weave/internal/flow"
)

// Definition is the top-level declarative form of a flow.
type Definition struct {
	FlowID           string           `yaml:"flow_id" json:"flow_id"`
	ExecutionTimeout string           `yaml:"execution_timeout,omitempty" json:"execution_timeout,omitempty"`
	ErrorPolicy      *ErrorPolicyDef  `yaml:"error_policy,omitempty" json:"error_policy,omitempty"`
	Routines         []RoutineDef     `yaml:"routines" json:"routines"`
	Connections      []ConnectionDef  `yaml:"connections,omitempty" json:"connections,omitempty"`
}

// RoutineDef declares one routine, either from a registered routine type or
// inline from slots, events, policy, and logic.
type RoutineDef struct {
	ID          string          `yaml:"id" json:"id"`
	Type        string          `yaml:"type,omitempty" json:"type,omitempty"`
	Config      map[string]any  `yaml:"config,omitempty" json:"config,omitempty"`
	Slots       []SlotDef       `yaml:"slots,omitempty" json:"slots,omitempty"`
	Events      []EventDef      `yaml:"events,omitempty" json:"events,omitempty"`
	Policy      *PolicyDef      `yaml:"policy,omitempty" json:"policy,omitempty"`
	Logic       string          `yaml:"logic,omitempty" json:"logic,omitempty"`
	ErrorPolicy *ErrorPolicyDef `yaml:"error_policy,omitempty" json:"error_policy,omitempty"`
}

// SlotDef declares one input slot.
type SlotDef struct {
	Name             string `yaml:"name" json:"name"`
	Merge            string `yaml:"merge,omitempty" json:"merge,omitempty"`
	MaxQueueLength   int    `yaml:"max_queue_length,omitempty" json:"max_queue_length,omitempty"`
	ConsumeWatermark int    `yaml:"consume_watermark,omitempty" json:"consume_watermark,omitempty"`
}

// EventDef declares one output event and its parameter names.
type EventDef struct {
	Name   string   `yaml:"name" json:"name"`
	Params []string `yaml:"params,omitempty" json:"params,omitempty"`
}

// PolicyDef names an activation policy plus its config.
type PolicyDef struct {
	Name   string         `yaml:"name" json:"name"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// ErrorPolicyDef is the declarative error policy; delay is a duration string.
type ErrorPolicyDef struct {
	Action     string  `yaml:"action" json:"action"`
	MaxRetries int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Delay      string  `yaml:"delay,omitempty" json:"delay,omitempty"`
	Backoff    float64 `yaml:"backoff,omitempty" json:"backoff,omitempty"`
}

// ConnectionDef wires "routine.event" to "routine.slot".
type ConnectionDef struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Parse decodes a definition and builds the flow it describes.
func Parse(data []byte) (*flow.Flow, error) {
	def, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return def.Build()
}

// Decode unmarshals a definition without building it.
func Decode(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &flow.SerializationError{Op: "decode flow definition", Err: err}
	}
	return &def, nil
}

// Build constructs the flow graph a definition describes, resolving routine
// types, policies, and logic through the named registries.
func (d *Definition) Build() (*flow.Flow, error) {
	if d.FlowID == "" {
		return nil, fmt.Errorf("flow definition: flow_id is required")
	}
	f := flow.New(d.FlowID)

	if d.ExecutionTimeout != "" {
		timeout, err := time.ParseDuration(d.ExecutionTimeout)
		if err != nil {
			return nil, fmt.Errorf("flow %s: bad execution_timeout: %w", d.FlowID, err)
		}
		f.SetExecutionTimeout(timeout)
	}
	if d.ErrorPolicy != nil {
		policy, err := d.ErrorPolicy.build()
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", d.FlowID, err)
		}
		f.SetErrorPolicy(policy)
	}

	for _, rd := range d.Routines {
		r, err := rd.build()
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", d.FlowID, err)
		}
		if err := f.AddRoutine(r); err != nil {
			return nil, err
		}
	}

	for _, cd := range d.Connections {
		srcRoutine, srcEvent, err := splitRef(cd.From)
		if err != nil {
			return nil, fmt.Errorf("flow %s: bad connection source %q: %w", d.FlowID, cd.From, err)
		}
		dstRoutine, dstSlot, err := splitRef(cd.To)
		if err != nil {
			return nil, fmt.Errorf("flow %s: bad connection target %q: %w", d.FlowID, cd.To, err)
		}
		if err := f.Connect(srcRoutine, srcEvent, dstRoutine, dstSlot); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (rd RoutineDef) build() (*flow.Routine, error) {
	if rd.ID == "" {
		return nil, fmt.Errorf("routine definition: id is required")
	}

	var r *flow.Routine
	if rd.Type != "" {
		built, err := flow.BuildRoutine(rd.Type, rd.ID, rd.Config)
		if err != nil {
			return nil, fmt.Errorf("routine %s: %w", rd.ID, err)
		}
		r = built
	} else {
		r = flow.NewRoutine(rd.ID)
		for k, v := range rd.Config {
			r.SetConfig(k, v)
		}
	}

	for _, sd := range rd.Slots {
		if _, err := r.AddSlot(sd.Name, flow.SlotOptions{
			Merge:            flow.MergeStrategy(sd.Merge),
			MaxQueueLength:   sd.MaxQueueLength,
			ConsumeWatermark: sd.ConsumeWatermark,
		}); err != nil {
			return nil, fmt.Errorf("routine %s: %w", rd.ID, err)
		}
	}
	for _, ed := range rd.Events {
		if _, err := r.AddEvent(ed.Name, ed.Params...); err != nil {
			return nil, fmt.Errorf("routine %s: %w", rd.ID, err)
		}
	}
	if rd.Policy != nil {
		policy, err := flow.BuildPolicy(rd.Policy.Name, rd.Policy.Config)
		if err != nil {
			return nil, fmt.Errorf("routine %s: %w", rd.ID, err)
		}
		r.SetActivationPolicy(policy)
	}
	if rd.Logic != "" {
		logic, ok := flow.LogicByName(rd.Logic)
		if !ok {
			return nil, fmt.Errorf("routine %s: unregistered logic %q", rd.ID, rd.Logic)
		}
		r.SetLogic(logic)
	}
	if rd.ErrorPolicy != nil {
		policy, err := rd.ErrorPolicy.build()
		if err != nil {
			return nil, fmt.Errorf("routine %s: %w", rd.ID, err)
		}
		r.SetErrorPolicy(policy)
	}
	return r, nil
}

func (ed *ErrorPolicyDef) build() (*flow.ErrorPolicy, error) {
	policy := &flow.ErrorPolicy{
		Action:     flow.ErrorAction(ed.Action),
		MaxRetries: ed.MaxRetries,
		Backoff:    ed.Backoff,
	}
	switch policy.Action {
	case flow.ActionStop, flow.ActionContinue, flow.ActionSkip, flow.ActionRetry:
	default:
		return nil, fmt.Errorf("unknown error action %q", ed.Action)
	}
	if ed.Delay != "" {
		delay, err := time.ParseDuration(ed.Delay)
		if err != nil {
			return nil, fmt.Errorf("bad error policy delay: %w", err)
		}
		policy.Delay = delay
	}
	if policy.Action == flow.ActionRetry && policy.Backoff <= 0 {
		policy.Backoff = 2.0
	}
	return policy, nil
}

func splitRef(ref string) (string, string, error) {
	parts := strings.Split(ref, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("want \"routine.name\"")
	}
	return parts[0], parts[1], nil
}

// FromFlow renders a flow graph back to its declarative form. Slot queue
// contents are runtime state and are not part of a definition.
func FromFlow(f *flow.Flow) *Definition {
	snap := f.Snapshot()
	def := &Definition{FlowID: snap.FlowID}
	if snap.ExecutionTimeout > 0 {
		def.ExecutionTimeout = snap.ExecutionTimeout.String()
	}
	if snap.ErrorPolicy != nil {
		def.ErrorPolicy = errorPolicyDef(snap.ErrorPolicy)
	}

	for _, rs := range snap.Routines {
		rd := RoutineDef{ID: rs.ID, Logic: rs.Logic, Config: rs.Config}
		for _, ss := range rs.Slots {
			rd.Slots = append(rd.Slots, SlotDef{
				Name:             ss.Name,
				Merge:            string(ss.Merge),
				MaxQueueLength:   ss.MaxQueueLength,
				ConsumeWatermark: ss.ConsumeWatermark,
			})
		}
		for _, es := range rs.Events {
			rd.Events = append(rd.Events, EventDef{Name: es.Name, Params: es.Params})
		}
		if rs.Policy != nil {
			rd.Policy = &PolicyDef{Name: rs.Policy.Name, Config: rs.Policy.Config}
		}
		if rs.ErrorPolicy != nil {
			rd.ErrorPolicy = errorPolicyDef(rs.ErrorPolicy)
		}
		def.Routines = append(def.Routines, rd)
	}

	for _, conn := range snap.Connections {
		def.Connections = append(def.Connections, ConnectionDef{
			From: conn.SourceRoutine + "." + conn.SourceEvent,
			To:   conn.TargetRoutine + "." + conn.TargetSlot,
		})
	}
	return def
}

func errorPolicyDef(p *flow.ErrorPolicy) *ErrorPolicyDef {
	def := &ErrorPolicyDef{
		Action:     string(p.Action),
		MaxRetries: p.MaxRetries,
		Backoff:    p.Backoff,
	}
	if p.Delay > 0 {
		def.Delay = p.Delay.String()
	}
	return def
}

// Render marshals a flow's declarative form as YAML.
func Render(f *flow.Flow) ([]byte, error) {
	data, err := yaml.Marshal(FromFlow(f))
	if err != nil {
		return nil, &flow.SerializationError{Op: "render flow definition", Err: err}
	}
	return data, nil
}
