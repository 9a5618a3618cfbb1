// Package builtin registers the stock logic and routine types shipped with
// the CLI. Flow definitions reference logic by registered name; these cover
// logging, forwarding, and collection without writing custom code.
package builtin

import (
	"weave/internal/flow"
	"weave/internal/logging"
)

var logger = logging.NewComponentLogger("builtin")

func init() {
	flow.RegisterLogic("log", logActivation)
	flow.RegisterLogic("passthrough", passthrough)
	flow.RegisterLogic("collect", collect)

	flow.RegisterRoutineType("relay", newRelay)
	flow.RegisterRoutineType("sink", newSink)
}

// logActivation writes every consumed value to the component log.
func logActivation(a *flow.Activation) error {
	for slot, values := range a.Data {
		for _, v := range values {
			logger.Info("routine %s slot %s: %v", a.Routine, slot, v)
		}
	}
	return nil
}

// passthrough forwards each consumed value on the routine's "out" event.
func passthrough(a *flow.Activation) error {
	for _, values := range a.Data {
		for _, v := range values {
			params, ok := v.(map[string]any)
			if !ok {
				params = map[string]any{"value": v}
			}
			if err := a.Emit("out", params); err != nil {
				return err
			}
		}
	}
	return nil
}

// collect appends consumed values to the routine's worker state under
// "values".
func collect(a *flow.Activation) error {
	for _, values := range a.Data {
		for _, v := range values {
			value := v
			a.State.MutateRoutineState(a.Routine, func(state map[string]any) {
				existing, _ := state["values"].([]any)
				state["values"] = append(existing, value)
			})
		}
	}
	return nil
}

// newRelay builds a routine that forwards its input on "out".
func newRelay(id string, config map[string]any) (*flow.Routine, error) {
	r := flow.NewRoutine(id)
	if _, err := r.AddSlot("input", flow.SlotOptions{}); err != nil {
		return nil, err
	}
	if _, err := r.AddEvent("out"); err != nil {
		return nil, err
	}
	r.SetActivationPolicy(flow.Immediate())
	r.SetLogic(passthrough)
	for k, v := range config {
		r.SetConfig(k, v)
	}
	return r, nil
}

// newSink builds a terminal routine that collects its input in worker state.
func newSink(id string, config map[string]any) (*flow.Routine, error) {
	r := flow.NewRoutine(id)
	if _, err := r.AddSlot("input", flow.SlotOptions{}); err != nil {
		return nil, err
	}
	r.SetActivationPolicy(flow.Immediate())
	r.SetLogic(collect)
	for k, v := range config {
		r.SetConfig(k, v)
	}
	return r, nil
}
