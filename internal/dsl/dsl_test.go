package dsl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/flow"
)

func init() {
	flow.RegisterLogic("dsl_test_noop", func(a *flow.Activation) error { return nil })
	flow.RegisterRoutineType("dsl_test_source", func(id string, config map[string]any) (*flow.Routine, error) {
		r := flow.NewRoutine(id)
		if _, err := r.AddSlot("trigger", flow.SlotOptions{}); err != nil {
			return nil, err
		}
		if _, err := r.AddEvent("out"); err != nil {
			return nil, err
		}
		r.SetActivationPolicy(flow.Immediate())
		for k, v := range config {
			r.SetConfig(k, v)
		}
		return r, nil
	})
}

const pipelineYAML = `
flow_id: pipeline
execution_timeout: 30s
error_policy:
  action: retry
  max_retries: 3
  delay: 100ms
routines:
  - id: extract
    type: dsl_test_source
    config:
      source: memory
    logic: dsl_test_noop
  - id: load
    slots:
      - name: input
        merge: append
        max_queue_length: 50
    policy:
      name: batch_size
      config:
        n: 10
        slot: input
    logic: dsl_test_noop
    error_policy:
      action: skip
connections:
  - from: extract.out
    to: load.input
`

func TestParseYAML(t *testing.T) {
	f, err := Parse([]byte(pipelineYAML))
	require.NoError(t, err)

	assert.Equal(t, "pipeline", f.ID())
	assert.Equal(t, 30*time.Second, f.ExecutionTimeout())

	policy := f.ErrorPolicyRef()
	require.NotNil(t, policy)
	assert.Equal(t, flow.ActionRetry, policy.Action)
	assert.Equal(t, 3, policy.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, policy.Delay)
	assert.Equal(t, 2.0, policy.Backoff, "retry backoff defaults when omitted")

	extract, ok := f.Routine("extract")
	require.True(t, ok)
	assert.Equal(t, "memory", extract.Config()["source"])
	_, ok = extract.Slot("trigger")
	assert.True(t, ok, "typed routines bring their own slots")

	load, ok := f.Routine("load")
	require.True(t, ok)
	assert.Equal(t, "batch_size", load.ActivationPolicyRef().Name())
	slot, ok := load.Slot("input")
	require.True(t, ok)
	assert.Equal(t, 50, slot.MaxQueueLength())
	require.NotNil(t, load.ErrorPolicyRef())
	assert.Equal(t, flow.ActionSkip, load.ErrorPolicyRef().Action)

	conns := f.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "extract", conns[0].SourceRoutine)
	assert.Equal(t, "out", conns[0].SourceEvent)
	assert.Equal(t, "load", conns[0].TargetRoutine)
	assert.Equal(t, "input", conns[0].TargetSlot)

	assert.False(t, flow.HasErrors(f.Validate()))
}

func TestParseJSONSubset(t *testing.T) {
	f, err := Parse([]byte(`{
		"flow_id": "jsonflow",
		"routines": [
			{"id": "only", "slots": [{"name": "input"}], "policy": {"name": "immediate"}, "logic": "dsl_test_noop"}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "jsonflow", f.ID())
	r, ok := f.Routine("only")
	require.True(t, ok)
	assert.Equal(t, "immediate", r.ActivationPolicyRef().Name())
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"missing flow id", `routines: [{id: r}]`},
		{"missing routine id", `{"flow_id": "f", "routines": [{"logic": "dsl_test_noop"}]}`},
		{"unregistered logic", `{"flow_id": "f", "routines": [{"id": "r", "logic": "nope"}]}`},
		{"unknown policy", `{"flow_id": "f", "routines": [{"id": "r", "policy": {"name": "nope"}}]}`},
		{"unknown routine type", `{"flow_id": "f", "routines": [{"id": "r", "type": "nope"}]}`},
		{"bad timeout", `{"flow_id": "f", "execution_timeout": "soon", "routines": []}`},
		{"bad error action", `{"flow_id": "f", "error_policy": {"action": "explode"}, "routines": []}`},
		{"bad connection ref", `{"flow_id": "f", "routines": [], "connections": [{"from": "a", "to": "b.input"}]}`},
		{"dangling connection", `{"flow_id": "f", "routines": [], "connections": [{"from": "a.out", "to": "b.input"}]}`},
		{"not yaml", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.in))
			assert.Error(t, err)
		})
	}
}

func TestRenderRoundTrip(t *testing.T) {
	f, err := Parse([]byte(pipelineYAML))
	require.NoError(t, err)

	data, err := Render(f)
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, f.ID(), again.ID())
	assert.Equal(t, f.RoutineIDs(), again.RoutineIDs())
	assert.Equal(t, f.Connections(), again.Connections())
	assert.Equal(t, f.ExecutionTimeout(), again.ExecutionTimeout())
	assert.Equal(t, f.ErrorPolicyRef(), again.ErrorPolicyRef())

	load, _ := again.Routine("load")
	assert.Equal(t, "batch_size", load.ActivationPolicyRef().Name())
	assert.NotNil(t, load.Logic())
}

func TestFromFlowOmitsQueueContents(t *testing.T) {
	f, err := Parse([]byte(pipelineYAML))
	require.NoError(t, err)

	r, _ := f.Routine("load")
	slot, _ := r.Slot("input")
	require.NoError(t, slot.Push("runtime state"))

	def := FromFlow(f)
	require.Len(t, def.Routines, 2)
	for _, rd := range def.Routines {
		for _, sd := range rd.Slots {
			assert.NotZero(t, sd.Name)
		}
	}

	data, err := Render(f)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "runtime state")
}
