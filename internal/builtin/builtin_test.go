package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/flow"
)

func TestCollectAppendsToWorkerState(t *testing.T) {
	state := flow.NewWorkerState("w1")
	data := map[string][]any{"input": {"a", "b"}}
	a := flow.NewActivation("store", data, nil, nil, state, nil)

	require.NoError(t, collect(a))
	require.NoError(t, collect(a))

	values, _ := state.GetRoutineState("store")["values"].([]any)
	assert.Equal(t, []any{"a", "b", "a", "b"}, values)
}

func TestPassthroughForwardsEachValue(t *testing.T) {
	var emitted []map[string]any
	emit := func(event string, params map[string]any) error {
		assert.Equal(t, "out", event)
		emitted = append(emitted, params)
		return nil
	}

	data := map[string][]any{"input": {map[string]any{"k": 1}, "plain"}}
	a := flow.NewActivation("fwd", data, nil, nil, nil, emit)
	require.NoError(t, passthrough(a))

	require.Len(t, emitted, 2)
	assert.Equal(t, map[string]any{"k": 1}, emitted[0])
	assert.Equal(t, map[string]any{"value": "plain"}, emitted[1])
}

func TestRelayAndSinkTypes(t *testing.T) {
	relay, err := flow.BuildRoutine("relay", "ingest", map[string]any{"note": "x"})
	require.NoError(t, err)
	_, ok := relay.Slot("input")
	assert.True(t, ok)
	_, ok = relay.Event("out")
	assert.True(t, ok)
	assert.Equal(t, "x", relay.Config()["note"])

	sink, err := flow.BuildRoutine("sink", "store", nil)
	require.NoError(t, err)
	_, ok = sink.Slot("input")
	assert.True(t, ok)
	assert.NotNil(t, sink.Logic())
}

func TestLogLogicRegistered(t *testing.T) {
	logic, ok := flow.LogicByName("log")
	require.True(t, ok)

	a := flow.NewActivation("printer", map[string][]any{"input": {"hello"}}, nil, nil, nil, nil)
	assert.NoError(t, logic(a))
}
