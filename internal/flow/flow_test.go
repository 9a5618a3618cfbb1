package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildLinearFlow(t *testing.T) *Flow {
	t.Helper()
	f := New("linear")

	src := NewRoutine("src")
	_, err := src.AddSlot("trigger", SlotOptions{})
	require.NoError(t, err)
	_, err = src.AddEvent("out", "value")
	require.NoError(t, err)
	src.SetActivationPolicy(Immediate())
	src.SetLogic(func(a *Activation) error { return nil })
	require.NoError(t, f.AddRoutine(src))

	dst := NewRoutine("dst")
	_, err = dst.AddSlot("input", SlotOptions{})
	require.NoError(t, err)
	dst.SetActivationPolicy(Immediate())
	dst.SetLogic(func(a *Activation) error { return nil })
	require.NoError(t, f.AddRoutine(dst))

	require.NoError(t, f.Connect("src", "out", "dst", "input"))
	return f
}

func TestFlowAddRoutineDuplicate(t *testing.T) {
	f := New("dup")
	require.NoError(t, f.AddRoutine(NewRoutine("a")))
	assert.Error(t, f.AddRoutine(NewRoutine("a")))
	assert.Error(t, f.AddRoutine(NewRoutine("")))
}

func TestFlowConnectValidation(t *testing.T) {
	f := buildLinearFlow(t)

	assert.Error(t, f.Connect("nope", "out", "dst", "input"))
	assert.Error(t, f.Connect("src", "nope", "dst", "input"))
	assert.Error(t, f.Connect("src", "out", "nope", "input"))
	assert.Error(t, f.Connect("src", "out", "dst", "nope"))

	conns := f.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "src", conns[0].SourceRoutine)
	assert.Equal(t, "input", conns[0].TargetSlot)
}

func TestFlowValidateClean(t *testing.T) {
	f := buildLinearFlow(t)
	assert.Empty(t, f.Validate())
}

func TestFlowValidateWarnings(t *testing.T) {
	f := New("warn")
	bare := NewRoutine("bare")
	_, err := bare.AddSlot("input", SlotOptions{})
	require.NoError(t, err)
	require.NoError(t, f.AddRoutine(bare))

	issues := f.Validate()
	require.Len(t, issues, 2)
	for _, issue := range issues {
		assert.Equal(t, "warning", issue.Severity)
	}
	assert.False(t, HasErrors(issues))
}

func TestFlowValidateCycleIsWarning(t *testing.T) {
	f := New("cycle")
	for _, id := range []string{"a", "b"} {
		r := NewRoutine(id)
		_, err := r.AddSlot("input", SlotOptions{})
		require.NoError(t, err)
		_, err = r.AddEvent("out")
		require.NoError(t, err)
		r.SetActivationPolicy(Immediate())
		r.SetLogic(func(a *Activation) error { return nil })
		require.NoError(t, f.AddRoutine(r))
	}
	require.NoError(t, f.Connect("a", "out", "b", "input"))
	require.NoError(t, f.Connect("b", "out", "a", "input"))

	issues := f.Validate()
	require.Len(t, issues, 1)
	assert.Equal(t, "warning", issues[0].Severity)
	assert.Contains(t, issues[0].Message, "cycle")
}

func TestEventBuildPayload(t *testing.T) {
	r := NewRoutine("r")

	// Declared params: unexpected keys are rejected, missing ones are nil.
	ev, err := r.AddEvent("typed", "a", "b")
	require.NoError(t, err)

	payload, err := ev.BuildPayload(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, payload["a"])
	assert.Nil(t, payload["b"])

	_, err = ev.BuildPayload(map[string]any{"a": 1, "c": 3})
	assert.Error(t, err)

	// No declared params: payload passes through verbatim.
	free, err := r.AddEvent("free")
	require.NoError(t, err)
	payload, err = free.BuildPayload(map[string]any{"anything": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"anything": true}, payload)
}

func TestRoutineCheckActivationRereadsPolicy(t *testing.T) {
	r := NewRoutine("r")
	_, err := r.AddSlot("input", SlotOptions{})
	require.NoError(t, err)
	slot, _ := r.Slot("input")
	require.NoError(t, slot.Push("x"))

	r.SetActivationPolicy(Immediate())
	prev := r.SwapActivationPolicy(Custom("deny", func(map[string]*Slot, *JobContext) (Decision, error) {
		return Decision{}, nil
	}))
	assert.Equal(t, "immediate", prev.Name())

	decision, err := r.CheckActivation(nil)
	require.NoError(t, err)
	assert.False(t, decision.Activate, "swapped-in policy must win")
}

func TestRoutineCheckActivationErrors(t *testing.T) {
	r := NewRoutine("r")
	_, err := r.CheckActivation(nil)
	assert.Error(t, err, "no policy set")

	r.SetActivationPolicy(BatchSize(2, "missing"))
	_, err = r.CheckActivation(nil)
	require.Error(t, err)
	var policyErr *PolicyError
	assert.ErrorAs(t, err, &policyErr)
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(New("one")))
	assert.Error(t, reg.Register(New("one")))
	assert.Error(t, reg.Register(nil))

	f, ok := reg.Get("one")
	require.True(t, ok)
	assert.Equal(t, "one", f.ID())

	assert.True(t, reg.Remove("one"))
	assert.False(t, reg.Remove("one"))
}

func TestWorkerStateRoundTrip(t *testing.T) {
	w := NewWorkerState("w1")
	w.UpdateRoutineState("counter", map[string]any{"count": 3})
	w.MutateRoutineState("counter", func(state map[string]any) {
		state["count"] = state["count"].(int) + 1
	})

	assert.Equal(t, 4, w.GetRoutineState("counter")["count"])

	snap := w.Snapshot()
	restored := NewWorkerState("w2")
	restored.Restore(snap)
	assert.Equal(t, 4, restored.GetRoutineState("counter")["count"])
}

func TestJobContextLifecycle(t *testing.T) {
	j := NewJobContext("j1", "w1", "f1", map[string]any{"who": "test"})
	assert.Equal(t, JobPending, j.Status())

	require.True(t, j.SetStatus(JobRunning))
	require.True(t, j.MarkIdle())
	require.True(t, j.Revive())
	assert.Equal(t, JobRunning, j.Status())

	j.Complete(JobCompleted, nil)
	assert.Equal(t, JobCompleted, j.Status())
	assert.False(t, j.SetStatus(JobRunning), "terminal status is final")
	assert.False(t, j.Revive(), "completed jobs are not revivable")
}

func TestJobContextExplicitCompleteBlocksIdle(t *testing.T) {
	j := NewJobContext("j1", "w1", "f1", nil)
	j.SetStatus(JobRunning)
	j.Complete(JobCompleted, nil)
	assert.False(t, j.MarkIdle())
}
