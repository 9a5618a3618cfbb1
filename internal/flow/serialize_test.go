package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	RegisterLogic("serialize_test_noop", func(a *Activation) error { return nil })
}

func buildSerializableFlow(t *testing.T) *Flow {
	t.Helper()
	f := New("pipeline")
	f.SetErrorPolicy(Retry(3, 0, 2.0))

	extract := NewRoutine("extract")
	_, err := extract.AddSlot("trigger", SlotOptions{Merge: MergeOverride, MaxQueueLength: 50, ConsumeWatermark: 5})
	require.NoError(t, err)
	_, err = extract.AddEvent("raw", "records")
	require.NoError(t, err)
	extract.SetActivationPolicy(Immediate())
	logic, _ := LogicByName("serialize_test_noop")
	extract.SetLogic(logic)
	extract.SetConfig("source", "memory")
	require.NoError(t, f.AddRoutine(extract))

	load := NewRoutine("load")
	_, err = load.AddSlot("input", SlotOptions{})
	require.NoError(t, err)
	load.SetActivationPolicy(BatchSize(10, "input"))
	load.SetLogic(logic)
	load.SetErrorPolicy(Skip())
	require.NoError(t, f.AddRoutine(load))

	require.NoError(t, f.Connect("extract", "raw", "load", "input"))
	return f
}

func TestFlowSerializeRoundTrip(t *testing.T) {
	f := buildSerializableFlow(t)

	// Pending slot data rides along.
	slot, _ := f.routines["load"].Slot("input")
	require.NoError(t, slot.Push("pending"))

	data, err := f.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, f.ID(), restored.ID())
	assert.Equal(t, f.RoutineIDs(), restored.RoutineIDs())
	assert.Equal(t, f.Connections(), restored.Connections())
	assert.Equal(t, f.ErrorPolicyRef(), restored.ErrorPolicyRef())

	r, ok := restored.Routine("load")
	require.True(t, ok)
	assert.Equal(t, "batch_size", r.ActivationPolicyRef().Name())
	assert.NotNil(t, r.Logic())
	restoredSlot, _ := r.Slot("input")
	assert.Equal(t, []any{"pending"}, restoredSlot.PeekUnconsumed())

	// Re-serializing the restored flow yields byte-equal output.
	again, err := restored.Serialize()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestDeserializeUnknownPolicy(t *testing.T) {
	_, err := Deserialize([]byte(`{
		"flow_id": "bad",
		"routines": [{"id": "r", "policy": {"name": "nope"}}]
	}`))
	require.Error(t, err)
	var serr *SerializationError
	assert.ErrorAs(t, err, &serr)
}

func TestDeserializeUnregisteredLogic(t *testing.T) {
	_, err := Deserialize([]byte(`{
		"flow_id": "bad",
		"routines": [{"id": "r", "logic": "never_registered"}]
	}`))
	assert.Error(t, err)
}

func TestJobSerializeRoundTrip(t *testing.T) {
	job := NewJobContext("j1", "w1", "pipeline", map[string]any{"origin": "test"})
	job.SetStatus(JobRunning)
	job.SetData("step", "extract")
	job.Trace("extract", "activated", nil)
	job.SetDebugCapture("extract", map[string][]any{"trigger": {"a", "b"}})

	data, err := SerializeJob(job)
	require.NoError(t, err)

	restored, err := DeserializeJob(data)
	require.NoError(t, err)

	assert.Equal(t, job.ID(), restored.ID())
	assert.Equal(t, job.Status(), restored.Status())
	assert.Equal(t, job.Metadata(), restored.Metadata())
	v, ok := restored.GetData("step")
	require.True(t, ok)
	assert.Equal(t, "extract", v)
	require.Len(t, restored.TraceLog(), 1)

	capture, ok := restored.DebugCaptureFor("extract")
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, capture.SlotData["trigger"])

	again, err := SerializeJob(restored)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}
