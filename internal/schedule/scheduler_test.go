package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/engine"
	"weave/internal/flow"
)

func newTestRuntime(t *testing.T) *engine.Runtime {
	t.Helper()
	f := flow.New("scheduled")
	r := flow.NewRoutine("tick")
	_, err := r.AddSlot("trigger", flow.SlotOptions{})
	require.NoError(t, err)
	r.SetActivationPolicy(flow.Immediate())
	r.SetLogic(func(a *flow.Activation) error { return nil })
	require.NoError(t, f.AddRoutine(r))

	registry := flow.NewRegistry()
	require.NoError(t, registry.Register(f))

	rt := engine.New(
		engine.Config{ThreadPoolSize: 1},
		registry,
		engine.WithMetrics(engine.MustNewMetrics(prometheus.NewRegistry())),
	)
	rt.Start()
	t.Cleanup(func() { rt.Shutdown(false) })
	return rt
}

func TestRegisterAndRemove(t *testing.T) {
	s := New(Config{Enabled: true}, newTestRuntime(t), nil)

	trigger := Trigger{
		Name:      "hourly",
		Schedule:  "0 * * * *",
		FlowID:    "scheduled",
		RoutineID: "tick",
		Slot:      "trigger",
	}
	require.NoError(t, s.Register(trigger))
	assert.Equal(t, 1, s.TriggerCount())
	assert.Equal(t, []string{"hourly"}, s.TriggerNames())

	// Registering the same name again is a no-op.
	require.NoError(t, s.Register(trigger))
	assert.Equal(t, 1, s.TriggerCount())

	assert.True(t, s.Remove("hourly"))
	assert.False(t, s.Remove("hourly"))
	assert.Equal(t, 0, s.TriggerCount())
}

func TestRegisterValidation(t *testing.T) {
	s := New(Config{Enabled: true}, newTestRuntime(t), nil)

	assert.Error(t, s.Register(Trigger{Name: "no-schedule", FlowID: "f", RoutineID: "r", Slot: "s"}))
	assert.Error(t, s.Register(Trigger{Name: "no-target", Schedule: "* * * * *"}))
	assert.Error(t, s.Register(Trigger{
		Name: "bad-cron", Schedule: "not a cron",
		FlowID: "f", RoutineID: "r", Slot: "s",
	}))
	assert.Equal(t, 0, s.TriggerCount())
}

func TestStartRegistersConfiguredTriggers(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Triggers: []Trigger{
			{Name: "a", Schedule: "* * * * *", FlowID: "scheduled", RoutineID: "tick", Slot: "trigger"},
			{Name: "broken", Schedule: "bad"},
		},
	}
	s := New(cfg, newTestRuntime(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, 1, s.TriggerCount(), "invalid triggers are skipped, not fatal")

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}

func TestDisabledSchedulerDoesNothing(t *testing.T) {
	cfg := Config{
		Triggers: []Trigger{
			{Name: "a", Schedule: "* * * * *", FlowID: "scheduled", RoutineID: "tick", Slot: "trigger"},
		},
	}
	s := New(cfg, newTestRuntime(t), nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 0, s.TriggerCount())
	s.Stop()
}

func TestFirePostsIntoRuntime(t *testing.T) {
	rt := newTestRuntime(t)
	s := New(Config{Enabled: true}, rt, nil)

	s.fire(Trigger{
		Name:      "manual",
		FlowID:    "scheduled",
		RoutineID: "tick",
		Slot:      "trigger",
		Payload:   map[string]any{"source": "cron"},
	})
	require.True(t, rt.WaitUntilAllJobsFinished(5*time.Second))

	jobs := rt.Jobs().List()
	require.Len(t, jobs, 1)
	assert.Equal(t, flow.JobIdle, jobs[0].Status)

	// A trigger with a pinned job id reuses that job across fires.
	s.fire(Trigger{
		Name: "pinned", FlowID: "scheduled", RoutineID: "tick", Slot: "trigger",
		JobID: jobs[0].JobID,
	})
	require.True(t, rt.WaitUntilAllJobsFinished(5*time.Second))
	assert.Len(t, rt.Jobs().List(), 1, "no second job was created")

	// Bad targets are logged and swallowed, never panicking the cron thread.
	s.fire(Trigger{Name: "bad", FlowID: "nope", RoutineID: "tick", Slot: "trigger"})
}
