package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/engine"
	"weave/internal/flow"
)

const counterFlowYAML = `
flow_id: counting
routines:
  - id: counter
    slots:
      - name: input
    policy:
      name: immediate
    logic: monitor_test_count
`

func init() {
	flow.RegisterLogic("monitor_test_count", func(a *flow.Activation) error {
		a.State.MutateRoutineState("counter", func(state map[string]any) {
			n, _ := state["count"].(int)
			state["count"] = n + len(a.Data["input"])
		})
		return nil
	})
}

type testServer struct {
	*Server
	runtime  *engine.Runtime
	registry *prometheus.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	registry := prometheus.NewRegistry()
	rt := engine.New(
		engine.Config{ThreadPoolSize: 2},
		flow.NewRegistry(),
		engine.WithMetrics(engine.MustNewMetrics(registry)),
	)
	rt.Start()
	t.Cleanup(func() { rt.Shutdown(false) })

	srv := NewServer(rt, DefaultServerConfig(), registry, nil, nil)
	return &testServer{Server: srv, runtime: rt, registry: registry}
}

func (ts *testServer) do(t *testing.T, method, path string, body string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)

	var envelope APIResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	}
	return rec, envelope
}

func (ts *testServer) createCountingFlow(t *testing.T) {
	t.Helper()
	rec, env := ts.do(t, http.MethodPost, "/api/flows", counterFlowYAML)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, env.Success)
}

func (ts *testServer) createJob(t *testing.T, body string) string {
	t.Helper()
	rec, env := ts.do(t, http.MethodPost, "/api/jobs", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := env.Data.(map[string]any)
	jobID, _ := data["job_id"].(string)
	require.NotEmpty(t, jobID)
	return jobID
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec, env := ts.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)
	data := env.Data.(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.NotEmpty(t, data["worker_id"])
}

func TestFlowLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(t, http.MethodGet, "/api/flows", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	ts.createCountingFlow(t)

	// Duplicate registration conflicts.
	rec, env = ts.do(t, http.MethodPost, "/api/flows", counterFlowYAML)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, env.Success)

	rec, env = ts.do(t, http.MethodGet, "/api/flows/counting", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	rec, env = ts.do(t, http.MethodPost, "/api/flows/counting/validate", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	data := env.Data.(map[string]any)
	assert.Equal(t, true, data["valid"])

	rec, _ = ts.do(t, http.MethodGet, "/api/flows/counting/dsl", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "yaml")
	assert.Contains(t, rec.Body.String(), "flow_id: counting")

	rec, _ = ts.do(t, http.MethodGet, "/api/flows/counting/dsl?format=json", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"flow_id":"counting"`)

	rec, _ = ts.do(t, http.MethodGet, "/api/flows/counting/dsl?format=toml", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = ts.do(t, http.MethodDelete, "/api/flows/counting", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	rec, _ = ts.do(t, http.MethodGet, "/api/flows/counting", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateFlowRejectsBadDefinition(t *testing.T) {
	ts := newTestServer(t)
	rec, env := ts.do(t, http.MethodPost, "/api/flows", `{"flow_id": "", "routines": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Error)
}

func TestJobLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.createCountingFlow(t)

	jobID := ts.createJob(t, `{"flow_id": "counting", "entry_routine_id": "counter", "entry_params": 1}`)
	require.True(t, ts.runtime.WaitUntilAllJobsFinished(5*time.Second))

	rec, env := ts.do(t, http.MethodGet, "/api/jobs/"+jobID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	data := env.Data.(map[string]any)
	assert.Equal(t, "idle", data["status"])

	rec, env = ts.do(t, http.MethodGet, "/api/jobs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	rec, _ = ts.do(t, http.MethodPost, "/api/jobs/"+jobID+"/pause", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = ts.do(t, http.MethodPost, "/api/jobs/"+jobID+"/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = ts.do(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = ts.do(t, http.MethodGet, "/api/jobs/"+jobID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	data = env.Data.(map[string]any)
	assert.Equal(t, "failed", data["status"])

	rec, _ = ts.do(t, http.MethodGet, "/api/jobs/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = ts.do(t, http.MethodPost, "/api/jobs/ghost/pause", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateJobValidation(t *testing.T) {
	ts := newTestServer(t)
	ts.createCountingFlow(t)

	rec, _ := ts.do(t, http.MethodPost, "/api/jobs", `{"flow_id": "nope", "entry_routine_id": "counter"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/jobs", `{"flow_id": "counting", "entry_routine_id": "nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/jobs", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Single-slot routines do not need an explicit entry_slot.
	jobID := ts.createJob(t, `{"flow_id": "counting", "entry_routine_id": "counter"}`)
	assert.NotEmpty(t, jobID)
}

func TestBreakpointEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.createCountingFlow(t)

	jobID := ts.createJob(t, `{"flow_id": "counting", "entry_routine_id": "counter", "entry_params": 1}`)
	require.True(t, ts.runtime.WaitUntilAllJobsFinished(5*time.Second))

	rec, env := ts.do(t, http.MethodPost, "/api/jobs/"+jobID+"/breakpoints", `{"type": "routine", "routine_id": "counter"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bp := env.Data.(map[string]any)
	assert.Equal(t, "counter", bp["routine_id"])
	assert.Equal(t, true, bp["enabled"])

	// Captured data shows up under the debug endpoints.
	body := fmt.Sprintf(`{"flow_id": "counting", "entry_routine_id": "counter", "entry_params": 2, "metadata": {"job_id": %q}}`, jobID)
	rec, _ = ts.do(t, http.MethodPost, "/api/jobs", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, ts.runtime.WaitUntilAllJobsFinished(5*time.Second))

	rec, env = ts.do(t, http.MethodGet, "/api/jobs/"+jobID+"/debug/data?routine_id=counter", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	capture := env.Data.(map[string]any)
	assert.NotEmpty(t, capture["slot_data"])

	rec, env = ts.do(t, http.MethodGet, "/api/jobs/"+jobID+"/breakpoints", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.Data.([]any), 1)

	rec, _ = ts.do(t, http.MethodPost, "/api/jobs/"+jobID+"/breakpoints", `{"type": "stack", "routine_id": "counter"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = ts.do(t, http.MethodPost, "/api/jobs/"+jobID+"/breakpoints", `{"routine_id": "counter", "enabled": false}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, env.Data.(map[string]any)["enabled"])

	rec, _ = ts.do(t, http.MethodDelete, "/api/jobs/"+jobID+"/breakpoints/counter", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = ts.do(t, http.MethodDelete, "/api/jobs/"+jobID+"/breakpoints/counter", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.createCountingFlow(t)
	ts.createJob(t, `{"flow_id": "counting", "entry_routine_id": "counter", "entry_params": 1}`)
	require.True(t, ts.runtime.WaitUntilAllJobsFinished(5*time.Second))

	rec, _ := ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "weave_routine_executions_total")
}
