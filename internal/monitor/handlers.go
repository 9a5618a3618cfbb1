package monitor

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"weave/internal/dsl"
	"weave/internal/flow"
)

// APIResponse is the uniform REST envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, APIResponse{Success: false, Error: err.Error()})
}

func failMsg(c *gin.Context, status int, msg string) {
	c.JSON(status, APIResponse{Success: false, Error: msg})
}

type healthResponse struct {
	Status    string    `json:"status"`
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ok(c, healthResponse{
		Status:    "ok",
		WorkerID:  s.runtime.WorkerID(),
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	})
}

type flowSummary struct {
	FlowID   string   `json:"flow_id"`
	Routines []string `json:"routines"`
}

func (s *Server) handleListFlows(c *gin.Context) {
	registry := s.runtime.Flows()
	summaries := make([]flowSummary, 0)
	for _, id := range registry.IDs() {
		f, found := registry.Get(id)
		if !found {
			continue
		}
		summaries = append(summaries, flowSummary{FlowID: id, Routines: f.RoutineIDs()})
	}
	ok(c, summaries)
}

// handleCreateFlow registers a flow from a YAML or JSON definition. An empty
// body registers an empty flow under a generated id.
func (s *Server) handleCreateFlow(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	var f *flow.Flow
	if len(body) == 0 {
		f = flow.New(uuid.NewString())
	} else {
		f, err = dsl.Parse(body)
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.runtime.Flows().Register(f); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	ok(c, flowSummary{FlowID: f.ID(), Routines: f.RoutineIDs()})
}

func (s *Server) handleGetFlow(c *gin.Context) {
	f, found := s.runtime.Flows().Get(c.Param("flow_id"))
	if !found {
		failMsg(c, http.StatusNotFound, "flow not found")
		return
	}
	ok(c, f.Snapshot())
}

func (s *Server) handleDeleteFlow(c *gin.Context) {
	if !s.runtime.Flows().Remove(c.Param("flow_id")) {
		failMsg(c, http.StatusNotFound, "flow not found")
		return
	}
	ok(c, gin.H{"deleted": true})
}

func (s *Server) handleValidateFlow(c *gin.Context) {
	f, found := s.runtime.Flows().Get(c.Param("flow_id"))
	if !found {
		failMsg(c, http.StatusNotFound, "flow not found")
		return
	}
	issues := f.Validate()
	ok(c, gin.H{"issues": issues, "valid": !flow.HasErrors(issues)})
}

// handleFlowDSL renders the flow's declarative form; ?format=yaml|json,
// default yaml.
func (s *Server) handleFlowDSL(c *gin.Context) {
	f, found := s.runtime.Flows().Get(c.Param("flow_id"))
	if !found {
		failMsg(c, http.StatusNotFound, "flow not found")
		return
	}
	switch c.DefaultQuery("format", "yaml") {
	case "json":
		c.JSON(http.StatusOK, dsl.FromFlow(f))
	case "yaml":
		data, err := dsl.Render(f)
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		c.Data(http.StatusOK, "application/yaml", data)
	default:
		failMsg(c, http.StatusBadRequest, "format must be yaml or json")
	}
}

type createJobRequest struct {
	FlowID         string          `json:"flow_id"`
	EntryRoutineID string          `json:"entry_routine_id"`
	EntrySlot      string          `json:"entry_slot,omitempty"`
	EntryParams    json.RawMessage `json:"entry_params,omitempty"`
	Timeout        string          `json:"timeout,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

type createJobResponse struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
}

// handleCreateJob posts a payload into a flow's entry slot. When entry_slot is
// omitted the routine's single slot is used.
func (s *Server) handleCreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	f, found := s.runtime.Flows().Get(req.FlowID)
	if !found {
		failMsg(c, http.StatusNotFound, "flow not found")
		return
	}
	r, found := f.Routine(req.EntryRoutineID)
	if !found {
		failMsg(c, http.StatusNotFound, "routine not found")
		return
	}

	slotName := req.EntrySlot
	if slotName == "" {
		names := r.SlotNames()
		if len(names) != 1 {
			failMsg(c, http.StatusBadRequest, "entry_slot is required when the routine has multiple slots")
			return
		}
		slotName = names[0]
	}

	var payload any
	if len(req.EntryParams) > 0 {
		if err := json.Unmarshal(req.EntryParams, &payload); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	} else {
		payload = map[string]any{}
	}

	workerID, jobID, err := s.runtime.Post(req.FlowID, req.EntryRoutineID, slotName, payload, req.Metadata)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	if req.Timeout != "" {
		timeout, err := time.ParseDuration(req.Timeout)
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		if job, found := s.runtime.Jobs().Get(jobID); found {
			job.SetDeadline(time.Now().Add(timeout))
		}
	}
	ok(c, createJobResponse{JobID: jobID, WorkerID: workerID})
}

func (s *Server) handleListJobs(c *gin.Context) {
	ok(c, s.runtime.Jobs().List())
}

func (s *Server) handleGetJob(c *gin.Context) {
	snap, found := s.runtime.Jobs().Snapshot(c.Param("job_id"))
	if !found {
		failMsg(c, http.StatusNotFound, "job not found")
		return
	}
	ok(c, snap)
}

func (s *Server) handlePauseJob(c *gin.Context) {
	if err := s.runtime.PauseJob(c.Param("job_id")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	ok(c, gin.H{"paused": true})
}

func (s *Server) handleResumeJob(c *gin.Context) {
	if err := s.runtime.ResumeJob(c.Param("job_id")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	ok(c, gin.H{"resumed": true})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	if err := s.runtime.CancelJob(c.Param("job_id")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	ok(c, gin.H{"canceled": true})
}

type breakpointRequest struct {
	Type      string `json:"type"`
	RoutineID string `json:"routine_id"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

// handleInstallBreakpoint arms or toggles a routine breakpoint for a job.
func (s *Server) handleInstallBreakpoint(c *gin.Context) {
	jobID := c.Param("job_id")

	var req breakpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if req.Type != "" && req.Type != "routine" {
		failMsg(c, http.StatusBadRequest, "only routine breakpoints are supported")
		return
	}

	job, found := s.runtime.Jobs().Get(jobID)
	if !found {
		failMsg(c, http.StatusNotFound, "job not found")
		return
	}
	f, found := s.runtime.Flows().Get(job.FlowID())
	if !found {
		failMsg(c, http.StatusNotFound, "flow not found")
		return
	}

	if req.Enabled != nil && !*req.Enabled {
		if !s.runtime.Breakpoints().SetEnabled(jobID, req.RoutineID, false) {
			failMsg(c, http.StatusNotFound, "breakpoint not found")
			return
		}
		bp, _ := s.runtime.Breakpoints().Get(jobID, req.RoutineID)
		ok(c, bp)
		return
	}

	bp, err := s.runtime.Breakpoints().Install(f, jobID, req.RoutineID)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, bp)
}

func (s *Server) handleListBreakpoints(c *gin.Context) {
	ok(c, s.runtime.Breakpoints().ListForJob(c.Param("job_id")))
}

func (s *Server) handleRemoveBreakpoint(c *gin.Context) {
	jobID := c.Param("job_id")
	routineID := c.Param("routine_id")

	job, found := s.runtime.Jobs().Get(jobID)
	if !found {
		failMsg(c, http.StatusNotFound, "job not found")
		return
	}
	f, found := s.runtime.Flows().Get(job.FlowID())
	if !found {
		failMsg(c, http.StatusNotFound, "flow not found")
		return
	}
	if !s.runtime.Breakpoints().Remove(f, jobID, routineID) {
		failMsg(c, http.StatusNotFound, "breakpoint not found")
		return
	}
	ok(c, gin.H{"removed": true})
}

// handleDebugData serves breakpoint captures, optionally for one routine.
func (s *Server) handleDebugData(c *gin.Context) {
	job, found := s.runtime.Jobs().Get(c.Param("job_id"))
	if !found {
		failMsg(c, http.StatusNotFound, "job not found")
		return
	}
	if routineID := c.Query("routine_id"); routineID != "" {
		capture, found := job.DebugCaptureFor(routineID)
		if !found {
			failMsg(c, http.StatusNotFound, "no debug data for routine")
			return
		}
		ok(c, capture)
		return
	}
	ok(c, job.DebugData())
}
