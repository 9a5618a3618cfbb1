package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"weave/internal/flow"
)

// Breakpoint suppresses one routine's logic for one job. It is implemented as
// a policy swap: while armed, inbound slot data is drained into the job's
// debug buffer instead of accumulating in bounded queues.
type Breakpoint struct {
	ID        string `json:"breakpoint_id"`
	FlowID    string `json:"flow_id"`
	JobID     string `json:"job_id"`
	RoutineID string `json:"routine_id"`
	Enabled   bool   `json:"enabled"`
	HitCount  uint64 `json:"hit_count"`
}

// BreakpointEngine tracks armed breakpoints and owns the policy swaps that
// implement them. At most one breakpoint exists per (job, routine).
type BreakpointEngine struct {
	mu      sync.Mutex
	byKey   map[string]*Breakpoint               // jobID/routineID
	saved   map[string]flow.ActivationPolicy     // flowID/routineID → original policy
	armed   map[string]map[string]*Breakpoint    // flowID/routineID → jobID → bp
	metrics *Metrics
}

// NewBreakpointEngine creates an empty breakpoint engine.
func NewBreakpointEngine(metrics *Metrics) *BreakpointEngine {
	return &BreakpointEngine{
		byKey:   make(map[string]*Breakpoint),
		saved:   make(map[string]flow.ActivationPolicy),
		armed:   make(map[string]map[string]*Breakpoint),
		metrics: metrics,
	}
}

func bpKey(jobID, routineID string) string     { return jobID + "/" + routineID }
func routineKey(flowID, routineID string) string { return flowID + "/" + routineID }

// Install arms a breakpoint on (job, routine). The routine's current policy
// is saved and replaced with the capture policy; installing again on the same
// pair returns the existing breakpoint.
func (b *BreakpointEngine) Install(f *flow.Flow, jobID, routineID string) (*Breakpoint, error) {
	routine, ok := f.Routine(routineID)
	if !ok {
		return nil, fmt.Errorf("flow %s has no routine %q", f.ID(), routineID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := bpKey(jobID, routineID)
	if existing, ok := b.byKey[key]; ok {
		existing.Enabled = true
		return existing, nil
	}

	rk := routineKey(f.ID(), routineID)
	if _, swapped := b.armed[rk]; !swapped {
		capture := &breakpointPolicy{engine: b, flowID: f.ID(), routineID: routineID}
		b.saved[rk] = routine.SwapActivationPolicy(capture)
		b.armed[rk] = make(map[string]*Breakpoint)
	}

	bp := &Breakpoint{
		ID:        uuid.NewString(),
		FlowID:    f.ID(),
		JobID:     jobID,
		RoutineID: routineID,
		Enabled:   true,
	}
	b.byKey[key] = bp
	b.armed[rk][jobID] = bp
	return bp, nil
}

// Remove disarms a breakpoint, restoring the saved policy once no breakpoint
// remains on the routine. Restores immediate when no policy was ever set.
func (b *BreakpointEngine) Remove(f *flow.Flow, jobID, routineID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := bpKey(jobID, routineID)
	if _, ok := b.byKey[key]; !ok {
		return false
	}
	delete(b.byKey, key)

	rk := routineKey(f.ID(), routineID)
	if jobs, ok := b.armed[rk]; ok {
		delete(jobs, jobID)
		if len(jobs) == 0 {
			delete(b.armed, rk)
			restored := b.saved[rk]
			delete(b.saved, rk)
			if restored == nil {
				restored = flow.Immediate()
			}
			if routine, ok := f.Routine(routineID); ok {
				routine.SetActivationPolicy(restored)
			}
		}
	}
	return true
}

// SetEnabled toggles an armed breakpoint without removing it.
func (b *BreakpointEngine) SetEnabled(jobID, routineID string, enabled bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	bp, ok := b.byKey[bpKey(jobID, routineID)]
	if !ok {
		return false
	}
	bp.Enabled = enabled
	return true
}

// Get returns the breakpoint for (job, routine), if armed.
func (b *BreakpointEngine) Get(jobID, routineID string) (Breakpoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bp, ok := b.byKey[bpKey(jobID, routineID)]
	if !ok {
		return Breakpoint{}, false
	}
	return *bp, true
}

// ListForJob returns copies of all breakpoints armed for a job.
func (b *BreakpointEngine) ListForJob(jobID string) []Breakpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Breakpoint
	for _, bp := range b.byKey {
		if bp.JobID == jobID {
			out = append(out, *bp)
		}
	}
	return out
}

// lookup returns the live breakpoint and the saved policy for a routine.
func (b *BreakpointEngine) lookup(flowID, routineID, jobID string) (*Breakpoint, flow.ActivationPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	saved := b.saved[routineKey(flowID, routineID)]
	if jobs, ok := b.armed[routineKey(flowID, routineID)]; ok {
		if bp, ok := jobs[jobID]; ok && bp.Enabled {
			return bp, saved
		}
	}
	return nil, saved
}

func (b *BreakpointEngine) recordHit(bp *Breakpoint) {
	b.mu.Lock()
	bp.HitCount++
	b.mu.Unlock()
	b.metrics.IncBreakpointHit()
}

// breakpointPolicy drains every slot into the job's debug buffer and declines
// activation while a breakpoint is armed for the checking job. Other jobs
// fall through to the saved policy.
type breakpointPolicy struct {
	engine    *BreakpointEngine
	flowID    string
	routineID string
}

func (p *breakpointPolicy) Name() string { return "breakpoint" }

func (p *breakpointPolicy) Check(slots map[string]*flow.Slot, job *flow.JobContext) (flow.Decision, error) {
	jobID := ""
	if job != nil {
		jobID = job.ID()
	}
	bp, saved := p.engine.lookup(p.flowID, p.routineID, jobID)
	if bp == nil {
		if saved == nil {
			return flow.Decision{}, nil
		}
		return saved.Check(slots, job)
	}

	captured := make(map[string][]any, len(slots))
	drained := 0
	for name, slot := range slots {
		values := slot.ConsumeAllNew()
		captured[name] = values
		drained += len(values)
	}
	// A check that found nothing pending keeps the previous capture.
	if drained == 0 {
		return flow.Decision{}, nil
	}
	if job != nil {
		job.SetDebugCapture(p.routineID, captured)
	}
	p.engine.recordHit(bp)
	return flow.Decision{}, nil
}
