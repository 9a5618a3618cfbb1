// Package schedule posts into flows on cron schedules. Triggers come from
// static configuration; each fire is an ordinary Post, so a trigger behaves
// exactly like an external caller.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"weave/internal/engine"
	"weave/internal/logging"
)

// Trigger describes one scheduled post.
type Trigger struct {
	Name      string         `json:"name" yaml:"name"`
	Schedule  string         `json:"schedule" yaml:"schedule"`
	FlowID    string         `json:"flow_id" yaml:"flow_id"`
	RoutineID string         `json:"routine_id" yaml:"routine_id"`
	Slot      string         `json:"slot" yaml:"slot"`
	Payload   map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	JobID     string         `json:"job_id,omitempty" yaml:"job_id,omitempty"` // reuse one job across fires
}

// Config holds scheduler configuration.
type Config struct {
	Enabled           bool
	Triggers          []Trigger
	ConcurrencyPolicy string // "skip" (default) or "delay"
}

// Scheduler fires configured triggers against a runtime using robfig/cron.
type Scheduler struct {
	cron     *cron.Cron
	runtime  *engine.Runtime
	config   Config
	logger   logging.Logger
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler bound to a runtime.
func New(cfg Config, rt *engine.Runtime, logger logging.Logger) *Scheduler {
	logger = logging.OrNop(logger)
	return &Scheduler{
		cron:     newCron(cfg, logger),
		runtime:  rt,
		config:   cfg,
		logger:   logger,
		entryIDs: make(map[string]cron.EntryID),
		stopped:  make(chan struct{}),
	}
}

func newCron(cfg Config, logger logging.Logger) *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	options := []cron.Option{cron.WithParser(parser)}
	policy := strings.ToLower(strings.TrimSpace(cfg.ConcurrencyPolicy))
	var wrapper cron.JobWrapper
	switch policy {
	case "delay":
		wrapper = cron.DelayIfStillRunning(cron.DefaultLogger)
	case "skip", "":
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	default:
		logger.Warn("scheduler: unknown concurrency policy %q, defaulting to skip", policy)
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	}
	options = append(options, cron.WithChain(wrapper))
	return cron.New(options...)
}

// Start registers all triggers and starts the cron loop. Stops when ctx is
// canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("scheduler disabled by config")
		return nil
	}

	s.mu.Lock()
	for _, t := range s.config.Triggers {
		if err := s.registerTriggerLocked(t); err != nil {
			s.logger.Warn("scheduler: failed to register trigger %q: %v", t.Name, err)
		}
	}
	s.cron.Start()
	count := len(s.entryIDs)
	s.mu.Unlock()

	s.logger.Info("scheduler started with %d trigger(s)", count)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop drains running trigger fires and halts the cron loop. Safe to call
// multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("scheduler stopped")
	})
}

// Done is closed once the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// Register adds a trigger at runtime.
func (s *Scheduler) Register(trigger Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerTriggerLocked(trigger)
}

// Remove drops a registered trigger by name.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, exists := s.entryIDs[name]
	if !exists {
		return false
	}
	s.cron.Remove(entryID)
	delete(s.entryIDs, name)
	return true
}

func (s *Scheduler) registerTriggerLocked(trigger Trigger) error {
	if _, exists := s.entryIDs[trigger.Name]; exists {
		return nil
	}
	if trigger.Schedule == "" {
		return fmt.Errorf("trigger %q has no schedule", trigger.Name)
	}
	if trigger.FlowID == "" || trigger.RoutineID == "" || trigger.Slot == "" {
		return fmt.Errorf("trigger %q needs flow_id, routine_id, and slot", trigger.Name)
	}

	t := trigger
	entryID, err := s.cron.AddFunc(t.Schedule, func() {
		s.fire(t)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression for %q: %w", trigger.Name, err)
	}
	s.entryIDs[trigger.Name] = entryID
	s.logger.Info("scheduler: registered trigger %q (schedule=%s)", trigger.Name, trigger.Schedule)
	return nil
}

func (s *Scheduler) fire(t Trigger) {
	payload := t.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	var metadata map[string]any
	if t.JobID != "" {
		metadata = map[string]any{engine.MetadataJobID: t.JobID}
	}
	_, jobID, err := s.runtime.Post(t.FlowID, t.RoutineID, t.Slot, payload, metadata)
	if err != nil {
		s.logger.Warn("scheduler: trigger %q post failed: %v", t.Name, err)
		return
	}
	s.logger.Debug("scheduler: trigger %q fired into job %s", t.Name, jobID)
}

// TriggerCount returns the number of registered triggers.
func (s *Scheduler) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entryIDs)
}

// TriggerNames returns the names of all registered triggers.
func (s *Scheduler) TriggerNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entryIDs))
	for name := range s.entryIDs {
		names = append(names, name)
	}
	return names
}
