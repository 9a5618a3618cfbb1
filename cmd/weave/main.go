// Command weave runs the workflow engine: serve starts the runtime with the
// monitoring API, run executes a flow definition once from the command line,
// and validate checks a definition without running it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "weave/internal/builtin"
	"weave/internal/config"
	"weave/internal/dsl"
	"weave/internal/engine"
	"weave/internal/flow"
	"weave/internal/logging"
	"weave/internal/monitor"
	"weave/internal/schedule"
)

var version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "weave",
		Short: "Event-driven workflow engine",
		Long: `weave runs flows of routines connected by events and slots.

Routines declare typed input slots and output events; activation policies
decide when queued slot data becomes an activation. Flows are defined in
YAML or JSON and served over a REST and WebSocket monitoring API.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default weave.yaml)")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newRunCommand(&configPath))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("weave %s\n", version)
		},
	}
}

// loadFlows parses every definition file into the registry.
func loadFlows(registry *flow.Registry, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read flow definition %s: %w", path, err)
		}
		f, err := dsl.Parse(data)
		if err != nil {
			return fmt.Errorf("parse flow definition %s: %w", path, err)
		}
		if err := registry.Register(f); err != nil {
			return err
		}
	}
	return nil
}

func newServeCommand(configPath *string) *cobra.Command {
	var flowPaths []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine with the monitoring API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logging.SetDefaultLevel(logging.ParseLevel(cfg.Logging.Level))
			logger := logging.NewComponentLogger("weave")

			registry := flow.NewRegistry()
			if err := loadFlows(registry, flowPaths); err != nil {
				return err
			}

			promRegistry := prometheus.NewRegistry()
			metrics := engine.MustNewMetrics(promRegistry)
			stream := monitor.NewEventStream()

			rt := engine.New(engine.Config{
				WorkerID:       cfg.Engine.WorkerID,
				ThreadPoolSize: cfg.Engine.ThreadPoolSize,
				FairnessK:      cfg.Engine.FairnessK,
				JobTTL:         cfg.Engine.JobTTL,
				ReaperInterval: cfg.Engine.ReaperInterval,
			}, registry,
				engine.WithLogger(logging.NewComponentLogger("engine")),
				engine.WithMetrics(metrics),
				engine.WithHooks(stream),
			)

			server := monitor.NewServer(rt, &monitor.ServerConfig{
				Host:         cfg.Server.Host,
				Port:         cfg.Server.Port,
				EnableCORS:   cfg.Server.EnableCORS,
				Debug:        cfg.Server.Debug,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				PushInterval: cfg.Server.PushInterval,
				PingInterval: cfg.Server.PingInterval,
			}, promRegistry, logging.NewComponentLogger("monitor"), stream)

			rt.Start()

			triggers := make([]schedule.Trigger, 0, len(cfg.Scheduler.Triggers))
			for _, t := range cfg.Scheduler.Triggers {
				triggers = append(triggers, schedule.Trigger{
					Name:      t.Name,
					Schedule:  t.Schedule,
					FlowID:    t.FlowID,
					RoutineID: t.RoutineID,
					Slot:      t.Slot,
					Payload:   t.Payload,
					JobID:     t.JobID,
				})
			}
			scheduler := schedule.New(schedule.Config{
				Enabled:           cfg.Scheduler.Enabled,
				Triggers:          triggers,
				ConcurrencyPolicy: cfg.Scheduler.ConcurrencyPolicy,
			}, rt, logging.NewComponentLogger("scheduler"))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(server.Start)
			g.Go(func() error {
				return scheduler.Start(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				scheduler.Stop()
				if err := server.Stop(); err != nil {
					logger.Warn("monitor shutdown: %v", err)
				}
				rt.Shutdown(true)
				return nil
			})

			logger.Info("weave %s serving %d flow(s)", version, len(registry.IDs()))
			return g.Wait()
		},
	}
	cmd.Flags().StringSliceVarP(&flowPaths, "flow", "f", nil, "Flow definition file (repeatable)")
	return cmd
}

func newRunCommand(configPath *string) *cobra.Command {
	var (
		routineID string
		slotName  string
		paramsStr string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <flow-file>",
		Short: "Run a flow definition once and print the job result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logging.SetDefaultLevel(logging.ParseLevel(cfg.Logging.Level))

			registry := flow.NewRegistry()
			if err := loadFlows(registry, args[:1]); err != nil {
				return err
			}
			flowID := registry.IDs()[0]
			f, _ := registry.Get(flowID)

			if routineID == "" {
				return fmt.Errorf("--routine is required")
			}
			if slotName == "" {
				r, ok := f.Routine(routineID)
				if !ok {
					return fmt.Errorf("flow %s has no routine %q", flowID, routineID)
				}
				names := r.SlotNames()
				if len(names) != 1 {
					return fmt.Errorf("--slot is required when routine %q has %d slots", routineID, len(names))
				}
				slotName = names[0]
			}

			var payload any = map[string]any{}
			if paramsStr != "" {
				if err := json.Unmarshal([]byte(paramsStr), &payload); err != nil {
					return fmt.Errorf("parse --params: %w", err)
				}
			}

			rt := engine.New(engine.Config{
				WorkerID:       cfg.Engine.WorkerID,
				ThreadPoolSize: cfg.Engine.ThreadPoolSize,
				FairnessK:      cfg.Engine.FairnessK,
			}, registry, engine.WithLogger(logging.NewComponentLogger("engine")))

			if err := rt.Exec(flowID); err != nil {
				return err
			}
			_, jobID, err := rt.Post(flowID, routineID, slotName, payload, nil)
			if err != nil {
				return err
			}
			if !rt.WaitUntilAllJobsFinished(timeout) {
				rt.Shutdown(false)
				return fmt.Errorf("job %s did not finish within %s", jobID, timeout)
			}
			rt.Shutdown(true)

			snap, _ := rt.Jobs().Snapshot(jobID)
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if snap.Status == flow.JobFailed {
				return fmt.Errorf("job failed: %s", snap.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&routineID, "routine", "r", "", "Entry routine id (required)")
	cmd.Flags().StringVarP(&slotName, "slot", "s", "", "Entry slot (defaults to the routine's only slot)")
	cmd.Flags().StringVarP(&paramsStr, "params", "p", "", "Entry payload as JSON")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Wait timeout")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <flow-file>...",
		Short: "Validate flow definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := false
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				f, err := dsl.Parse(data)
				if err != nil {
					fmt.Printf("%s: %v\n", path, err)
					failed = true
					continue
				}
				issues := f.Validate()
				if len(issues) == 0 {
					fmt.Printf("%s: ok\n", path)
					continue
				}
				for _, issue := range issues {
					fmt.Printf("%s: %s: %s\n", path, strings.ToUpper(issue.Severity), issue.Message)
				}
				if flow.HasErrors(issues) {
					failed = true
				}
			}
			if failed {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}
}
