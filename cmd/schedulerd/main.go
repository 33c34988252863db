// Command schedulerd runs one cycling workflow scheduler instance: it
// loads a resolved workflow config, compiles its graph, opens
// persistence, and drives the main loop until a stop condition or
// fatal error.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/cyclerun/scheduler/internal/command"
	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/cycling"
	"github.com/cyclerun/scheduler/internal/errs"
	"github.com/cyclerun/scheduler/internal/event"
	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/graph"
	"github.com/cyclerun/scheduler/internal/job"
	"github.com/cyclerun/scheduler/internal/logging"
	"github.com/cyclerun/scheduler/internal/otelinit"
	"github.com/cyclerun/scheduler/internal/pool"
	"github.com/cyclerun/scheduler/internal/sched"
	"github.com/cyclerun/scheduler/internal/store"
	"github.com/cyclerun/scheduler/internal/transport/natsmsg"
)

func main() {
	var (
		configPath  string
		runDir      string
		host        string
		port        int
		maxWorkers  uint
		queueCap    int
		shellAllow  []string
		scriptInterp string
		natsURL     string
		natsSubject string
	)

	root := &cobra.Command{
		Use:   "schedulerd",
		Short: "run a cycling workflow scheduler instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), runOpts{
				configPath: configPath, runDir: runDir, host: host, port: port,
				maxWorkers: maxWorkers, queueCap: queueCap,
				shellAllow: shellAllow, scriptInterp: scriptInterp,
				natsURL: natsURL, natsSubject: natsSubject,
			})
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the resolved WorkflowConfig YAML document")
	root.Flags().StringVar(&runDir, "run-dir", "./run", "workflow run directory (contact file, share/work dirs, db.private/db.public)")
	root.Flags().StringVar(&host, "host", "localhost", "host recorded in the contact file")
	root.Flags().IntVar(&port, "port", 0, "port recorded in the contact file")
	root.Flags().UintVar(&maxWorkers, "max-workers", 8, "bounded worker pool size for job submission/polling")
	root.Flags().IntVar(&queueCap, "command-queue-capacity", 64, "command queue channel capacity")
	root.Flags().StringSliceVar(&shellAllow, "shell-allow", nil, "commands the shell job runner may execute")
	root.Flags().StringVar(&scriptInterp, "script-interpreter", "/bin/sh", "interpreter used by the script job runner")
	root.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL for out-of-process task outcome reporting (disabled if empty)")
	root.Flags().StringVar(&natsSubject, "nats-subject", "cyclesched.task.outcome", "NATS subject task outcome messages are published/subscribed on")
	_ = root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type runOpts struct {
	configPath   string
	runDir       string
	host         string
	port         int
	maxWorkers   uint
	queueCap     int
	shellAllow   []string
	scriptInterp string
	natsURL      string
	natsSubject  string
}

func run(parent context.Context, opts runOpts) error {
	log := logging.Init("schedulerd")

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, "schedulerd")
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, "schedulerd")
	defer func() {
		otelinit.Flush(context.Background(), shutdownTrace)
		_ = shutdownMetrics(context.Background())
	}()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &errs.ConfigError{Msg: fmt.Sprintf("load %s: %v", opts.configPath, err)}
	}

	gstore, err := graph.Build(cfg)
	if err != nil {
		return err
	}

	initial, err := graph.ParsePoint(cfg.CyclingMode, cfg.InitialPoint)
	if err != nil {
		return &errs.ConfigError{Msg: "initial_point: " + err.Error()}
	}
	runaheadLimit, runaheadCount, err := resolveRunahead(cfg)
	if err != nil {
		return err
	}

	p := pool.New(gstore, initial, runaheadLimit, log)
	if runaheadCount > 0 {
		p.SetRunaheadCount(runaheadCount)
	}
	if cfg.StopPoint != "" {
		stopPoint, err := graph.ParsePoint(cfg.CyclingMode, cfg.StopPoint)
		if err != nil {
			return &errs.ConfigError{Msg: "stop_point: " + err.Error()}
		}
		p.SetStopPoint(stopPoint)
	}

	defaultFlows := flowmgr.NewSet(1)
	p.CheckSpawnParentless(defaultFlows)

	if err := os.MkdirAll(opts.runDir, 0755); err != nil {
		return err
	}
	db, err := store.Open(opts.runDir, otel.Meter("cyclesched/store"))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.EnqueueTemplateVars(cfg.TemplateVars); err != nil {
		log.Warn("failed to snapshot template vars at startup", "error", err)
	}
	if err := db.EnqueueRuntimeInheritance(cfg); err != nil {
		log.Warn("failed to snapshot runtime inheritance at startup", "error", err)
	}

	events := event.New(p, gstore, cfg.Events.Handlers, func(ctx context.Context, t *pool.TaskProxy) error {
		return db.EnqueueTaskPool(t)
	}, log)

	if opts.natsURL != "" {
		nc, err := nats.Connect(opts.natsURL)
		if err != nil {
			return &errs.SchedulerError{Msg: "connect to nats", Cause: err}
		}
		defer nc.Close()
		sub, err := natsmsg.Subscribe(nc, opts.natsSubject, func(ctx context.Context, m natsmsg.IngestMessage) {
			events.Ingest(ctx, event.Message{
				Cycle: m.Cycle, Name: m.Name, SubmitNum: m.SubmitNum,
				Timestamp: m.Timestamp, Severity: m.Severity, Text: m.Text,
			})
		}, log)
		if err != nil {
			return &errs.SchedulerError{Msg: "subscribe to nats subject " + opts.natsSubject, Cause: err}
		}
		defer sub.Unsubscribe()
		log.Info("nats task outcome transport enabled", "url", opts.natsURL, "subject", opts.natsSubject)
	}

	xtrigFns := map[string]event.XtriggerFunc{"wall_clock": event.WallClockFunc}
	xtrig, err := event.NewXtriggerEvaluator(events, cfg.Xtriggers, xtrigFns, log)
	if err != nil {
		return err
	}

	runner := job.NewMultiRunner(nil, opts.scriptInterp, opts.shellAllow, "")
	wfEnv := job.WorkflowEnv{
		Name: cfg.Name, RunDir: opts.runDir,
		ShareDir: resolveWorkflowDir(cfg.ShareDir, opts.runDir, "share"),
		WorkDir:  resolveWorkflowDir(cfg.WorkDir, opts.runDir, "work"),
	}
	jobs := job.NewManager(ctx, runner, events, gstore, opts.maxWorkers, log, wfEnv)

	if rows, err := db.LoadLiveJobs(); err != nil {
		log.Warn("restart reconciliation: failed to load live jobs", "error", err)
	} else if len(rows) > 0 {
		jobs.ReconcileOnRestart(ctx, rows)
	}

	queue := command.NewQueue(opts.queueCap, log)

	s := sched.New(sched.Deps{
		Config: cfg, Pool: p, GraphStore: gstore, DB: db, Jobs: jobs, Events: events,
		Xtrig: xtrig, Commands: queue, RunDir: opts.runDir,
		ContactUUID: uuid.NewString(), Host: opts.host, Port: opts.port, Log: log,
	})
	if err := s.WriteContactFile(); err != nil {
		return err
	}
	defer s.RemoveContactFile()

	log.Info("scheduler started", "workflow", cfg.Name, "run_dir", opts.runDir)
	runErr := s.Run(ctx, func(level string) error {
		l, ok := logging.ParseLevel(level)
		if !ok {
			return &errs.InputError{Msg: "unrecognised verbosity level " + level}
		}
		logging.SetLevel(l)
		return nil
	})

	if sched.IsStop(runErr) {
		log.Info("scheduler stopped", "reason", runErr.Error())
		return nil
	}
	log.Error("scheduler aborted", "error", runErr)
	return runErr
}

// resolveWorkflowDir returns cfg's configured share/work directory, or
// its default location under the run directory when unset.
func resolveWorkflowDir(configured, runDir, fallback string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(runDir, fallback)
}

func resolveRunahead(cfg *config.WorkflowConfig) (cycling.Interval, int, error) {
	if cfg.Runahead.Count > 0 && cfg.Runahead.Interval != "" {
		return nil, 0, &errs.ConfigError{Msg: "runahead_limit: exactly one of interval or count must be set"}
	}
	if cfg.Runahead.Count > 0 {
		return nil, cfg.Runahead.Count, nil
	}
	if cfg.Runahead.Interval == "" {
		return nil, 0, &errs.ConfigError{Msg: "runahead_limit: exactly one of interval or count must be set"}
	}
	interval, err := graph.ParseInterval(cfg.CyclingMode, cfg.Runahead.Interval)
	if err != nil {
		return nil, 0, &errs.ConfigError{Msg: "runahead_limit.interval: " + err.Error()}
	}
	return interval, 0, nil
}
