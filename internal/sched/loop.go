// Package sched implements the scheduler's main loop (spec §4.10): a
// single cooperative goroutine that owns the task pool, the
// persistence writer, and command processing, ticking at a fixed
// cadence and delegating blocking work (job submission/polling) to
// the worker pool owned by internal/job.
package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cyclerun/scheduler/internal/command"
	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/errs"
	"github.com/cyclerun/scheduler/internal/event"
	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/graph"
	"github.com/cyclerun/scheduler/internal/job"
	"github.com/cyclerun/scheduler/internal/pool"
	"github.com/cyclerun/scheduler/internal/store"
)

// ContactFile is the JSON document the scheduler writes to its run
// directory on startup (spec §6): its disappearance or modification
// triggers shutdown.
type ContactFile struct {
	UUID string `json:"uuid"`
	Host string `json:"host"`
	Port int    `json:"port"`
	PID  int    `json:"pid"`
}

// Scheduler owns the single main-loop goroutine described in spec §5:
// it is the only writer of Pool, GraphStore and DB.
type Scheduler struct {
	cfg        *config.WorkflowConfig
	pool       *pool.Pool
	graphStore *graph.Store
	db         *store.Store
	jobs       *job.Manager
	events     *event.Manager
	xtrig      *event.XtriggerEvaluator
	commands   *command.Queue
	log        *slog.Logger
	tracer     trace.Tracer

	tickNormal    time.Duration
	tickExpedited time.Duration

	stopMode      command.StopMode
	stopRequested atomic.Bool
	pendingReload atomic.Pointer[config.WorkflowConfig]

	runDir      string
	contactPath string
	contact     ContactFile

	lastActiveAt      time.Time
	stallSince        *time.Time
	inactivityTimeout time.Duration
	stallTimeout      time.Duration
	repairEvery       int
	tickNum           int64

	defaultFlows flowmgr.Set

	ticks  metric.Int64Counter
	stalls metric.Int64Counter
}

// Deps bundles the already-constructed components a Scheduler ticks
// over. Built by cmd/schedulerd's wiring.
type Deps struct {
	Config     *config.WorkflowConfig
	Pool       *pool.Pool
	GraphStore *graph.Store
	DB         *store.Store
	Jobs       *job.Manager
	Events     *event.Manager
	Xtrig      *event.XtriggerEvaluator
	Commands   *command.Queue
	RunDir     string
	ContactUUID string
	Host       string
	Port       int
	Log        *slog.Logger
}

// New builds a Scheduler ready for Run.
func New(d Deps) *Scheduler {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	meter := otel.Meter("cyclesched/sched")
	ticks, _ := meter.Int64Counter("cyclesched_sched_ticks_total")
	stalls, _ := meter.Int64Counter("cyclesched_sched_stalls_total")

	inactivity, _ := time.ParseDuration(d.Config.Events.InactivityTimeout)
	stall, _ := time.ParseDuration(d.Config.Events.StallTimeout)

	s := &Scheduler{
		cfg: d.Config, pool: d.Pool, graphStore: d.GraphStore, db: d.DB,
		jobs: d.Jobs, events: d.Events, xtrig: d.Xtrig, commands: d.Commands,
		log: log, tracer: otel.Tracer("cyclesched-sched"),
		tickNormal: time.Second, tickExpedited: 500 * time.Millisecond,
		runDir: d.RunDir, contactPath: filepath.Join(d.RunDir, "contact.json"),
		contact:           ContactFile{UUID: d.ContactUUID, Host: d.Host, Port: d.Port, PID: os.Getpid()},
		lastActiveAt:      time.Now(),
		inactivityTimeout: inactivity,
		stallTimeout:      stall,
		repairEvery:       30,
		defaultFlows:      flowmgr.NewSet(1),
		ticks:             ticks, stalls: stalls,
	}
	return s
}

// RequestStop arms a stop; the next tick's shutdown evaluation honours
// it.
func (s *Scheduler) RequestStop(mode command.StopMode) {
	s.stopMode = mode
	s.stopRequested.Store(true)
}

// RequestReload arms a config reload, consumed at the start of the
// next tick (spec §4.10 step 1).
func (s *Scheduler) RequestReload(cfg *config.WorkflowConfig) {
	s.pendingReload.Store(cfg)
}

// LevelSetter applies a verbosity level by name; cmd/schedulerd passes
// one that delegates to internal/logging, and commandDeps wires it in
// as command.Deps.SetLevel.
type LevelSetter func(levelName string) error

// commandDeps builds the command.Deps value this scheduler's command
// queue executes against, wiring RequestStop and SetLevel back into
// this Scheduler. Its Reload always fails with "no new config staged";
// a reload is armed only through RequestReload.
func (s *Scheduler) commandDeps(setLevel LevelSetter) command.Deps {
	return command.Deps{
		Pool: s.pool, Store: s.graphStore, Jobs: s.jobs, Events: s.events,
		RequestStop: s.RequestStop,
		Reload: func(ctx context.Context) error {
			return &errs.CommandFailedError{Command: "reload_workflow", Cause: fmt.Errorf("no new config staged")}
		},
		SetLevel: func(level string) error {
			if setLevel == nil {
				return nil
			}
			return setLevel(level)
		},
	}
}

// WriteContactFile persists the startup contact document, per spec §6.
func (s *Scheduler) WriteContactFile() error {
	data, err := json.MarshalIndent(s.contact, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.runDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(s.contactPath, data, 0644)
}

// RemoveContactFile deletes the contact document on clean shutdown.
func (s *Scheduler) RemoveContactFile() {
	_ = os.Remove(s.contactPath)
}

// Run drives the main loop until a stop condition or fatal error,
// returning *errs.SchedulerStop on a clean shutdown and
// *errs.SchedulerError on an abort.
func (s *Scheduler) Run(ctx context.Context, setLevel LevelSetter) error {
	ticker := time.NewTicker(s.tickNormal)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return &errs.SchedulerStop{Reason: "context cancelled"}
		case <-ticker.C:
			deps := s.commandDeps(setLevel)
			if stopErr := s.tick(ctx, deps); stopErr != nil {
				return stopErr
			}
			ticker.Reset(s.nextInterval())
		}
	}
}

// tick runs the nine ordered steps of spec §4.10 once.
func (s *Scheduler) tick(ctx context.Context, deps command.Deps) error {
	ctx, span := s.tracer.Start(ctx, "sched.tick", trace.WithAttributes(attribute.Int64("tick", s.tickNum)))
	defer span.End()
	s.tickNum++
	if s.ticks != nil {
		s.ticks.Add(ctx, 1)
	}

	s.stepReload(ctx)
	s.commands.Drain(ctx, deps)
	released := s.pool.ReleaseToRun()
	s.stepSubmit(ctx, released)
	// Task messages are folded into the pool synchronously inside
	// internal/job.Manager's own result-drain goroutine, which calls
	// internal/event.Manager.Ingest under that manager's own mutex; no
	// separate drain step is needed here. See DESIGN.md for why this is
	// a documented narrowing of the single-goroutine ownership model.
	s.xtrig.Tick(ctx, time.Now())
	s.events.CheckLate(ctx, time.Now())
	s.stepPersist(ctx)

	if s.anyActive() || len(released) > 0 {
		s.lastActiveAt = time.Now()
		s.stallSince = nil
	}

	if err := s.evaluateShutdown(ctx); err != nil {
		return err
	}
	if err := s.checkHealth(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) stepReload(ctx context.Context) {
	cfg := s.pendingReload.Swap(nil)
	if cfg == nil {
		return
	}
	_, span := s.tracer.Start(ctx, "sched.reload")
	defer span.End()

	wasPaused := s.pool.Paused()
	s.pool.SetPaused(true)

	newStore, err := graph.Build(cfg)
	if err != nil {
		s.log.Error("reload rejected: new config does not compile", "error", err)
		s.pool.SetPaused(wasPaused)
		return
	}
	s.graphStore = newStore
	s.cfg = cfg
	s.pool.CheckSpawnParentless(s.defaultFlows)
	if !wasPaused {
		s.pool.SetPaused(false)
	}
	if err := s.db.EnqueueTemplateVars(cfg.TemplateVars); err != nil {
		s.log.Warn("failed to snapshot template vars on reload", "error", err)
	}
	if err := s.db.EnqueueRuntimeInheritance(cfg); err != nil {
		s.log.Warn("failed to snapshot runtime inheritance on reload", "error", err)
	}
	s.log.Info("reload applied")
}

// stepSubmit dispatches every newly-released proxy to the job manager
// (spec §4.10 step 4, "job manager processes I/O").
func (s *Scheduler) stepSubmit(ctx context.Context, released []*pool.TaskProxy) {
	for _, t := range released {
		def, ok := s.graphStore.Get(t.Name)
		if !ok {
			s.log.Error("released proxy has no taskdef", "name", t.Name)
			continue
		}
		if err := s.jobs.Submit(ctx, t, def.Runtime, def.Runtime.Platform); err != nil {
			s.log.Warn("submit failed", "cycle", t.Cycle, "name", t.Name, "error", err)
		}
	}
}

// stepPersist enqueues a task_pool row per live proxy and commits the
// tick's writes (spec §4.10 step 6). Proxies are snapshotted in full
// each tick rather than tracked for per-field dirtiness, trading a
// larger per-tick write volume for much simpler bookkeeping — the spec
// does not require incremental diffs, only that db.private's write
// order match the order state transitions were applied, which a
// full-snapshot-per-tick commit still preserves.
func (s *Scheduler) stepPersist(ctx context.Context) {
	_, span := s.tracer.Start(ctx, "sched.persist")
	defer span.End()

	for _, t := range s.pool.All() {
		if err := s.db.EnqueueTaskPool(t); err != nil {
			s.log.Error("enqueue task_pool row failed", "error", err)
		}
	}
	s.pool.PruneCompleted(func(name string) []string {
		def, ok := s.graphStore.Get(name)
		if !ok {
			return nil
		}
		return def.RequiredOutputs()
	})
	s.pool.AdvanceEarliestUnfinished()
	s.pool.CheckSpawnParentless(s.defaultFlows)

	if err := s.db.Commit(ctx); err != nil {
		s.log.Error("commit failed", "error", err)
	}
}

func (s *Scheduler) anyActive() bool {
	for _, t := range s.pool.All() {
		if t.Status.IsActive() {
			return true
		}
	}
	return false
}

func (s *Scheduler) anyReleasable() bool {
	for _, t := range s.pool.All() {
		if t.ReleaseEligible() {
			return true
		}
	}
	return false
}

// evaluateShutdown implements spec §4.10 step 7.
func (s *Scheduler) evaluateShutdown(ctx context.Context) error {
	if s.stopRequested.Load() {
		return &errs.SchedulerStop{Reason: "stop requested: " + string(s.stopMode)}
	}
	if s.pool.StopTaskSucceeded() {
		return &errs.SchedulerStop{Reason: "stop task succeeded"}
	}
	if s.pool.StopClockReached(time.Now()) {
		return &errs.SchedulerStop{Reason: "stop clock reached"}
	}
	if len(s.pool.All()) == 0 {
		return &errs.SchedulerStop{Reason: "auto-stop: pool empty"}
	}

	if !s.anyActive() && !s.anyReleasable() {
		now := time.Now()
		if s.stallSince == nil {
			s.stallSince = &now
			if s.stalls != nil {
				s.stalls.Add(ctx, 1)
			}
			s.log.Warn("stall detected", "pool_size", len(s.pool.All()))
		} else if s.stallTimeout > 0 && now.Sub(*s.stallSince) > s.stallTimeout {
			return &errs.SchedulerError{Msg: "stalled past stall_timeout"}
		}
	}

	if s.inactivityTimeout > 0 && time.Since(s.lastActiveAt) > s.inactivityTimeout {
		return &errs.SchedulerError{Msg: "inactivity timeout exceeded"}
	}
	return nil
}

// checkHealth implements spec §4.10 step 8: missing run directory and
// contact-file tamper detection, plus a periodic best-effort repair of
// the public replica. Condemned hosts are not checked.
func (s *Scheduler) checkHealth(ctx context.Context) error {
	if _, err := os.Stat(s.runDir); err != nil {
		return &errs.SchedulerError{Msg: "run directory missing", Cause: err}
	}

	data, err := os.ReadFile(s.contactPath)
	if err != nil {
		return &errs.SchedulerError{Msg: "contact file missing", Cause: err}
	}
	var onDisk ContactFile
	if err := json.Unmarshal(data, &onDisk); err != nil || onDisk != s.contact {
		return &errs.SchedulerError{Msg: "contact file tampered"}
	}

	if s.repairEvery > 0 && s.tickNum%int64(s.repairEvery) == 0 {
		if err := s.db.RepairPublic(ctx); err != nil {
			s.log.Warn("public replica repair failed", "error", err)
		}
	}
	return nil
}

func (s *Scheduler) nextInterval() time.Duration {
	if s.commands.Len() > 0 {
		return s.tickExpedited
	}
	for _, t := range s.pool.All() {
		if t.Status == pool.StatusPreparing {
			return s.tickExpedited
		}
	}
	return s.tickNormal
}

// IsStop reports whether err is a clean-shutdown sentinel rather than
// a fault, so callers (cmd/schedulerd) can choose a process exit code.
func IsStop(err error) bool {
	var stop *errs.SchedulerStop
	return errors.As(err, &stop)
}
