package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/event"
	"github.com/cyclerun/scheduler/internal/graph"
	"github.com/cyclerun/scheduler/internal/pool"
	"github.com/cyclerun/scheduler/internal/resilience"
	"github.com/ygrebnov/workers"
)

// jobResult is what one dispatched task reports back through the
// worker pool's results channel.
type jobResult struct {
	key       pool.ProxyKey
	submitNum int
	state     State
}

type jobRecord struct {
	descriptor Descriptor
	handle     Handle
	kind       string
}

// WorkflowEnv carries the workflow-wide values the reserved
// environment variables (spec §6) need; every submitted job sees the
// same values here, only the per-proxy fields in Descriptor vary.
type WorkflowEnv struct {
	Name     string
	RunDir   string
	ShareDir string
	WorkDir  string
}

// Manager is the job manager (spec §4.7): it resolves effective
// runtime, dispatches through a bounded worker pool
// (github.com/ygrebnov/workers, replacing the teacher's hand-rolled
// goroutine+WaitGroup pool in dag_engine.go), tracks submitted jobs by
// (cycle, name, submit_num), and reports results into the event
// manager.
type Manager struct {
	mu sync.Mutex

	runner  *MultiRunner
	events  *event.Manager
	store   *graph.Store
	log     *slog.Logger
	wpool   workers.Workers[jobResult]
	jobs    map[string]jobRecord // handle.ID -> record, for Kill/restart reconciliation
	breakers map[string]*resilience.CircuitBreaker // per-platform
	limiters map[string]*resilience.RateLimiter    // per-platform
	wfEnv   WorkflowEnv
}

// NewManager starts the bounded worker pool immediately and begins
// draining its result and error channels into the event manager.
func NewManager(ctx context.Context, runner *MultiRunner, events *event.Manager, store *graph.Store, maxWorkers uint, log *slog.Logger, wfEnv WorkflowEnv) *Manager {
	if log == nil {
		log = slog.Default()
	}
	w := workers.New[jobResult](ctx, &workers.Config{
		MaxWorkers:       maxWorkers,
		StartImmediately: true,
		ResultsBufferSize: 1024,
		ErrorsBufferSize:  1024,
	})
	m := &Manager{
		runner: runner, events: events, store: store, log: log, wpool: w,
		jobs: map[string]jobRecord{}, breakers: map[string]*resilience.CircuitBreaker{},
		limiters: map[string]*resilience.RateLimiter{},
		wfEnv:    wfEnv,
	}
	go m.drainResults(ctx)
	go m.drainErrors(ctx)
	return m
}

func (m *Manager) breakerFor(platform string) *resilience.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[platform]
	if !ok {
		// 1-minute rolling window in 6 buckets, open past a 50% failure
		// rate once at least 5 submissions have landed, probe again after
		// 30s with a single half-open attempt.
		b = resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 5, 0.5, 30*time.Second, 1)
		m.breakers[platform] = b
	}
	return b
}

func (m *Manager) limiterFor(platform string) *resilience.RateLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[platform]
	if !ok {
		// Burst of 20 submissions, steady state 10/s, plus a hard cap of
		// 100 submissions per 10s window — independent of the breaker's
		// failure accounting, so a healthy-but-slow platform still gets
		// throttled.
		l = resilience.NewRateLimiter(20, 10, 10*time.Second, 100)
		m.limiters[platform] = l
	}
	return l
}

// Submit resolves t's effective runtime and dispatches it onto the
// worker pool. t.SubmitNum is incremented before dispatch so retry
// messages from the event manager line up against the right attempt.
// A RunMode of simulation, skip or dummy completes the task internally
// without ever reaching a JobRunner (spec's simulation run mode).
func (m *Manager) Submit(ctx context.Context, t *pool.TaskProxy, runtime config.RuntimeSpec, platform string) error {
	switch runtime.RunMode {
	case config.RunModeSimulation, config.RunModeSkip, config.RunModeDummy:
		return m.submitInternal(ctx, t, runtime)
	}

	breaker := m.breakerFor(platform)
	if !breaker.Allow() {
		return fmt.Errorf("job: platform %s circuit open", platform)
	}
	if !m.limiterFor(platform).Allow() {
		return fmt.Errorf("job: platform %s submission rate exceeded", platform)
	}

	t.SubmitNum++
	t.Platform = platform
	d := Descriptor{
		Cycle: t.Cycle, Name: t.Name, SubmitNum: t.SubmitNum, Runtime: runtime, Platform: platform,
		WorkflowName: m.wfEnv.Name, RunDir: m.wfEnv.RunDir, ShareDir: m.wfEnv.ShareDir, WorkDir: m.wfEnv.WorkDir,
		FlowNums: t.Flows.Slice(),
	}

	if err := m.runner.Prepare(ctx, d); err != nil {
		breaker.RecordResult(false)
		return err
	}

	key := t.Key()
	submitNum := t.SubmitNum
	return m.wpool.AddTask(func(taskCtx context.Context) (jobResult, error) {
		h, state, err := m.runner.Submit(taskCtx, d)
		breaker.RecordResult(err == nil && state.Phase != "submit-failed")
		m.mu.Lock()
		m.jobs[h.ID] = jobRecord{descriptor: d, handle: h, kind: runtime.ExecutionKind}
		m.mu.Unlock()
		if err != nil {
			return jobResult{key: key, submitNum: submitNum, state: State{Phase: "submit-failed", Detail: err.Error()}}, nil
		}
		return jobResult{key: key, submitNum: submitNum, state: state}, nil
	})
}

// submitInternal completes t without calling Prepare/Submit on any
// JobRunner: skip and dummy report success immediately, simulation
// waits out the configured simulated duration first. Both still run
// off the worker pool so a long simulated duration cannot block real
// submissions.
func (m *Manager) submitInternal(ctx context.Context, t *pool.TaskProxy, runtime config.RuntimeSpec) error {
	t.SubmitNum++
	key := t.Key()
	submitNum := t.SubmitNum

	var delay time.Duration
	if runtime.RunMode == config.RunModeSimulation && runtime.SimulatedSeconds > 0 {
		delay = time.Duration(runtime.SimulatedSeconds * float64(time.Second))
	}

	return m.wpool.AddTask(func(taskCtx context.Context) (jobResult, error) {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-taskCtx.Done():
				return jobResult{key: key, submitNum: submitNum, state: State{Phase: "failed", Detail: taskCtx.Err().Error()}}, nil
			}
		}
		return jobResult{key: key, submitNum: submitNum, state: State{Phase: "succeeded"}}, nil
	})
}

func (m *Manager) drainResults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-m.wpool.GetResults():
			if !ok {
				return
			}
			m.events.Ingest(ctx, event.Message{
				Cycle: r.key.Cycle, Name: r.key.Name, SubmitNum: r.submitNum,
				Severity: severityFor(r.state.Phase), Text: r.state.Phase,
			})
		}
	}
}

func (m *Manager) drainErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-m.wpool.GetErrors():
			if !ok {
				return
			}
			m.log.Error("job dispatch error", "error", err)
		}
	}
}

func severityFor(phase string) string {
	switch phase {
	case "failed", "submit-failed":
		return "critical"
	default:
		return "info"
	}
}

// Kill instructs every live job belonging to the given proxies to
// terminate. A kill request against a proxy with no tracked job is a
// no-op, logged as a warning (spec §4.7).
func (m *Manager) Kill(ctx context.Context, keys []pool.ProxyKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		found := false
		for id, rec := range m.jobs {
			if rec.descriptor.Cycle == k.Cycle && rec.descriptor.Name == k.Name {
				found = true
				runner, ok := m.runner.RunnerFor(rec.kind)
				if ok {
					if err := runner.Kill(ctx, rec.handle); err != nil {
						m.log.Warn("kill failed", "job", id, "error", err)
					}
				}
			}
		}
		if !found {
			m.log.Warn("kill requested for non-active proxy", "cycle", k.Cycle, "name", k.Name)
		}
	}
}

// Poll re-checks the live job tracked against each proxy key and feeds
// the result back through the event manager — used by the poll_tasks
// command (spec §4.8) for on-demand reconciliation outside restart.
func (m *Manager) Poll(ctx context.Context, keys []pool.ProxyKey) {
	m.mu.Lock()
	var records []jobRecord
	for _, k := range keys {
		for _, rec := range m.jobs {
			if rec.descriptor.Cycle == k.Cycle && rec.descriptor.Name == k.Name {
				records = append(records, rec)
			}
		}
	}
	m.mu.Unlock()

	for _, rec := range records {
		runner, ok := m.runner.RunnerFor(rec.kind)
		if !ok {
			continue
		}
		state, err := runner.Poll(ctx, rec.handle)
		if err != nil {
			m.log.Warn("poll failed", "job", rec.handle.ID, "error", err)
			continue
		}
		m.events.Ingest(ctx, event.Message{
			Cycle: rec.descriptor.Cycle, Name: rec.descriptor.Name, SubmitNum: rec.descriptor.SubmitNum,
			Severity: severityFor(state.Phase), Text: state.Phase,
		})
	}
}

// ReconcileOnRestart polls every job row the persistence layer reports
// as still submitted/running at startup, re-associating it with the
// given proxy and feeding the polled state back through the event
// manager exactly once (spec §4.7's restart reconciliation step).
func (m *Manager) ReconcileOnRestart(ctx context.Context, rows []RestartRow) {
	for _, row := range rows {
		runner, ok := m.runner.RunnerFor(row.Kind)
		if !ok {
			continue
		}
		state, err := runner.Poll(ctx, Handle{ID: row.HandleID})
		if err != nil {
			m.log.Warn("restart reconciliation poll failed", "handle", row.HandleID, "error", err)
			continue
		}
		m.events.Ingest(ctx, event.Message{
			Cycle: row.Cycle, Name: row.Name, SubmitNum: row.SubmitNum,
			Severity: severityFor(state.Phase), Text: state.Phase,
		})
	}
}

// RestartRow is one db.private row the persistence layer reports as
// still submitted/running at startup.
type RestartRow struct {
	Cycle     string
	Name      string
	SubmitNum int
	HandleID  string
	Kind      string
}
