// Package event implements the event manager (spec §4.6): ingestion of
// asynchronous task outcome messages, their mapping onto the task
// state machine, retry arming, and late-task detection.
package event

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cyclerun/scheduler/internal/graph"
	"github.com/cyclerun/scheduler/internal/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Message is one asynchronous task outcome report, per spec §4.6:
// (task_id, submit_num, timestamp, severity, message).
type Message struct {
	Cycle     string
	Name      string
	SubmitNum int
	Timestamp time.Time
	Severity  string // "info" | "warning" | "critical"
	Text      string // "started" | "succeeded" | "failed" | a declared custom output label
}

// PersistFunc is called after a proxy's status or outputs change, so
// the caller (internal/store) can flush the row. Errors are logged,
// never fatal to event processing.
type PersistFunc func(ctx context.Context, t *pool.TaskProxy) error

// Manager maps task messages onto pool state transitions, arms
// retries, fires configured event handlers, and flags late tasks.
type Manager struct {
	mu sync.Mutex

	pool    *pool.Pool
	store   *graph.Store
	log     *slog.Logger
	persist PersistFunc
	handlers map[string]string // event name -> shell command template, per config.EventsSpec

	messagesTotal  metric.Int64Counter
	retriesArmed   metric.Int64Counter
	lateEvents     metric.Int64Counter
	handlerFailures metric.Int64Counter
	tracer         trace.Tracer
}

// New builds a Manager wired to pool p and compiled graph store s.
// handlers is the workflow's configured event-name -> shell-command-
// template map (spec §4.6's "configured event handlers").
func New(p *pool.Pool, s *graph.Store, handlers map[string]string, persist PersistFunc, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	meter := otel.Meter("cyclesched/event")
	messagesTotal, _ := meter.Int64Counter("cyclesched_event_messages_total")
	retriesArmed, _ := meter.Int64Counter("cyclesched_event_retries_armed_total")
	lateEvents, _ := meter.Int64Counter("cyclesched_event_late_total")
	handlerFailures, _ := meter.Int64Counter("cyclesched_event_handler_failures_total")
	return &Manager{
		pool: p, store: s, log: log, persist: persist, handlers: handlers,
		messagesTotal: messagesTotal, retriesArmed: retriesArmed,
		lateEvents: lateEvents, handlerFailures: handlerFailures,
		tracer: otel.Tracer("cyclesched-event"),
	}
}

// Ingest processes one task message per spec §4.6. Messages for
// proxies not currently in the pool are dropped unless they report a
// terminal outcome, in which case they're logged as orphan bookkeeping
// (the proxy may have already been pruned by the time a late message
// for it arrives).
func (m *Manager) Ingest(ctx context.Context, msg Message) {
	ctx, span := m.tracer.Start(ctx, "event.ingest",
		trace.WithAttributes(
			attribute.String("cycle", msg.Cycle),
			attribute.String("name", msg.Name),
			attribute.String("severity", msg.Severity),
		))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.messagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", msg.Severity)))

	key := pool.ProxyKey{Cycle: msg.Cycle, Name: msg.Name}
	t, ok := m.pool.Get(key)
	if !ok {
		if isTerminalText(msg.Text) {
			m.log.Warn("message for orphaned proxy", "cycle", msg.Cycle, "name", msg.Name, "text", msg.Text)
		}
		return
	}
	if msg.SubmitNum != 0 && msg.SubmitNum != t.SubmitNum {
		m.log.Debug("stale submit-num message dropped", "cycle", msg.Cycle, "name", msg.Name,
			"got", msg.SubmitNum, "current", t.SubmitNum)
		return
	}

	def, _ := m.store.Get(msg.Name)
	m.applyTransition(ctx, t, def, msg)
	if m.persist != nil {
		if err := m.persist(ctx, t); err != nil {
			m.log.Error("persist after event failed", "cycle", msg.Cycle, "name", msg.Name, "error", err)
		}
	}
}

func isTerminalText(text string) bool {
	switch text {
	case "succeeded", "failed", "submit-failed", "expired":
		return true
	default:
		return false
	}
}

// applyTransition maps one message onto a proxy's status/outputs, and
// fires any handler configured for the resulting event.
func (m *Manager) applyTransition(ctx context.Context, t *pool.TaskProxy, def *graph.TaskDef, msg Message) {
	now := msg.Timestamp
	switch msg.Text {
	case "started":
		t.Status = pool.StatusRunning
		t.StartTime = &now
		m.fireHandler(ctx, "started", t)
	case "submitted":
		t.Status = pool.StatusSubmitted
		t.SubmitTime = &now
		t.RetryAt = nil
		m.fireHandler(ctx, "submission", t)
	case "submit-failed":
		t.Status = pool.StatusSubmitFailed
		m.fireHandler(ctx, "submission-failed", t)
	case "succeeded":
		t.Status = pool.StatusSucceeded
		t.CompletedOutputs["succeeded"] = true
		m.pool.ReleaseQueueSlot(t.Queue)
		m.pool.CompleteOutput(t.Key(), "succeeded", t.Flows)
		m.fireHandler(ctx, "succeeded", t)
	case "failed":
		m.handleFailure(ctx, t, def)
	default:
		// an arbitrary message matching a declared custom output
		if def != nil && isDeclaredOutput(def, msg.Text) {
			t.CompletedOutputs[msg.Text] = true
			m.pool.CompleteOutput(t.Key(), msg.Text, t.Flows)
			m.fireHandler(ctx, msg.Text, t)
		} else {
			m.log.Debug("unrecognised task message ignored", "cycle", msg.Cycle, "name", t.Name, "text", msg.Text)
		}
	}
}

func isDeclaredOutput(def *graph.TaskDef, label string) bool {
	for _, o := range def.Outputs {
		if o.Label == label {
			return true
		}
	}
	return false
}

// handleFailure implements spec §4.6's failed branch: consult the
// retry schedule; if attempts remain, arm a retry and return the proxy
// to waiting, otherwise leave it failed.
func (m *Manager) handleFailure(ctx context.Context, t *pool.TaskProxy, def *graph.TaskDef) {
	m.pool.ReleaseQueueSlot(t.Queue)
	if def == nil || t.SubmitNum < 1 || t.SubmitNum > len(def.Runtime.RetrySchedule) {
		t.Status = pool.StatusFailed
		t.CompletedOutputs["failed"] = true
		m.pool.CompleteOutput(t.Key(), "failed", t.Flows)
		m.fireHandler(ctx, "failed", t)
		return
	}
	entry := def.Runtime.RetrySchedule[t.SubmitNum-1]
	delay, err := time.ParseDuration(entry.Delay)
	if err != nil {
		m.log.Warn("invalid retry delay, treating as immediate", "name", t.Name, "delay", entry.Delay, "error", err)
		delay = 0
	}
	t.Status = pool.StatusWaiting
	t.Held = false
	retryAt := time.Now().Add(delay)
	t.RetryAt = &retryAt // ReleaseEligible refuses release until this time passes
	m.retriesArmed.Add(ctx, 1)
	m.fireHandler(ctx, "retry", t)
}

// CheckLate scans every live proxy and emits a single late event (spec
// §4.6) for any still in a pre-active status past its configured
// late_offset from spawn. Idempotent per proxy via TaskProxy.Late.
func (m *Manager) CheckLate(ctx context.Context, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.pool.All() {
		if t.Late || t.Status.IsTerminal() || t.Status.IsActive() {
			continue
		}
		def, ok := m.store.Get(t.Name)
		if !ok || def.Runtime.LateOffset == "" {
			continue
		}
		offset, err := time.ParseDuration(def.Runtime.LateOffset)
		if err != nil {
			continue
		}
		if now.After(t.CreatedAt.Add(offset)) {
			t.Late = true
			m.lateEvents.Add(ctx, 1)
			m.fireHandler(ctx, "late", t)
		}
	}
}

// fireHandler runs the shell command template configured for
// eventName, if any, substituting %(name)s and %(cycle)s tokens in the
// teacher's templated-command style. Failures are logged and counted,
// never fatal — an event handler is a side effect, not part of the
// state machine.
func (m *Manager) fireHandler(ctx context.Context, eventName string, t *pool.TaskProxy) {
	tmpl, ok := m.handlers[eventName]
	if !ok || tmpl == "" {
		return
	}
	cmdline := renderHandlerTemplate(tmpl, t)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
	if err := cmd.Start(); err != nil {
		m.handlerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventName)))
		m.log.Error("event handler failed to start", "event", eventName, "cycle", t.Cycle, "name", t.Name, "error", err)
		return
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			m.log.Warn("event handler exited non-zero", "event", eventName, "cycle", t.Cycle, "name", t.Name, "error", err)
		}
	}()
}

func renderHandlerTemplate(tmpl string, t *pool.TaskProxy) string {
	replacer := strings.NewReplacer("%(name)s", t.Name, "%(cycle)s", t.Cycle)
	return replacer.Replace(tmpl)
}

// xtriggerSatisfy marks xtrigger label satisfied for every live proxy
// currently waiting on it, called by the cron-driven evaluator in
// xtrigger.go once the trigger function reports true.
func (m *Manager) xtriggerSatisfy(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.pool.All() {
		if _, tracked := t.XtriggersSatisfied[label]; tracked {
			t.XtriggersSatisfied[label] = true
		}
	}
}

