// Package command implements the scheduler's two-phase command queue
// (spec §4.8): a command is validated synchronously when submitted,
// then queued for the main loop to execute on its own tick, so command
// side effects never race with the loop's own state transitions.
//
// This reimplements original_source/cylc/flow/commands.py's async
// generator ("yield once to validate, yield again to execute") as a
// plain Go interface, since Go has no equivalent coroutine idiom for
// the pattern.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cyclerun/scheduler/internal/errs"
	"github.com/cyclerun/scheduler/internal/event"
	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/graph"
	"github.com/cyclerun/scheduler/internal/job"
	"github.com/cyclerun/scheduler/internal/pool"
)

// StopMode selects how the scheduler winds down in response to a stop
// command (spec §4.10).
type StopMode string

const (
	StopRequestClean      StopMode = "request-clean"
	StopRequestNow        StopMode = "request-now"
	StopRequestNowNow     StopMode = "request-now-now"
	StopAuto              StopMode = "auto"
	StopAutoOnTaskFailure StopMode = "auto-on-task-failure"
)

// Deps bundles the components a command needs to validate and execute
// against. Every field besides Pool and Store may be nil in a test
// fixture that exercises only a subset of commands.
type Deps struct {
	Pool        *pool.Pool
	Store       *graph.Store
	Jobs        *job.Manager
	Events      *event.Manager
	FlowMgr     *flowmgr.Manager
	RequestStop func(mode StopMode)
	Reload      func(ctx context.Context) error
	SetLevel    func(levelName string) error
}

// Command is one user-issued mutation, split into its validate and
// execute phases.
type Command interface {
	// Name identifies the command for logging and metrics.
	Name() string
	// Validate runs synchronously at submission time; a non-nil error
	// here means the command is rejected before ever reaching the queue.
	Validate(ctx context.Context, d Deps) error
	// Execute runs later, once per main-loop tick, against live state.
	// A returned *errs.CommandFailedError is logged as an expected
	// command failure; any other error is treated as a scheduler fault.
	Execute(ctx context.Context, d Deps) (any, error)
}

// Queue is a bounded FIFO of validated, not-yet-executed commands.
type Queue struct {
	ch     chan Command
	tracer trace.Tracer
	queued metric.Int64Counter
	ran    metric.Int64Counter
	failed metric.Int64Counter
	log    *slog.Logger
}

// NewQueue builds a queue with the given capacity (spec: commands
// submitted while the queue is full are rejected, not blocked).
func NewQueue(capacity int, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	meter := otel.GetMeterProvider().Meter("cyclesched")
	queued, _ := meter.Int64Counter("cyclesched_commands_queued_total")
	ran, _ := meter.Int64Counter("cyclesched_commands_executed_total")
	failed, _ := meter.Int64Counter("cyclesched_commands_failed_total")
	return &Queue{
		ch:     make(chan Command, capacity),
		tracer: otel.Tracer("cyclesched-command"),
		queued: queued, ran: ran, failed: failed,
		log: log,
	}
}

// Submit validates cmd against current state and, if it passes, enqueues
// it for later execution. Returns the validation error (often an
// *errs.InputError) directly to the caller without queuing anything.
func (q *Queue) Submit(ctx context.Context, cmd Command, d Deps) error {
	ctx, span := q.tracer.Start(ctx, "command.validate", trace.WithAttributes(attribute.String("command", cmd.Name())))
	defer span.End()

	if err := cmd.Validate(ctx, d); err != nil {
		span.RecordError(err)
		return err
	}

	select {
	case q.ch <- cmd:
		q.queued.Add(ctx, 1, metric.WithAttributes(attribute.String("command", cmd.Name())))
		return nil
	default:
		return &errs.CommandFailedError{Command: cmd.Name(), Cause: fmt.Errorf("command queue full")}
	}
}

// Drain executes every command currently queued. Intended to be called
// once per main-loop tick (spec §4.10); never blocks past the commands
// already buffered when it starts.
func (q *Queue) Drain(ctx context.Context, d Deps) {
	for {
		select {
		case cmd := <-q.ch:
			q.runOne(ctx, cmd, d)
		default:
			return
		}
	}
}

func (q *Queue) runOne(ctx context.Context, cmd Command, d Deps) {
	ctx, span := q.tracer.Start(ctx, "command.execute", trace.WithAttributes(attribute.String("command", cmd.Name())))
	defer span.End()

	_, err := cmd.Execute(ctx, d)
	if err == nil {
		q.ran.Add(ctx, 1, metric.WithAttributes(attribute.String("command", cmd.Name())))
		return
	}

	q.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("command", cmd.Name())))
	span.RecordError(err)

	var cfe *errs.CommandFailedError
	if errors.As(err, &cfe) {
		q.log.Warn("command failed", "command", cmd.Name(), "error", err)
		return
	}
	q.log.Error("command execution error", "command", cmd.Name(), "error", err)
}

// Len reports the number of commands currently buffered, for
// diagnostics and the health-check surface.
func (q *Queue) Len() int { return len(q.ch) }
