package event

import (
	"context"
	"log/slog"
	"time"

	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/errs"
	"github.com/robfig/cron/v3"
)

// XtriggerFunc evaluates one declared xtrigger (spec's `function` +
// `args`), reporting whether it is currently satisfied. Every function,
// including the built-in "wall_clock" (WallClockFunc), is registered by
// name in the map passed to NewXtriggerEvaluator, so deployments can
// add custom functions without touching the evaluator.
type XtriggerFunc func(ctx context.Context, spec config.XtriggerSpec) (bool, error)

type xtriggerState struct {
	spec     config.XtriggerSpec
	schedule cron.Schedule
	nextRun  time.Time
	fn       XtriggerFunc
}

// XtriggerEvaluator polls every declared xtrigger on its own
// `robfig/cron`-parsed interval and feeds satisfied results back into
// the event manager's pool bookkeeping.
type XtriggerEvaluator struct {
	mgr    *Manager
	log    *slog.Logger
	states map[string]*xtriggerState
}

// NewXtriggerEvaluator compiles every xtrigger's interval as a standard
// cron expression (spec §4.1's reuse note) and resolves its function to
// fns[spec.Function], defaulting unknown functions to an
// always-unsatisfied stub so a graph never silently self-satisfies.
func NewXtriggerEvaluator(mgr *Manager, specs map[string]config.XtriggerSpec, fns map[string]XtriggerFunc, log *slog.Logger) (*XtriggerEvaluator, error) {
	if log == nil {
		log = slog.Default()
	}
	states := make(map[string]*xtriggerState, len(specs))
	now := time.Now()
	for label, spec := range specs {
		sched, err := cron.ParseStandard(spec.Interval)
		if err != nil {
			return nil, &errs.ConfigError{Msg: "xtrigger " + label + ": invalid interval: " + err.Error()}
		}
		fn, ok := fns[spec.Function]
		if !ok {
			fn = unknownFunction
		}
		states[label] = &xtriggerState{spec: spec, schedule: sched, nextRun: sched.Next(now), fn: fn}
	}
	return &XtriggerEvaluator{mgr: mgr, log: log, states: states}, nil
}

func unknownFunction(ctx context.Context, spec config.XtriggerSpec) (bool, error) {
	return false, &errs.ConfigError{Msg: "xtrigger function " + spec.Function + " is not registered"}
}

// Tick evaluates every xtrigger whose schedule has elapsed as of now,
// rescheduling it and, on a satisfied result, marking every proxy
// waiting on that label. Intended to be called once per main-loop
// tick (spec §4.10), not run on its own goroutine, so xtrigger state
// changes interleave with the rest of a tick's pool mutations.
func (x *XtriggerEvaluator) Tick(ctx context.Context, now time.Time) {
	for label, st := range x.states {
		if now.Before(st.nextRun) {
			continue
		}
		st.nextRun = st.schedule.Next(now)
		satisfied, err := st.fn(ctx, st.spec)
		if err != nil {
			x.log.Warn("xtrigger evaluation failed", "label", label, "function", st.spec.Function, "error", err)
			continue
		}
		if satisfied {
			x.mgr.xtriggerSatisfy(label)
		}
	}
}

// WallClockFunc is the built-in "wall_clock" xtrigger function: always
// satisfied once its schedule fires, matching the teacher-grounded
// interval-only semantics this scheduler ships by default (spec's
// wording leaves custom xtrigger functions implementation-defined).
func WallClockFunc(ctx context.Context, spec config.XtriggerSpec) (bool, error) {
	return true, nil
}
