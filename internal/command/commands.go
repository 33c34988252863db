package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/cycling"
	"github.com/cyclerun/scheduler/internal/errs"
	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/logging"
	"github.com/cyclerun/scheduler/internal/pool"
)

// parsePoint parses a user-supplied cycle point literal against the
// workflow's cycling domain. Integer points are bare decimal literals;
// ISO8601 points follow cycling.ISOPoint's RFC3339 String() form.
func parsePoint(mode config.CyclingMode, s string) (cycling.Point, error) {
	switch mode {
	case config.CyclingISO8601:
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, &errs.InputError{Msg: "invalid cycle point " + s + ": " + err.Error()}
		}
		return cycling.NewISOPoint(t), nil
	default:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, &errs.InputError{Msg: "invalid cycle point " + s + ": " + err.Error()}
		}
		return cycling.IntPoint(n), nil
	}
}

func parseSelectors(raw []string) ([]pool.Selector, error) {
	out := make([]pool.Selector, 0, len(raw))
	for _, s := range raw {
		sel, err := pool.ParseSelector(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sel)
	}
	return out, nil
}

// StopCommand requests the scheduler wind down, either immediately or
// after a cycle point, wall-clock time, or task succeeds. Grounded on
// original_source/cylc/flow/commands.py's stop().
type StopCommand struct {
	Mode       StopMode
	CyclePoint string
	ClockTime  string
	Task       string
}

func (c *StopCommand) Name() string { return "stop" }

func (c *StopCommand) Validate(ctx context.Context, d Deps) error {
	if c.Task != "" {
		if _, err := pool.ParseSelector(c.Task); err != nil {
			return err
		}
	}
	if c.CyclePoint != "" {
		if _, err := parsePoint(d.Store.CyclingMode(), c.CyclePoint); err != nil {
			return err
		}
	}
	if c.ClockTime != "" {
		if _, err := time.Parse(time.RFC3339, c.ClockTime); err != nil {
			return &errs.InputError{Msg: "invalid stop clock time: " + err.Error()}
		}
	}
	return nil
}

func (c *StopCommand) Execute(ctx context.Context, d Deps) (any, error) {
	switch {
	case c.CyclePoint != "":
		pt, err := parsePoint(d.Store.CyclingMode(), c.CyclePoint)
		if err != nil {
			return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
		}
		d.Pool.SetStopPoint(pt)
	case c.ClockTime != "":
		t, _ := time.Parse(time.RFC3339, c.ClockTime)
		d.Pool.SetStopClock(t)
	case c.Task != "":
		sel, err := pool.ParseSelector(c.Task)
		if err != nil {
			return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
		}
		matched, _ := d.Pool.Match([]pool.Selector{sel})
		if len(matched) == 0 {
			return nil, &errs.CommandFailedError{Command: c.Name(), Cause: fmt.Errorf("no task matches %q", c.Task)}
		}
		d.Pool.SetStopTask(matched[0])
	default:
		mode := c.Mode
		if mode == "" {
			mode = StopRequestClean
		}
		if d.RequestStop != nil {
			d.RequestStop(mode)
		}
	}
	return nil, nil
}

// PauseCommand halts task release without altering pool state.
type PauseCommand struct{}

func (c *PauseCommand) Name() string                                  { return "pause" }
func (c *PauseCommand) Validate(ctx context.Context, d Deps) error     { return nil }
func (c *PauseCommand) Execute(ctx context.Context, d Deps) (any, error) {
	d.Pool.SetPaused(true)
	return nil, nil
}

// ResumeCommand lifts a pause.
type ResumeCommand struct{}

func (c *ResumeCommand) Name() string                              { return "resume" }
func (c *ResumeCommand) Validate(ctx context.Context, d Deps) error { return nil }
func (c *ResumeCommand) Execute(ctx context.Context, d Deps) (any, error) {
	d.Pool.SetPaused(false)
	return nil, nil
}

// HoldCommand holds the matched tasks.
type HoldCommand struct{ Tasks []string }

func (c *HoldCommand) Name() string { return "hold" }
func (c *HoldCommand) Validate(ctx context.Context, d Deps) error {
	_, err := parseSelectors(c.Tasks)
	return err
}
func (c *HoldCommand) Execute(ctx context.Context, d Deps) (any, error) {
	sels, err := parseSelectors(c.Tasks)
	if err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	matched, unmatched := d.Pool.Match(sels)
	d.Pool.Hold(matched)
	return len(unmatched), nil
}

// ReleaseCommand releases the matched tasks from hold.
type ReleaseCommand struct{ Tasks []string }

func (c *ReleaseCommand) Name() string { return "release" }
func (c *ReleaseCommand) Validate(ctx context.Context, d Deps) error {
	_, err := parseSelectors(c.Tasks)
	return err
}
func (c *ReleaseCommand) Execute(ctx context.Context, d Deps) (any, error) {
	sels, err := parseSelectors(c.Tasks)
	if err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	matched, unmatched := d.Pool.Match(sels)
	d.Pool.Release(matched)
	return len(unmatched), nil
}

// SetHoldPointCommand holds every task spawned after the given cycle
// point.
type SetHoldPointCommand struct{ Point string }

func (c *SetHoldPointCommand) Name() string { return "set_hold_point" }
func (c *SetHoldPointCommand) Validate(ctx context.Context, d Deps) error {
	_, err := parsePoint(d.Store.CyclingMode(), c.Point)
	return err
}
func (c *SetHoldPointCommand) Execute(ctx context.Context, d Deps) (any, error) {
	pt, err := parsePoint(d.Store.CyclingMode(), c.Point)
	if err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	d.Pool.SetHoldPoint(pt)
	return nil, nil
}

// ReleaseHoldPointCommand releases every held task and clears the hold
// cycle point.
type ReleaseHoldPointCommand struct{}

func (c *ReleaseHoldPointCommand) Name() string                              { return "release_hold_point" }
func (c *ReleaseHoldPointCommand) Validate(ctx context.Context, d Deps) error { return nil }
func (c *ReleaseHoldPointCommand) Execute(ctx context.Context, d Deps) (any, error) {
	d.Pool.ReleaseHoldPoint()
	var held []pool.ProxyKey
	for _, t := range d.Pool.All() {
		if t.Held {
			held = append(held, t.Key())
		}
	}
	d.Pool.Release(held)
	return nil, nil
}

// TriggerCommand force-triggers the matched tasks, resolving the
// connected-subgraph group rerun per spec §4.4.
type TriggerCommand struct {
	Tasks    []string
	Flow     []string
	OnResume bool
}

func (c *TriggerCommand) Name() string { return "trigger" }
func (c *TriggerCommand) Validate(ctx context.Context, d Deps) error {
	sels, err := parseSelectors(c.Tasks)
	if err != nil {
		return err
	}
	for _, tok := range c.Flow {
		if tok == "none" && d.Pool != nil {
			if matched, _ := d.Pool.Match(sels); len(matched) > 0 {
				return &errs.InputError{Msg: `--flow=none cannot be applied to an already-active task`}
			}
		}
	}
	return nil
}
func (c *TriggerCommand) Execute(ctx context.Context, d Deps) (any, error) {
	sels, err := parseSelectors(c.Tasks)
	if err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	matched, unmatched, err := resolveTriggerTargets(sels, d)
	if err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	flows, hasExplicit, err := parseFlowNums(c.Flow, d)
	if err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	result := d.Pool.Trigger(matched, flows, hasExplicit, c.OnResume)
	return struct {
		pool.TriggerResult
		Unmatched int
	}{result, unmatched}, nil
}

// resolveTriggerTargets resolves trigger selectors to proxy keys,
// including targets that have not been spawned yet: pool.Trigger's
// group-rerun algorithm is documented to accept such "inactive
// targets" directly, as long as their cycle point has been registered
// first. A selector only qualifies for this treatment when it names an
// exact cycle and task (no glob wildcard, no status filter) and still
// matches no live proxy; wildcard and status-filtered selectors only
// ever resolve against what is already in the pool.
func resolveTriggerTargets(sels []pool.Selector, d Deps) ([]pool.ProxyKey, int, error) {
	matched, unmatchedIdx := d.Pool.Match(sels)
	seen := make(map[pool.ProxyKey]bool, len(matched))
	for _, k := range matched {
		seen[k] = true
	}
	unmatched := 0
	for _, idx := range unmatchedIdx {
		sel := sels[idx]
		if sel.Cycle == "" || sel.Status != "" || !isExactSelectorToken(sel.Cycle) || !isExactSelectorToken(sel.Name) {
			unmatched++
			continue
		}
		pt, err := parsePoint(d.Store.CyclingMode(), sel.Cycle)
		if err != nil {
			return nil, 0, err
		}
		d.Pool.RegisterPoint(pt)
		k := pool.ProxyKey{Cycle: pt.String(), Name: sel.Name}
		if !seen[k] {
			seen[k] = true
			matched = append(matched, k)
		}
	}
	return matched, unmatched, nil
}

func isExactSelectorToken(s string) bool {
	return !strings.ContainsAny(s, "*?[]")
}

// parseFlowNums translates a command's raw --flow tokens into a
// concrete flowmgr.Set, routing through flowmgr.CLIToFlowNums for the
// "none"/"all" back-compat rules (spec §4.4/§6) instead of silently
// dropping anything that doesn't parse as a bare integer. A lone "new"
// token is handled here, via d.FlowMgr.New, since CLIToFlowNums
// deliberately refuses to hide that allocation as a side effect of
// token translation. The returned bool reports whether the caller gave
// an explicit flow selection at all (false for an empty token list and
// for the degenerate back-compat ["all"] token list, matching the
// pre-v2 "no opinion, use the scheduler's default flow set" meaning).
func parseFlowNums(raw []string, d Deps) (flowmgr.Set, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	if len(raw) == 1 && raw[0] == "new" {
		if d.FlowMgr == nil {
			return nil, false, &errs.InputError{Msg: `"new" flow token requires a flow manager`}
		}
		desc := d.FlowMgr.New("cli trigger")
		return flowmgr.NewSet(desc.Num), true, nil
	}
	explicit := flowmgr.BackCompatFlowAll(raw) != nil
	set, err := flowmgr.CLIToFlowNums(raw, activeFlows(d.Pool))
	if err != nil {
		return nil, false, err
	}
	return set, explicit, nil
}

// activeFlows unions the flow membership of every live proxy, for
// CLIToFlowNums's "all" expansion.
func activeFlows(p *pool.Pool) flowmgr.Set {
	out := flowmgr.NewSet()
	if p == nil {
		return out
	}
	for _, t := range p.All() {
		out = flowmgr.Union(out, t.Flows)
	}
	return out
}

// SetCommand forces declared outputs and prerequisites on the matched
// tasks (spec §4.5's set_prereqs_and_outputs). Grounded on
// original_source/cylc/flow/commands.py's set().
type SetCommand struct {
	Tasks        []string
	Outputs      []string
	Prereqs      []pool.OutputRef
	Flow         []string
}

func (c *SetCommand) Name() string { return "set" }
func (c *SetCommand) Validate(ctx context.Context, d Deps) error {
	_, err := parseSelectors(c.Tasks)
	return err
}
func (c *SetCommand) Execute(ctx context.Context, d Deps) (any, error) {
	sels, err := parseSelectors(c.Tasks)
	if err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	matched, unmatched := d.Pool.Match(sels)
	flows, hasExplicit, err := parseFlowNums(c.Flow, d)
	if err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	if !hasExplicit {
		flows = flowmgr.NewSet(1)
	}
	d.Pool.SetPrereqsAndOutputs(matched, c.Outputs, c.Prereqs, flows)
	return len(unmatched), nil
}

// RemoveCommand removes the matched tasks from the pool.
type RemoveCommand struct {
	Tasks []string
	Flow  []string
}

func (c *RemoveCommand) Name() string { return "remove" }
func (c *RemoveCommand) Validate(ctx context.Context, d Deps) error {
	_, err := parseSelectors(c.Tasks)
	return err
}
func (c *RemoveCommand) Execute(ctx context.Context, d Deps) (any, error) {
	sels, err := parseSelectors(c.Tasks)
	if err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	matched, _ := d.Pool.Match(sels)
	flows, hasExplicit, err := parseFlowNums(c.Flow, d)
	if err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	if !hasExplicit {
		flows = activeFlows(d.Pool)
	}
	outcomes := d.Pool.Remove(matched, flows)
	if d.Jobs != nil {
		var toKill []pool.ProxyKey
		for _, o := range outcomes {
			if o.NeedsKill {
				toKill = append(toKill, o.Key)
			}
		}
		if len(toKill) > 0 {
			d.Jobs.Kill(ctx, toKill)
		}
	}
	return outcomes, nil
}

// KillCommand kills the live jobs behind the matched tasks.
type KillCommand struct{ Tasks []string }

func (c *KillCommand) Name() string { return "kill" }
func (c *KillCommand) Validate(ctx context.Context, d Deps) error {
	_, err := parseSelectors(c.Tasks)
	return err
}
func (c *KillCommand) Execute(ctx context.Context, d Deps) (any, error) {
	sels, err := parseSelectors(c.Tasks)
	if err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	matched, unmatched := d.Pool.Match(sels)
	if d.Jobs != nil {
		d.Jobs.Kill(ctx, matched)
	}
	return len(unmatched), nil
}

// PollCommand re-checks the live jobs behind the matched tasks.
type PollCommand struct{ Tasks []string }

func (c *PollCommand) Name() string { return "poll" }
func (c *PollCommand) Validate(ctx context.Context, d Deps) error {
	_, err := parseSelectors(c.Tasks)
	return err
}
func (c *PollCommand) Execute(ctx context.Context, d Deps) (any, error) {
	sels, err := parseSelectors(c.Tasks)
	if err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	matched, unmatched := d.Pool.Match(sels)
	if d.Jobs != nil {
		d.Jobs.Poll(ctx, matched)
	}
	return len(unmatched), nil
}

// ReloadWorkflowCommand reloads the resolved workflow configuration,
// keeping the prior config live if the reload fails (spec §1, §4.10).
type ReloadWorkflowCommand struct{}

func (c *ReloadWorkflowCommand) Name() string                              { return "reload_workflow" }
func (c *ReloadWorkflowCommand) Validate(ctx context.Context, d Deps) error { return nil }
func (c *ReloadWorkflowCommand) Execute(ctx context.Context, d Deps) (any, error) {
	if d.Reload == nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: fmt.Errorf("reload not wired")}
	}
	if err := d.Reload(ctx); err != nil {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: err}
	}
	return nil, nil
}

// SetVerbosityCommand changes the scheduler's log level at runtime.
type SetVerbosityCommand struct{ Level string }

func (c *SetVerbosityCommand) Name() string { return "set_verbosity" }
func (c *SetVerbosityCommand) Validate(ctx context.Context, d Deps) error {
	_, ok := logging.ParseLevel(c.Level)
	if !ok {
		return &errs.InputError{Msg: "unrecognised log level " + c.Level}
	}
	return nil
}
func (c *SetVerbosityCommand) Execute(ctx context.Context, d Deps) (any, error) {
	level, ok := logging.ParseLevel(c.Level)
	if !ok {
		return nil, &errs.CommandFailedError{Command: c.Name(), Cause: fmt.Errorf("unrecognised log level %q", c.Level)}
	}
	if d.SetLevel != nil {
		return nil, d.SetLevel(c.Level)
	}
	logging.SetLevel(level)
	return nil, nil
}
