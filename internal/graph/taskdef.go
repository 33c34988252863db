package graph

import (
	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/cycling"
)

// CompiledTrigger is one resolved inbound edge: the holding task
// depends on Upstream at PointOffset relative to its own cycle point,
// on Output (defaulting to "succeeded"), grouped with siblings sharing
// DisjunctGroup into an OR, with distinct groups AND'd together.
type CompiledTrigger struct {
	Upstream      string
	PointOffset   cycling.Interval
	Output        string
	Qualifier     string
	Suicide       bool
	DisjunctGroup int
}

// OutputDecl is a declared task output.
type OutputDecl struct {
	Label    string
	Required bool
}

// TaskDef is the immutable, compiled description of one task: name,
// triggers, outputs, runtime. Per the tagged-variant design note (spec
// §9), cycling/one-off/sequential/clock-triggered behaviour is carried
// as plain fields plus the Behavior accessor methods below, not as a
// type hierarchy.
type TaskDef struct {
	Name              string
	Families          []string
	Sequences         []*cycling.Sequence
	Triggers          []CompiledTrigger
	Outputs           []OutputDecl
	XtriggerLabels    []string
	ExternalTrigger   string
	Runtime           config.RuntimeSpec
	parentless        bool
	sequential        bool
	oneOff            bool
	clockOffset       cycling.Interval
	isClockTriggered  bool
	clockExpireOffset cycling.Interval
	hasClockExpire    bool
}

// IsParentless reports whether this task has no in-graph prerequisite
// and should be spawned automatically as its sequence admits new
// points, up to the runahead window.
func (d *TaskDef) IsParentless() bool { return d.parentless }

// IsSequential reports whether successive instances of this task on
// its sequence are mutually exclusive: the next instance may not start
// until the current one finishes.
func (d *TaskDef) IsSequential() bool { return d.sequential }

// IsOneOff reports whether this task fires at most once, regardless of
// how many points its (degenerate, single-point) sequence would
// otherwise admit.
func (d *TaskDef) IsOneOff() bool { return d.oneOff }

// IsClockTriggered reports whether this task gates on wall-clock time
// reaching cycle point + offset, returning that offset.
func (d *TaskDef) IsClockTriggered() (cycling.Interval, bool) {
	return d.clockOffset, d.isClockTriggered
}

// ClockExpireOffset reports the offset past which a still-waiting
// instance of this task should be marked "expired" rather than run.
func (d *TaskDef) ClockExpireOffset() (cycling.Interval, bool) {
	return d.clockExpireOffset, d.hasClockExpire
}

// RequiredOutputs returns the labels of this TaskDef's required
// outputs (defaulting to just "succeeded" when none are declared).
func (d *TaskDef) RequiredOutputs() []string {
	var req []string
	for _, o := range d.Outputs {
		if o.Required {
			req = append(req, o.Label)
		}
	}
	if len(req) == 0 {
		req = []string{"succeeded"}
	}
	return req
}

// HasSequence reports whether p lies on any of this TaskDef's
// sequences.
func (d *TaskDef) HasSequence(p cycling.Point) bool {
	for _, s := range d.Sequences {
		if s.IsOnSequence(p) {
			return true
		}
	}
	return false
}

// FirstPointFrom returns the earliest point at or after from on any of
// this TaskDef's sequences.
func (d *TaskDef) FirstPointFrom(from cycling.Point) (cycling.Point, bool) {
	var best cycling.Point
	found := false
	for _, s := range d.Sequences {
		p, ok := s.FirstPointAfter(from)
		if !ok {
			continue
		}
		if !found || p.Compare(best) < 0 {
			best = p
			found = true
		}
	}
	return best, found
}
