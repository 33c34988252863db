// Package pool implements the live task pool (spec §4.5): the set of
// task proxies, their runahead window, queues, and hold state. Per the
// arena-plus-index design note (spec §9), proxies are stored as values
// in a pool-owned map keyed by (cycle, name) rather than as a network
// of cross-referencing objects.
package pool

import (
	"time"

	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/prereq"
)

// Status is a task proxy's position in the state machine (spec §3):
// waiting -> preparing -> submitted -> running ->
// {succeeded | failed | submit-failed | expired}. Held is tracked as
// an orthogonal flag on TaskProxy, not a Status value.
type Status int

const (
	StatusWaiting Status = iota
	StatusPreparing
	StatusSubmitted
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusSubmitFailed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusPreparing:
		return "preparing"
	case StatusSubmitted:
		return "submitted"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSubmitFailed:
		return "submit-failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSubmitFailed, StatusExpired:
		return true
	default:
		return false
	}
}

func (s Status) IsActive() bool {
	switch s {
	case StatusPreparing, StatusSubmitted, StatusRunning:
		return true
	default:
		return false
	}
}

// ProxyKey identifies a proxy by its cycle point's canonical string and
// task name. It deliberately does not include flow numbers: per spec
// §3's uniqueness invariant, no two proxies share (cycle, name,
// flow_nums) — but within this pool a single proxy value carries the
// full flow_nums set, so (cycle, name) alone is the map key and flow
// membership is a field, not part of identity.
type ProxyKey struct {
	Cycle string
	Name  string
}

// TaskProxy is a live instance of a TaskDef at a specific cycle point.
type TaskProxy struct {
	Cycle    string // canonical cycle point string
	Name     string
	Flows    flowmgr.Set
	Status   Status
	Held     bool
	Removed  bool
	Late     bool
	Queue    string
	SubmitNum int

	Prereq           *prereq.Prerequisite
	XtriggersSatisfied map[string]bool
	CompletedOutputs   map[string]bool

	SubmitTime *time.Time
	StartTime  *time.Time
	CreatedAt  time.Time // wall-clock spawn time, the base late detection measures from
	Platform   string

	// RetryAt is set by the event manager when a failed submission still
	// has retries remaining (spec §4.6): the proxy goes back to waiting
	// immediately, but stays ineligible for release until this time.
	// Distinct from SubmitTime, which records when a submission actually
	// went out.
	RetryAt *time.Time

	AllowFailure bool
}

// Key returns this proxy's pool map key.
func (p *TaskProxy) Key() ProxyKey { return ProxyKey{Cycle: p.Cycle, Name: p.Name} }

// IsComplete reports whether every required output has been signalled,
// or the proxy reached an expected terminal failure (spec §3).
func (p *TaskProxy) IsComplete(requiredOutputs []string) bool {
	if p.Status == StatusFailed && p.AllowFailure {
		return true
	}
	for _, o := range requiredOutputs {
		if !p.CompletedOutputs[o] {
			return false
		}
	}
	return true
}

// ReleaseEligible reports whether this proxy may be released to run
// this tick: waiting, not held, all prerequisites and xtriggers
// satisfied, and (if it failed a previous attempt with retries
// remaining) its retry timer has elapsed.
func (p *TaskProxy) ReleaseEligible() bool {
	if p.Status != StatusWaiting || p.Held || p.Removed {
		return false
	}
	if p.RetryAt != nil && time.Now().Before(*p.RetryAt) {
		return false
	}
	if p.Prereq != nil && !p.Prereq.AllSatisfied() {
		return false
	}
	for _, ok := range p.XtriggersSatisfied {
		if !ok {
			return false
		}
	}
	return true
}
