// Package job implements the job manager (spec §4.7): resolving a
// proxy's effective runtime, dispatching it to the platform-specific
// JobRunner, tracking submitted jobs, polling them, and killing live
// jobs on request.
package job

import (
	"context"
	"errors"

	"github.com/cyclerun/scheduler/internal/config"
)

// ErrRunnerNotImplemented is returned by execution kinds the core
// recognises but does not itself run (§1 Non-goals: the core is not
// the job executor for every compute platform).
var ErrRunnerNotImplemented = errors.New("job: runner not implemented for this execution kind")

// Descriptor is the fully-resolved job to submit: the taskdef's
// runtime merged with inherited/broadcast overrides (§4.7), keyed by
// (cycle, name, submit_num).
type Descriptor struct {
	Cycle     string
	Name      string
	SubmitNum int
	Runtime   config.RuntimeSpec
	Platform  string

	// WorkflowName/RunDir/ShareDir/WorkDir/FlowNums back the reserved
	// environment variables spec §6 requires every job receive; they
	// are workflow-wide except FlowNums, which is the submitting
	// proxy's own flow membership.
	WorkflowName string
	RunDir       string
	ShareDir     string
	WorkDir      string
	FlowNums     []int
}

// State is the outcome JobRunner reports back, translated by the
// caller into an event.Message.
type State struct {
	Phase     string // "submitted" | "running" | "succeeded" | "failed" | "submit-failed"
	Detail    string
	Output    map[string]any
}

// Handle identifies one submitted job to its runner for later Poll/Kill
// calls. Runners that execute synchronously to completion (HTTP,
// script, shell, policy — all short-lived request/response or
// subprocess calls) need no out-of-band handle; ID is the descriptor's
// own (cycle, name, submit_num) triple stringified.
type Handle struct {
	ID string
}

// JobRunner is the platform-execution interface every execution kind
// implements (spec §6).
type JobRunner interface {
	// Prepare resolves any platform-specific setup (e.g. validating a
	// allow-listed shell command) before Submit is attempted.
	Prepare(ctx context.Context, d Descriptor) error
	// Submit starts the job and, for the synchronous runners this
	// scheduler ships, blocks until it reaches a terminal state.
	Submit(ctx context.Context, d Descriptor) (Handle, State, error)
	// Poll re-checks a job's state; used on restart reconciliation and
	// by the poll command, since this scheduler's synchronous runners
	// otherwise report their terminal state directly from Submit.
	Poll(ctx context.Context, h Handle) (State, error)
	// Kill terminates a live job. A no-op (but not an error) if the job
	// already reached a terminal state.
	Kill(ctx context.Context, h Handle) error
}
