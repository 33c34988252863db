package job

import (
	"context"
	"net/http"
)

// MultiRunner routes a Descriptor to the JobRunner registered for its
// ExecutionKind, grounded on orchestrator_ref/task_executor.go's
// MultiTaskExecutor and plugins.go's PluginRegistry.
type MultiRunner struct {
	runners map[string]JobRunner
}

// NewMultiRunner builds the default runner set: http, script, shell,
// policy fully implemented; model/grpc/sql/kafka left as the teacher's
// unimplemented plugin stubs.
func NewMultiRunner(httpClient *http.Client, scriptInterpreter string, shellAllowed []string, policyURL string) *MultiRunner {
	return &MultiRunner{
		runners: map[string]JobRunner{
			"http":   NewHTTPRunner(httpClient),
			"script": NewScriptRunner(scriptInterpreter),
			"shell":  NewShellRunner(shellAllowed),
			"policy": NewPolicyRunner(policyURL),
			"model":  unimplementedRunner{kind: "model"},
			"grpc":   unimplementedRunner{kind: "grpc"},
			"sql":    unimplementedRunner{kind: "sql"},
			"kafka":  unimplementedRunner{kind: "kafka"},
		},
	}
}

// RunnerFor returns the runner registered for kind, so callers that
// already know which kind produced a Handle (the job manager's own
// tracking table) can route Poll/Kill directly rather than guessing.
func (m *MultiRunner) RunnerFor(kind string) (JobRunner, bool) {
	r, ok := m.runners[kind]
	return r, ok
}

func (m *MultiRunner) Prepare(ctx context.Context, d Descriptor) error {
	r, ok := m.RunnerFor(d.Runtime.ExecutionKind)
	if !ok {
		return ErrRunnerNotImplemented
	}
	return r.Prepare(ctx, d)
}

func (m *MultiRunner) Submit(ctx context.Context, d Descriptor) (Handle, State, error) {
	r, ok := m.RunnerFor(d.Runtime.ExecutionKind)
	if !ok {
		return Handle{}, State{}, ErrRunnerNotImplemented
	}
	return r.Submit(ctx, d)
}
