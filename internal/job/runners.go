package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func handleFor(d Descriptor) Handle {
	return Handle{ID: fmt.Sprintf("%s/%s/%d", d.Cycle, d.Name, d.SubmitNum)}
}

// HTTPRunner submits a task as an HTTP request against the runtime's
// configured command (interpreted as a URL), grounded on
// orchestrator_ref/task_executor.go's HTTPTaskExecutor.
type HTTPRunner struct {
	client *http.Client
	tracer trace.Tracer
}

func NewHTTPRunner(client *http.Client) *HTTPRunner {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPRunner{client: client, tracer: otel.Tracer("cyclesched-job-http")}
}

func (r *HTTPRunner) Prepare(ctx context.Context, d Descriptor) error {
	if d.Runtime.Command == "" {
		return fmt.Errorf("http runner: empty command (url)")
	}
	return nil
}

func (r *HTTPRunner) Submit(ctx context.Context, d Descriptor) (Handle, State, error) {
	h := handleFor(d)
	ctx, span := r.tracer.Start(ctx, "job.http.submit", trace.WithAttributes(
		attribute.String("url", d.Runtime.Command), attribute.String("task", d.Name)))
	defer span.End()

	var body io.Reader
	if len(d.Runtime.Env) > 0 {
		b, err := json.Marshal(d.Runtime.Env)
		if err != nil {
			return h, State{Phase: "submit-failed"}, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Runtime.Command, body)
	if err != nil {
		return h, State{Phase: "submit-failed"}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-Cycle", d.Cycle)
	req.Header.Set("X-Task-Name", d.Name)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := r.client.Do(req)
	if err != nil {
		return h, State{Phase: "submit-failed", Detail: err.Error()}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return h, State{Phase: "submit-failed", Detail: err.Error()}, nil
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		return h, State{Phase: "failed", Detail: fmt.Sprintf("http %d: %s", resp.StatusCode, respBody)}, nil
	}

	var out map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			out = map[string]any{"body": string(respBody)}
		}
	}
	return h, State{Phase: "succeeded", Output: out}, nil
}

func (r *HTTPRunner) Poll(ctx context.Context, h Handle) (State, error) {
	return State{Phase: "succeeded"}, nil
}

func (r *HTTPRunner) Kill(ctx context.Context, h Handle) error { return nil }

// ScriptRunner runs the runtime's command as an interpreted script via
// a configured interpreter (default "python3"), grounded on
// orchestrator_ref/plugins.go's PythonPlugin, generalized to whatever
// interpreter the runtime declares since the core makes no assumption
// about the executing language (§1 Non-goals).
type ScriptRunner struct {
	interpreter string
	tracer      trace.Tracer
}

func NewScriptRunner(interpreter string) *ScriptRunner {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &ScriptRunner{interpreter: interpreter, tracer: otel.Tracer("cyclesched-job-script")}
}

func (r *ScriptRunner) Prepare(ctx context.Context, d Descriptor) error {
	if d.Runtime.Command == "" {
		return fmt.Errorf("script runner: empty command")
	}
	return nil
}

func (r *ScriptRunner) Submit(ctx context.Context, d Descriptor) (Handle, State, error) {
	h := handleFor(d)
	ctx, span := r.tracer.Start(ctx, "job.script.submit", trace.WithAttributes(attribute.String("task", d.Name)))
	defer span.End()

	cmd := exec.CommandContext(ctx, r.interpreter, d.Runtime.Command)
	cmd.Env = jobEnv(d)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return h, State{Phase: "failed", Detail: stderr.String()}, nil
	}
	return h, State{Phase: "succeeded", Output: map[string]any{"stdout": stdout.String()}}, nil
}

func (r *ScriptRunner) Poll(ctx context.Context, h Handle) (State, error) {
	return State{Phase: "succeeded"}, nil
}

func (r *ScriptRunner) Kill(ctx context.Context, h Handle) error { return nil }

// ShellRunner runs the runtime's command through an allow-listed shell
// command, grounded on orchestrator_ref/plugins.go's ShellPlugin.
type ShellRunner struct {
	allowed map[string]bool
	tracer  trace.Tracer
}

func NewShellRunner(allowed []string) *ShellRunner {
	set := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		set[c] = true
	}
	if len(set) == 0 {
		set = map[string]bool{"echo": true, "cat": true, "grep": true, "awk": true, "sed": true, "jq": true}
	}
	return &ShellRunner{allowed: set, tracer: otel.Tracer("cyclesched-job-shell")}
}

func (r *ShellRunner) Prepare(ctx context.Context, d Descriptor) error {
	parts := strings.Fields(d.Runtime.Command)
	if len(parts) == 0 {
		return fmt.Errorf("shell runner: empty command")
	}
	if !r.allowed[parts[0]] {
		return fmt.Errorf("shell runner: command not allowed: %s", parts[0])
	}
	return nil
}

func (r *ShellRunner) Submit(ctx context.Context, d Descriptor) (Handle, State, error) {
	h := handleFor(d)
	ctx, span := r.tracer.Start(ctx, "job.shell.submit", trace.WithAttributes(attribute.String("task", d.Name)))
	defer span.End()

	parts := strings.Fields(d.Runtime.Command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Env = jobEnv(d)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return h, State{Phase: "failed", Detail: stderr.String()}, nil
	}
	return h, State{Phase: "succeeded", Output: map[string]any{"stdout": stdout.String(), "stderr": stderr.String()}}, nil
}

func (r *ShellRunner) Poll(ctx context.Context, h Handle) (State, error) {
	return State{Phase: "succeeded"}, nil
}

func (r *ShellRunner) Kill(ctx context.Context, h Handle) error { return nil }

// PolicyRunner evaluates the runtime's command as a policy name
// against an external policy service, grounded on
// orchestrator_ref/task_executor.go's PolicyTaskExecutor.
type PolicyRunner struct {
	baseURL string
	client  *http.Client
	tracer  trace.Tracer
}

func NewPolicyRunner(baseURL string) *PolicyRunner {
	if baseURL == "" {
		baseURL = envDefault("CYCLESCHED_POLICY_SERVICE_URL", "http://policy-service:8080")
	}
	return &PolicyRunner{baseURL: baseURL, client: http.DefaultClient, tracer: otel.Tracer("cyclesched-job-policy")}
}

func (r *PolicyRunner) Prepare(ctx context.Context, d Descriptor) error {
	if d.Runtime.Command == "" {
		return fmt.Errorf("policy runner: empty policy name")
	}
	return nil
}

func (r *PolicyRunner) Submit(ctx context.Context, d Descriptor) (Handle, State, error) {
	h := handleFor(d)
	ctx, span := r.tracer.Start(ctx, "job.policy.submit", trace.WithAttributes(attribute.String("policy", d.Runtime.Command)))
	defer span.End()

	reqBody, err := json.Marshal(map[string]any{"policy": d.Runtime.Command, "input": d.Runtime.Env})
	if err != nil {
		return h, State{Phase: "submit-failed"}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/evaluate", bytes.NewReader(reqBody))
	if err != nil {
		return h, State{Phase: "submit-failed"}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return h, State{Phase: "submit-failed", Detail: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return h, State{Phase: "failed", Detail: string(body)}, nil
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return h, State{Phase: "failed", Detail: err.Error()}, nil
	}
	return h, State{Phase: "succeeded", Output: out}, nil
}

func (r *PolicyRunner) Poll(ctx context.Context, h Handle) (State, error) {
	return State{Phase: "succeeded"}, nil
}

func (r *PolicyRunner) Kill(ctx context.Context, h Handle) error { return nil }

// unimplementedRunner backs every execution kind the teacher's plugin
// registry declared but never implemented (model inference, gRPC, SQL,
// Kafka): compute platforms the scheduler core never needs to execute
// itself (§1 Non-goals).
type unimplementedRunner struct{ kind string }

func (u unimplementedRunner) Prepare(ctx context.Context, d Descriptor) error { return ErrRunnerNotImplemented }
func (u unimplementedRunner) Submit(ctx context.Context, d Descriptor) (Handle, State, error) {
	return Handle{}, State{}, ErrRunnerNotImplemented
}
func (u unimplementedRunner) Poll(ctx context.Context, h Handle) (State, error) {
	return State{}, ErrRunnerNotImplemented
}
func (u unimplementedRunner) Kill(ctx context.Context, h Handle) error { return ErrRunnerNotImplemented }

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// reservedEnv builds the environment variables spec §6 requires every
// job receive, from d's workflow-wide and per-proxy fields.
func reservedEnv(d Descriptor) []string {
	flowStr := make([]string, 0, len(d.FlowNums))
	for _, n := range d.FlowNums {
		flowStr = append(flowStr, strconv.Itoa(n))
	}
	return []string{
		"CYCLESCHED_WORKFLOW_NAME=" + d.WorkflowName,
		"CYCLESCHED_WORKFLOW_RUN_DIR=" + d.RunDir,
		"CYCLESCHED_SHARE_DIR=" + d.ShareDir,
		"CYCLESCHED_WORK_DIR=" + d.WorkDir,
		"CYCLESCHED_CYCLE_POINT=" + d.Cycle,
		"CYCLESCHED_TASK_NAME=" + d.Name,
		"CYCLESCHED_SUBMIT_NUM=" + strconv.Itoa(d.SubmitNum),
		"CYCLESCHED_TASK_URL=" + d.Runtime.Command,
		"CYCLESCHED_FLOW_NUMS=" + strings.Join(flowStr, ","),
	}
}

// jobEnv combines the host environment with a runtime's configured env
// and the reserved variables, for runners that exec a subprocess.
func jobEnv(d Descriptor) []string {
	env := os.Environ()
	env = append(env, envSlice(d.Runtime.Env)...)
	return append(env, reservedEnv(d)...)
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
