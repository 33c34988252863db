// Package config decodes an already-resolved workflow configuration
// document. It is deliberately not a parser for any workflow definition
// language: by the time a WorkflowConfig reaches this package every
// inheritance, template and cross-reference has already been resolved
// by an external front-end. This package only gives that resolved
// document a concrete Go shape and a YAML encoding for it.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// CyclingMode selects which cycling.Domain a workflow's points live in.
type CyclingMode string

const (
	CyclingInteger CyclingMode = "integer"
	CyclingISO8601 CyclingMode = "iso8601"
)

// RunMode controls whether a task is actually dispatched to a JobRunner
// or completed internally by the job manager (§3 supplemented feature).
type RunMode string

const (
	RunModeLive       RunMode = "live"
	RunModeSimulation RunMode = "simulation"
	RunModeSkip       RunMode = "skip"
	RunModeDummy      RunMode = "dummy"
)

// RetryEntry is one step of a task's retry schedule: entry i (counting
// from 0) applies when submission i+1 fails, and waits Delay before
// resubmitting.
type RetryEntry struct {
	Delay string `yaml:"delay"` // wall-clock duration literal (time.ParseDuration), parsed by internal/event
}

// OutputSpec declares one task output label.
type OutputSpec struct {
	Label    string `yaml:"label"`
	Required bool   `yaml:"required"`
}

// TriggerSpec is one inbound edge: this task depends on
// upstream_name[cycle_offset]:output_label, combined with siblings per
// DisjunctGroup.
type TriggerSpec struct {
	Upstream     string `yaml:"upstream"`
	PointOffset  string `yaml:"point_offset"` // e.g. "P0", "-P1", "" for same point
	Output       string `yaml:"output"`       // defaults to "succeeded"
	Qualifier    string `yaml:"qualifier"`    // optional custom qualifier text
	Suicide      bool   `yaml:"suicide"`
	DisjunctGroup int   `yaml:"disjunct_group"` // triples sharing a group index are OR'd; distinct groups are AND'd
}

// RuntimeSpec is the resolved (post-inheritance) runtime configuration
// for a task.
type RuntimeSpec struct {
	Command          string            `yaml:"command"`
	Platform         string            `yaml:"platform"`
	Env              map[string]string `yaml:"env"`
	RunMode          RunMode           `yaml:"run_mode"`
	SimulatedSeconds float64           `yaml:"simulated_seconds"`
	RetrySchedule    []RetryEntry      `yaml:"retry_schedule"`
	ExecutionKind    string            `yaml:"execution_kind"` // selects the JobRunner sub-runner: http|script|shell|policy|model|sql|kafka|grpc
	AllowFailure     bool              `yaml:"allow_failure"`
	LateOffset       string            `yaml:"late_offset"`
}

// TaskDefSpec is the as-configured (pre-compile) description of a
// TaskDef; internal/graph compiles one of these per task name into the
// immutable graph.TaskDef.
type TaskDefSpec struct {
	Name           string        `yaml:"name"`
	Families       []string      `yaml:"families"`
	Sequences      []string      `yaml:"sequences"` // recurrence literals resolved by internal/cycling
	Triggers       []TriggerSpec `yaml:"triggers"`
	Outputs        []OutputSpec  `yaml:"outputs"`
	Xtriggers      []string      `yaml:"xtriggers"`
	ExternalOutput string        `yaml:"external_trigger_message"`
	Runtime        RuntimeSpec   `yaml:"runtime"`
	Parentless     bool          `yaml:"parentless"`
	Sequential     bool          `yaml:"sequential"`
	OneOff         bool          `yaml:"one_off"`
	ClockOffset    string        `yaml:"clock_offset"` // non-empty marks the task clock-triggered
	ClockExpireOff string        `yaml:"clock_expire_offset"`
}

// QueueSpec names a concurrency-limited execution queue.
type QueueSpec struct {
	Name    string   `yaml:"name"`
	Limit   int      `yaml:"limit"`
	Members []string `yaml:"members"`
}

// XtriggerSpec describes a periodically evaluated external predicate.
type XtriggerSpec struct {
	Label    string            `yaml:"label"`
	Function string            `yaml:"function"`
	Args     map[string]string `yaml:"args"`
	Interval string            `yaml:"interval"` // robfig/cron "@every" expression
}

// EventsSpec configures scheduler-wide timeouts and handler commands.
type EventsSpec struct {
	InactivityTimeout string            `yaml:"inactivity_timeout"`
	StallTimeout      string            `yaml:"stall_timeout"`
	Handlers          map[string]string `yaml:"handlers"` // event name -> shell command template
}

// RunaheadSpec is exactly one of Interval or Count, matching spec §6's
// "either a cycle-distance interval or an integer count, exactly one".
type RunaheadSpec struct {
	Interval string `yaml:"interval,omitempty"`
	Count    int    `yaml:"count,omitempty"`
}

// WorkflowConfig is the resolved configuration the scheduler core
// consumes, per spec §6.
type WorkflowConfig struct {
	Name          string                  `yaml:"name"`
	InitialPoint  string                  `yaml:"initial_point"`
	FinalPoint    string                  `yaml:"final_point"`
	StopPoint     string                  `yaml:"stop_point,omitempty"`
	CyclingMode   CyclingMode             `yaml:"cycling_mode"`
	Runahead      RunaheadSpec            `yaml:"runahead_limit"`
	TaskDefs      map[string]TaskDefSpec  `yaml:"taskdefs"`
	Queues        map[string]QueueSpec    `yaml:"queues"`
	Xtriggers     map[string]XtriggerSpec `yaml:"xtriggers"`
	Events        EventsSpec              `yaml:"events"`
	RunDir        string                  `yaml:"run_dir"`
	ShareDir      string                  `yaml:"share_dir"`
	WorkDir       string                  `yaml:"work_dir"`

	// TemplateVars records the front-end's template-variable bindings
	// used to resolve this document, kept only so a restarted scheduler
	// can explain a task's resolved runtime without re-resolving the
	// (external) config front-end.
	TemplateVars map[string]string `yaml:"template_variables,omitempty"`
}

// Load decodes a resolved WorkflowConfig document from path.
func Load(path string) (*WorkflowConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg WorkflowConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
