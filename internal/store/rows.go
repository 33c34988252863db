package store

import "time"

// TaskPoolRow mirrors the task_pool table (spec §4.9): the live pool,
// rewritten for every live proxy each tick. Keyed by "cycle/name".
type TaskPoolRow struct {
	Cycle    string
	Name     string
	FlowNums []int
	Status   string
	IsHeld   bool
}

// TaskOutputRow mirrors task_outputs: every completed output. Keyed by
// "cycle/name/output_label".
type TaskOutputRow struct {
	Cycle      string
	Name       string
	FlowNums   []int
	OutputLabel string
	Reason     string
}

// TaskPrereqRow mirrors task_prerequisites: forced prerequisite
// satisfactions that must survive restart. Keyed by
// "cycle/name/prereq_cycle/prereq_name/prereq_output".
type TaskPrereqRow struct {
	Cycle        string
	Name         string
	PrereqCycle  string
	PrereqName   string
	PrereqOutput string
	Reason       string
}

// TaskJobRow mirrors task_jobs. Keyed by "cycle/name/submit_num".
type TaskJobRow struct {
	Cycle     string
	Name      string
	SubmitNum int
	Platform  string
	SubmitTime *time.Time
	StartTime  *time.Time
	EndTime    *time.Time
	Status     string
	// Kind and HandleID are not named in the spec's column list but are
	// required for restart reconciliation to know which JobRunner and
	// handle to poll; carried as extra columns on this row rather than a
	// separate table, since they are 1:1 with a task_jobs row.
	Kind     string
	HandleID string
}

// BroadcastStateRow mirrors broadcast_states. Keyed by
// "point/namespace/setting_path".
type BroadcastStateRow struct {
	Point      string
	Namespace  string
	SettingPath string
	Value      string
}

// XtriggerRow mirrors xtriggers. Keyed by "label/args_hash".
type XtriggerRow struct {
	Label    string
	ArgsHash string
	Result   bool
}

// FlowRow mirrors flows. Keyed by the decimal flow number.
type FlowRow struct {
	FlowNum     int
	Description string
	CreatedAt   time.Time
}

// WorkflowParamsRow mirrors workflow_params — a flat key/value table;
// there is deliberately no Go struct for it, callers read/write scalar
// values directly by key (InitialPoint, FinalPoint, StopPoint, UUID,
// HoldFlag) via Get/Enqueue.
const (
	ParamInitialPoint = "initial_point"
	ParamFinalPoint   = "final_point"
	ParamStopPoint    = "stop_point"
	ParamUUID         = "uuid"
	ParamHoldFlag     = "hold_flag"
)
