package store

import (
	"encoding/json"
	"fmt"

	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/job"
	"github.com/cyclerun/scheduler/internal/pool"
)

func taskPoolKey(cycle, name string) []byte { return []byte(cycle + "/" + name) }

// EnqueueTaskPool buffers a task_pool row write for t; the main loop
// calls it for every live proxy each tick (spec §4.9).
func (s *Store) EnqueueTaskPool(t *pool.TaskProxy) error {
	row := TaskPoolRow{
		Cycle: t.Cycle, Name: t.Name, FlowNums: t.Flows.Slice(),
		Status: t.Status.String(), IsHeld: t.Held,
	}
	return s.EnqueueJSON(BucketTaskPool(), taskPoolKey(t.Cycle, t.Name), row)
}

// EnqueueTaskPoolRemoval buffers the removal of a proxy's task_pool row.
func (s *Store) EnqueueTaskPoolRemoval(cycle, name string) {
	s.EnqueueDelete(BucketTaskPool(), taskPoolKey(cycle, name))
}

// LoadTaskPool reads every task_pool row, for restart repopulation of
// the in-memory pool.
func (s *Store) LoadTaskPool() ([]TaskPoolRow, error) {
	var rows []TaskPoolRow
	err := s.ForEach(BucketTaskPool(), func(_, v []byte) error {
		var row TaskPoolRow
		if err := json.Unmarshal(v, &row); err != nil {
			return fmt.Errorf("store: decode task_pool row: %w", err)
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func taskOutputKey(cycle, name, label string) []byte {
	return []byte(cycle + "/" + name + "/" + label)
}

// EnqueueTaskOutput buffers a task_outputs row for one completed output.
func (s *Store) EnqueueTaskOutput(t *pool.TaskProxy, label, reason string) error {
	row := TaskOutputRow{Cycle: t.Cycle, Name: t.Name, FlowNums: t.Flows.Slice(), OutputLabel: label, Reason: reason}
	return s.EnqueueJSON(BucketTaskOutputs(), taskOutputKey(t.Cycle, t.Name, label), row)
}

func taskPrereqKey(cycle, name, prereqCycle, prereqName, prereqOutput string) []byte {
	return []byte(cycle + "/" + name + "/" + prereqCycle + "/" + prereqName + "/" + prereqOutput)
}

// EnqueueTaskPrereq buffers a forced-satisfaction row so it survives
// restart (spec §4.9): only natural satisfactions are re-derived from
// task_outputs on restart, forced ones are not.
func (s *Store) EnqueueTaskPrereq(row TaskPrereqRow) error {
	key := taskPrereqKey(row.Cycle, row.Name, row.PrereqCycle, row.PrereqName, row.PrereqOutput)
	return s.EnqueueJSON(BucketTaskPrereqs(), key, row)
}

func taskJobKey(cycle, name string, submitNum int) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", cycle, name, submitNum))
}

// EnqueueTaskJob buffers a task_jobs row.
func (s *Store) EnqueueTaskJob(row TaskJobRow) error {
	return s.EnqueueJSON(BucketTaskJobs(), taskJobKey(row.Cycle, row.Name, row.SubmitNum), row)
}

// LoadLiveJobs returns every task_jobs row still in a submitted/running
// state, as job.RestartRow values ready for
// job.Manager.ReconcileOnRestart (spec §4.7's restart reconciliation).
func (s *Store) LoadLiveJobs() ([]job.RestartRow, error) {
	var rows []job.RestartRow
	err := s.ForEach(BucketTaskJobs(), func(_, v []byte) error {
		var row TaskJobRow
		if err := json.Unmarshal(v, &row); err != nil {
			return fmt.Errorf("store: decode task_jobs row: %w", err)
		}
		if row.Status != "submitted" && row.Status != "running" {
			return nil
		}
		rows = append(rows, job.RestartRow{
			Cycle: row.Cycle, Name: row.Name, SubmitNum: row.SubmitNum,
			HandleID: row.HandleID, Kind: row.Kind,
		})
		return nil
	})
	return rows, err
}

func broadcastKey(point, namespace, settingPath string) []byte {
	return []byte(point + "/" + namespace + "/" + settingPath)
}

// EnqueueBroadcast buffers a broadcast_states row.
func (s *Store) EnqueueBroadcast(row BroadcastStateRow) error {
	return s.EnqueueJSON(BucketBroadcastStates(), broadcastKey(row.Point, row.Namespace, row.SettingPath), row)
}

// LoadBroadcasts reads every broadcast_states row.
func (s *Store) LoadBroadcasts() ([]BroadcastStateRow, error) {
	var rows []BroadcastStateRow
	err := s.ForEach(BucketBroadcastStates(), func(_, v []byte) error {
		var row BroadcastStateRow
		if err := json.Unmarshal(v, &row); err != nil {
			return fmt.Errorf("store: decode broadcast_states row: %w", err)
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func xtriggerKey(label, argsHash string) []byte { return []byte(label + "/" + argsHash) }

// EnqueueXtrigger buffers an xtriggers result row, memoising a
// function's result against its argument hash so repeat evaluation in
// the same cycle costs nothing (spec §6 xtriggers).
func (s *Store) EnqueueXtrigger(row XtriggerRow) error {
	return s.EnqueueJSON(BucketXtriggers(), xtriggerKey(row.Label, row.ArgsHash), row)
}

// LoadXtrigger looks up a memoised xtrigger result by label and args
// hash.
func (s *Store) LoadXtrigger(label, argsHash string) (XtriggerRow, bool, error) {
	data, ok, err := s.Get(BucketXtriggers(), xtriggerKey(label, argsHash))
	if err != nil || !ok {
		return XtriggerRow{}, false, err
	}
	var row XtriggerRow
	if err := json.Unmarshal(data, &row); err != nil {
		return XtriggerRow{}, false, fmt.Errorf("store: decode xtriggers row: %w", err)
	}
	return row, true, nil
}

func flowKey(num int) []byte { return []byte(fmt.Sprintf("%d", num)) }

// EnqueueFlow buffers a flows row recording a new flow's description.
func (s *Store) EnqueueFlow(row FlowRow) error {
	return s.EnqueueJSON(BucketFlows(), flowKey(row.FlowNum), row)
}

// LoadFlows reads every recorded flow, for restart rehydration of
// internal/flowmgr's description table.
func (s *Store) LoadFlows() ([]FlowRow, error) {
	var rows []FlowRow
	err := s.ForEach(BucketFlows(), func(_, v []byte) error {
		var row FlowRow
		if err := json.Unmarshal(v, &row); err != nil {
			return fmt.Errorf("store: decode flows row: %w", err)
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

// PutWorkflowParam buffers a scalar workflow_params write, committed
// with the rest of the tick's queued ops.
func (s *Store) PutWorkflowParam(key, value string) {
	s.Enqueue(BucketWorkflowParams(), []byte(key), []byte(value))
}

// GetWorkflowParam reads a scalar workflow_params value.
func (s *Store) GetWorkflowParam(key string) (string, bool, error) {
	v, ok, err := s.Get(BucketWorkflowParams(), []byte(key))
	return string(v), ok, err
}

// EnqueueTemplateVars snapshots a reloaded config's template-variable
// bindings, so a restarted scheduler can explain a task's resolved
// runtime without re-resolving the (external) config front-end.
func (s *Store) EnqueueTemplateVars(vars map[string]string) error {
	return s.EnqueueJSON(BucketTemplateVars(), []byte("current"), vars)
}

// LoadTemplateVars reads the most recently snapshotted template
// variables, if any.
func (s *Store) LoadTemplateVars() (map[string]string, error) {
	data, ok, err := s.Get(BucketTemplateVars(), []byte("current"))
	if err != nil || !ok {
		return nil, err
	}
	var vars map[string]string
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("store: decode workflow_template_vars: %w", err)
	}
	return vars, nil
}

// EnqueueRuntimeInheritance snapshots, per task name, the family chain
// its runtime was resolved from (cfg.TaskDefs[name].Families), so the
// same explanatory restart property applies to inheritance as to
// template variables.
func (s *Store) EnqueueRuntimeInheritance(cfg *config.WorkflowConfig) error {
	chains := make(map[string][]string, len(cfg.TaskDefs))
	for name, def := range cfg.TaskDefs {
		chains[name] = def.Families
	}
	return s.EnqueueJSON(BucketRuntimeInheritance(), []byte("current"), chains)
}

// LoadRuntimeInheritance reads the most recently snapshotted
// task-name -> family-chain map, if any.
func (s *Store) LoadRuntimeInheritance() (map[string][]string, error) {
	data, ok, err := s.Get(BucketRuntimeInheritance(), []byte("current"))
	if err != nil || !ok {
		return nil, err
	}
	var chains map[string][]string
	if err := json.Unmarshal(data, &chains); err != nil {
		return nil, fmt.Errorf("store: decode runtime_inheritance: %w", err)
	}
	return chains, nil
}
