package store

import (
	"context"
	"testing"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"

	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/job"
	"github.com/cyclerun/scheduler/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), otel.Meter("cyclesched/store_test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCommitAppliesQueuedWritesToBothDatabases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Enqueue(BucketWorkflowParams(), []byte(ParamUUID), []byte("abc-123"))
	require.NoError(t, s.Commit(ctx))

	v, ok, err := s.GetWorkflowParam(ParamUUID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc-123", v)

	var pub []byte
	require.NoError(t, s.public.View(func(tx *bbolt.Tx) error {
		pub = append([]byte(nil), tx.Bucket(BucketWorkflowParams()).Get([]byte(ParamUUID))...)
		return nil
	}))
	assert.Equal(t, "abc-123", string(pub))
}

func TestCommitWithNoPendingOpsIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Commit(context.Background()))
}

func TestEnqueueDeleteRemovesKeyOnCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.PutWorkflowParam(ParamStopPoint, "10")
	require.NoError(t, s.Commit(ctx))
	_, ok, _ := s.GetWorkflowParam(ParamStopPoint)
	require.True(t, ok)

	s.EnqueueDelete(BucketWorkflowParams(), []byte(ParamStopPoint))
	require.NoError(t, s.Commit(ctx))
	_, ok, _ = s.GetWorkflowParam(ParamStopPoint)
	assert.False(t, ok)
}

func TestTaskPoolRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	proxy := &pool.TaskProxy{Cycle: "1", Name: "a", Status: pool.StatusRunning, Held: true}
	require.NoError(t, s.EnqueueTaskPool(proxy))
	require.NoError(t, s.Commit(ctx))

	rows, err := s.LoadTaskPool()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0].Cycle)
	assert.Equal(t, "a", rows[0].Name)
	assert.Equal(t, "running", rows[0].Status)
	assert.True(t, rows[0].IsHeld)
}

func TestTaskPoolRemovalDeletesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	proxy := &pool.TaskProxy{Cycle: "1", Name: "a", Status: pool.StatusWaiting}
	require.NoError(t, s.EnqueueTaskPool(proxy))
	require.NoError(t, s.Commit(ctx))

	s.EnqueueTaskPoolRemoval("1", "a")
	require.NoError(t, s.Commit(ctx))

	rows, err := s.LoadTaskPool()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLoadLiveJobsFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueTaskJob(TaskJobRow{
		Cycle: "1", Name: "a", SubmitNum: 1, Status: "running", Kind: "shell", HandleID: "h1",
	}))
	require.NoError(t, s.EnqueueTaskJob(TaskJobRow{
		Cycle: "1", Name: "b", SubmitNum: 1, Status: "succeeded", Kind: "shell", HandleID: "h2",
	}))
	require.NoError(t, s.Commit(ctx))

	rows, err := s.LoadLiveJobs()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, job.RestartRow{Cycle: "1", Name: "a", SubmitNum: 1, HandleID: "h1", Kind: "shell"}, rows[0])
}

func TestXtriggerMemoisation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadXtrigger("clock", "hash1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.EnqueueXtrigger(XtriggerRow{Label: "clock", ArgsHash: "hash1", Result: true}))
	require.NoError(t, s.Commit(ctx))

	row, ok, err := s.LoadXtrigger("clock", "hash1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, row.Result)
}

func TestRepairPublicCopiesPrivateState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.PutWorkflowParam(ParamInitialPoint, "1")
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.RepairPublic(ctx))

	var got []byte
	err := s.public.View(func(tx *bbolt.Tx) error {
		got = tx.Bucket(BucketWorkflowParams()).Get([]byte(ParamInitialPoint))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}

func TestFlowsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueFlow(FlowRow{FlowNum: 1, Description: "original flow"}))
	require.NoError(t, s.EnqueueFlow(FlowRow{FlowNum: 2, Description: "manual rerun"}))
	require.NoError(t, s.Commit(ctx))

	rows, err := s.LoadFlows()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestTemplateVarsAndRuntimeInheritanceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := &config.WorkflowConfig{
		TemplateVars: map[string]string{"RUN_MODE": "live"},
		TaskDefs: map[string]config.TaskDefSpec{
			"a": {Name: "a", Families: []string{"root", "ops"}},
		},
	}
	require.NoError(t, s.EnqueueTemplateVars(cfg.TemplateVars))
	require.NoError(t, s.EnqueueRuntimeInheritance(cfg))
	require.NoError(t, s.Commit(ctx))

	vars, err := s.LoadTemplateVars()
	require.NoError(t, err)
	assert.Equal(t, "live", vars["RUN_MODE"])

	chains, err := s.LoadRuntimeInheritance()
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "ops"}, chains["a"])
}
