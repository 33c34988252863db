package sched

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/cyclerun/scheduler/internal/command"
	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/cycling"
	"github.com/cyclerun/scheduler/internal/event"
	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/graph"
	"github.com/cyclerun/scheduler/internal/job"
	"github.com/cyclerun/scheduler/internal/pool"
	"github.com/cyclerun/scheduler/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSchedFixture(t *testing.T) *Scheduler {
	t.Helper()
	cfg := &config.WorkflowConfig{
		Name: "demo", CyclingMode: config.CyclingInteger,
		InitialPoint: "1", FinalPoint: "1",
		TaskDefs: map[string]config.TaskDefSpec{
			"a": {
				Name: "a", Sequences: []string{"1/P1"}, Parentless: true,
				Runtime: config.RuntimeSpec{ExecutionKind: "shell", Command: "echo hi"},
			},
		},
	}
	gstore, err := graph.Build(cfg)
	require.NoError(t, err)

	p := pool.New(gstore, cycling.IntPoint(1), cycling.IntInterval(10), nil)
	p.CheckSpawnParentless(flowmgr.NewSet(1))

	db, err := store.Open(t.TempDir(), otel.Meter("cyclesched/sched_test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events := event.New(p, gstore, nil, nil, nil)
	runner := job.NewMultiRunner(nil, "", []string{"echo"}, "")
	jobs := job.NewManager(context.Background(), runner, events, gstore, 2, nil, job.WorkflowEnv{Name: "demo"})
	xtrig, err := event.NewXtriggerEvaluator(events, nil, nil, nil)
	require.NoError(t, err)
	queue := command.NewQueue(8, nil)

	runDir := t.TempDir()
	s := New(Deps{
		Config: cfg, Pool: p, GraphStore: gstore, DB: db, Jobs: jobs, Events: events,
		Xtrig: xtrig, Commands: queue, RunDir: runDir, ContactUUID: "test-uuid",
		Host: "localhost", Port: 0,
	})
	require.NoError(t, s.WriteContactFile())
	return s
}

func TestTickSubmitsReleasedTaskAndPersists(t *testing.T) {
	s := newSchedFixture(t)
	ctx := context.Background()
	deps := s.commandDeps(nil)

	require.NoError(t, s.tick(ctx, deps))

	rows, err := s.db.LoadTaskPool()
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
}

func TestRunStopsOnAutoStopWhenPoolDrains(t *testing.T) {
	s := newSchedFixture(t)
	ctx := context.Background()
	deps := s.commandDeps(nil)

	var lastErr error
	require.Eventually(t, func() bool {
		lastErr = s.tick(ctx, deps)
		return lastErr != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, IsStop(lastErr))
}

func TestCheckHealthFailsOnMissingContactFile(t *testing.T) {
	s := newSchedFixture(t)
	s.RemoveContactFile()
	err := s.checkHealth(context.Background())
	assert.Error(t, err)
}

func TestEvaluateShutdownHonoursRequestStop(t *testing.T) {
	s := newSchedFixture(t)
	s.RequestStop(command.StopRequestClean)
	err := s.evaluateShutdown(context.Background())
	require.Error(t, err)
	assert.True(t, IsStop(err))
}
