package command

import (
	"context"
	"testing"

	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/cycling"
	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/graph"
	"github.com/cyclerun/scheduler/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) Deps {
	t.Helper()
	cfg := &config.WorkflowConfig{
		CyclingMode: config.CyclingInteger,
		TaskDefs: map[string]config.TaskDefSpec{
			"a": {Name: "a", Sequences: []string{"1/P1"}, Parentless: true},
		},
	}
	store, err := graph.Build(cfg)
	require.NoError(t, err)
	p := pool.New(store, cycling.IntPoint(1), cycling.IntInterval(10), nil)
	_, err = p.Spawn("a", cycling.IntPoint(1), flowmgr.NewSet(1), pool.ReasonParentless)
	require.NoError(t, err)
	return Deps{Pool: p, Store: store}
}

func TestPauseResumeToggle(t *testing.T) {
	d := newFixture(t)
	ctx := context.Background()

	_, err := (&PauseCommand{}).Execute(ctx, d)
	require.NoError(t, err)
	assert.True(t, d.Pool.Paused())

	_, err = (&ResumeCommand{}).Execute(ctx, d)
	require.NoError(t, err)
	assert.False(t, d.Pool.Paused())
}

func TestHoldReleaseCommand(t *testing.T) {
	d := newFixture(t)
	ctx := context.Background()

	cmd := &HoldCommand{Tasks: []string{"1/a"}}
	require.NoError(t, cmd.Validate(ctx, d))
	_, err := cmd.Execute(ctx, d)
	require.NoError(t, err)

	got, ok := d.Pool.Get(pool.ProxyKey{Cycle: "1", Name: "a"})
	require.True(t, ok)
	assert.True(t, got.Held)

	_, err = (&ReleaseCommand{Tasks: []string{"1/a"}}).Execute(ctx, d)
	require.NoError(t, err)
	assert.False(t, got.Held)
}

func TestHoldCommandRejectsBadSelectorAtValidate(t *testing.T) {
	d := newFixture(t)
	cmd := &HoldCommand{Tasks: []string{""}}
	assert.Error(t, cmd.Validate(context.Background(), d))
}

func TestSetHoldPointAndRelease(t *testing.T) {
	d := newFixture(t)
	ctx := context.Background()

	require.NoError(t, (&SetHoldPointCommand{Point: "0"}).Validate(ctx, d))
	_, err := (&SetHoldPointCommand{Point: "0"}).Execute(ctx, d)
	require.NoError(t, err)

	_, err = (&ReleaseHoldPointCommand{}).Execute(ctx, d)
	require.NoError(t, err)
}

func TestStopCommandSetsStopPoint(t *testing.T) {
	d := newFixture(t)
	ctx := context.Background()

	cmd := &StopCommand{CyclePoint: "5"}
	require.NoError(t, cmd.Validate(ctx, d))
	_, err := cmd.Execute(ctx, d)
	require.NoError(t, err)
}

func TestStopCommandImmediateInvokesRequestStop(t *testing.T) {
	d := newFixture(t)
	var got StopMode
	d.RequestStop = func(mode StopMode) { got = mode }

	cmd := &StopCommand{}
	_, err := cmd.Execute(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, StopRequestClean, got)
}

func TestSetVerbosityCommandValidatesLevel(t *testing.T) {
	d := newFixture(t)
	assert.NoError(t, (&SetVerbosityCommand{Level: "debug"}).Validate(context.Background(), d))
	assert.Error(t, (&SetVerbosityCommand{Level: "not-a-level"}).Validate(context.Background(), d))
}

func TestKillCommandIsNoOpWithoutJobsManager(t *testing.T) {
	d := newFixture(t)
	cmd := &KillCommand{Tasks: []string{"1/a"}}
	_, err := cmd.Execute(context.Background(), d)
	assert.NoError(t, err)
}

func TestQueueSubmitRejectsInvalidCommand(t *testing.T) {
	d := newFixture(t)
	q := NewQueue(4, nil)
	err := q.Submit(context.Background(), &HoldCommand{Tasks: []string{""}}, d)
	assert.Error(t, err)
	assert.Equal(t, 0, q.Len())
}

func TestQueueSubmitThenDrainExecutes(t *testing.T) {
	d := newFixture(t)
	q := NewQueue(4, nil)
	require.NoError(t, q.Submit(context.Background(), &PauseCommand{}, d))
	assert.Equal(t, 1, q.Len())

	q.Drain(context.Background(), d)
	assert.Equal(t, 0, q.Len())
	assert.True(t, d.Pool.Paused())
}
