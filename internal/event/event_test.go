package event

import (
	"context"
	"testing"
	"time"

	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/cycling"
	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/graph"
	"github.com/cyclerun/scheduler/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, retrySchedule []config.RetryEntry) (*graph.Store, *pool.Pool) {
	t.Helper()
	cfg := &config.WorkflowConfig{
		CyclingMode: config.CyclingInteger,
		TaskDefs: map[string]config.TaskDefSpec{
			"a": {
				Name: "a", Sequences: []string{"1/P1"}, Parentless: true,
				Runtime: config.RuntimeSpec{RetrySchedule: retrySchedule},
			},
		},
	}
	store, err := graph.Build(cfg)
	require.NoError(t, err)
	p := pool.New(store, cycling.IntPoint(1), cycling.IntInterval(10), nil)
	return store, p
}

func TestIngestSucceededMarksOutputComplete(t *testing.T) {
	store, p := newTestPool(t, nil)
	mgr := New(p, store, nil, nil, nil)

	_, err := p.Spawn("a", cycling.IntPoint(1), flowmgr.NewSet(1), pool.ReasonParentless)
	require.NoError(t, err)

	mgr.Ingest(context.Background(), Message{Cycle: "1", Name: "a", Text: "succeeded", Timestamp: time.Now()})

	got, ok := p.Get(pool.ProxyKey{Cycle: "1", Name: "a"})
	require.True(t, ok)
	assert.Equal(t, pool.StatusSucceeded, got.Status)
	assert.True(t, got.CompletedOutputs["succeeded"])
}

func TestIngestFailureArmsRetryWhenScheduleRemains(t *testing.T) {
	store, p := newTestPool(t, []config.RetryEntry{{Delay: "1m"}})
	mgr := New(p, store, nil, nil, nil)

	_, err := p.Spawn("a", cycling.IntPoint(1), flowmgr.NewSet(1), pool.ReasonParentless)
	require.NoError(t, err)
	got, _ := p.Get(pool.ProxyKey{Cycle: "1", Name: "a"})
	got.SubmitNum = 1

	mgr.Ingest(context.Background(), Message{Cycle: "1", Name: "a", Text: "failed", Timestamp: time.Now()})

	assert.Equal(t, pool.StatusWaiting, got.Status, "one retry step remains so the proxy returns to waiting")
	require.NotNil(t, got.RetryAt, "a retry timer must be armed")
	assert.False(t, got.ReleaseEligible(), "the proxy must stay ineligible for release until its retry delay elapses")
}

func TestIngestFailureExhaustsRetrySchedule(t *testing.T) {
	store, p := newTestPool(t, []config.RetryEntry{{Delay: "1m"}})
	mgr := New(p, store, nil, nil, nil)

	_, err := p.Spawn("a", cycling.IntPoint(1), flowmgr.NewSet(1), pool.ReasonParentless)
	require.NoError(t, err)
	got, _ := p.Get(pool.ProxyKey{Cycle: "1", Name: "a"})
	got.SubmitNum = 2 // already past the single retry entry

	mgr.Ingest(context.Background(), Message{Cycle: "1", Name: "a", Text: "failed", Timestamp: time.Now()})

	assert.Equal(t, pool.StatusFailed, got.Status)
}

func TestIngestFailureRetryBecomesReleasableOnceDelayElapses(t *testing.T) {
	store, p := newTestPool(t, []config.RetryEntry{{Delay: "1ms"}})
	mgr := New(p, store, nil, nil, nil)

	_, err := p.Spawn("a", cycling.IntPoint(1), flowmgr.NewSet(1), pool.ReasonParentless)
	require.NoError(t, err)
	got, _ := p.Get(pool.ProxyKey{Cycle: "1", Name: "a"})
	got.SubmitNum = 1

	mgr.Ingest(context.Background(), Message{Cycle: "1", Name: "a", Text: "failed", Timestamp: time.Now()})
	assert.False(t, got.ReleaseEligible(), "must not be releasable immediately after the failure")

	time.Sleep(5 * time.Millisecond)
	assert.True(t, got.ReleaseEligible(), "must become releasable once the retry delay has elapsed")
}

// TestIngestSucceededPropagatesToDownstream exercises spec §8 scenario
// 1 (linear chain a => b => c) at the event-manager/pool boundary: each
// natural "succeeded" message must spawn and satisfy the next task in
// the chain, not just flip the reporting proxy's own status.
func TestIngestSucceededPropagatesToDownstream(t *testing.T) {
	cfg := &config.WorkflowConfig{
		CyclingMode: config.CyclingInteger,
		TaskDefs: map[string]config.TaskDefSpec{
			"a": {Name: "a", Sequences: []string{"1/P1"}, Parentless: true},
			"b": {Name: "b", Sequences: []string{"1/P1"}, Triggers: []config.TriggerSpec{
				{Upstream: "a", Output: "succeeded"},
			}},
			"c": {Name: "c", Sequences: []string{"1/P1"}, Triggers: []config.TriggerSpec{
				{Upstream: "b", Output: "succeeded"},
			}},
		},
	}
	store, err := graph.Build(cfg)
	require.NoError(t, err)
	p := pool.New(store, cycling.IntPoint(1), cycling.IntInterval(10), nil)
	mgr := New(p, store, nil, nil, nil)

	_, err = p.Spawn("a", cycling.IntPoint(1), flowmgr.NewSet(1), pool.ReasonParentless)
	require.NoError(t, err)

	// b and c do not exist yet: only a's parentless spawn has happened.
	_, ok := p.Get(pool.ProxyKey{Cycle: "1", Name: "b"})
	assert.False(t, ok, "b must not be spawned before a succeeds")

	mgr.Ingest(context.Background(), Message{Cycle: "1", Name: "a", Text: "succeeded", Timestamp: time.Now()})

	b, ok := p.Get(pool.ProxyKey{Cycle: "1", Name: "b"})
	require.True(t, ok, "a's natural success must spawn b")
	assert.True(t, b.ReleaseEligible(), "b's only prerequisite is now satisfied")
	assert.Equal(t, []int{1}, b.Flows.Slice(), "b inherits a's flow")

	_, ok = p.Get(pool.ProxyKey{Cycle: "1", Name: "c"})
	assert.False(t, ok, "c must not be spawned before b succeeds")

	mgr.Ingest(context.Background(), Message{Cycle: "1", Name: "b", Text: "succeeded", Timestamp: time.Now()})

	c, ok := p.Get(pool.ProxyKey{Cycle: "1", Name: "c"})
	require.True(t, ok, "b's natural success must spawn c")
	assert.True(t, c.ReleaseEligible())
}

// TestIngestFailedSatisfiesFailedOutputTrigger exercises spec §7's
// ":failed"-allowed downstream: a task that explicitly triggers off
// "a:failed" must still spawn when a has exhausted its retries.
func TestIngestFailedSatisfiesFailedOutputTrigger(t *testing.T) {
	cfg := &config.WorkflowConfig{
		CyclingMode: config.CyclingInteger,
		TaskDefs: map[string]config.TaskDefSpec{
			"a": {Name: "a", Sequences: []string{"1/P1"}, Parentless: true},
			"cleanup": {Name: "cleanup", Sequences: []string{"1/P1"}, Triggers: []config.TriggerSpec{
				{Upstream: "a", Output: "failed"},
			}},
		},
	}
	store, err := graph.Build(cfg)
	require.NoError(t, err)
	p := pool.New(store, cycling.IntPoint(1), cycling.IntInterval(10), nil)
	mgr := New(p, store, nil, nil, nil)

	_, err = p.Spawn("a", cycling.IntPoint(1), flowmgr.NewSet(1), pool.ReasonParentless)
	require.NoError(t, err)

	mgr.Ingest(context.Background(), Message{Cycle: "1", Name: "a", Text: "failed", Timestamp: time.Now()})

	cleanup, ok := p.Get(pool.ProxyKey{Cycle: "1", Name: "cleanup"})
	require.True(t, ok, "a's exhausted failure must spawn cleanup")
	assert.True(t, cleanup.ReleaseEligible())
}

func TestIngestIgnoresUnknownProxy(t *testing.T) {
	store, p := newTestPool(t, nil)
	mgr := New(p, store, nil, nil, nil)
	mgr.Ingest(context.Background(), Message{Cycle: "99", Name: "ghost", Text: "started", Timestamp: time.Now()})
	assert.Len(t, p.All(), 0)
}

func TestCheckLateFlagsOnce(t *testing.T) {
	cfg := &config.WorkflowConfig{
		CyclingMode: config.CyclingInteger,
		TaskDefs: map[string]config.TaskDefSpec{
			"a": {Name: "a", Sequences: []string{"1/P1"}, Parentless: true,
				Runtime: config.RuntimeSpec{LateOffset: "1ms"}},
		},
	}
	store, err := graph.Build(cfg)
	require.NoError(t, err)
	p := pool.New(store, cycling.IntPoint(1), cycling.IntInterval(10), nil)
	mgr := New(p, store, nil, nil, nil)

	_, err = p.Spawn("a", cycling.IntPoint(1), flowmgr.NewSet(1), pool.ReasonParentless)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	mgr.CheckLate(context.Background(), time.Now())

	got, _ := p.Get(pool.ProxyKey{Cycle: "1", Name: "a"})
	assert.True(t, got.Late)
}

func TestXtriggerEvaluatorSatisfiesOnFire(t *testing.T) {
	store, p := newTestPool(t, nil)
	mgr := New(p, store, nil, nil, nil)
	_, err := p.Spawn("a", cycling.IntPoint(1), flowmgr.NewSet(1), pool.ReasonParentless)
	require.NoError(t, err)
	got, _ := p.Get(pool.ProxyKey{Cycle: "1", Name: "a"})
	got.XtriggersSatisfied["clock"] = false

	specs := map[string]config.XtriggerSpec{
		"clock": {Label: "clock", Function: "wall_clock", Interval: "* * * * *"},
	}
	fns := map[string]XtriggerFunc{"wall_clock": WallClockFunc}
	ev, err := NewXtriggerEvaluator(mgr, specs, fns, nil)
	require.NoError(t, err)

	future := time.Now().Add(2 * time.Minute)
	ev.Tick(context.Background(), future)

	assert.True(t, got.XtriggersSatisfied["clock"])
}
