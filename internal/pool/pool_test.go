package pool

import (
	"testing"

	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/cycling"
	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/graph"
	"github.com/cyclerun/scheduler/internal/prereq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T) (*graph.Store, *Pool) {
	t.Helper()
	cfg := &config.WorkflowConfig{
		CyclingMode: config.CyclingInteger,
		TaskDefs: map[string]config.TaskDefSpec{
			"a": {Name: "a", Sequences: []string{"1/P1"}, Parentless: true},
			"b": {Name: "b", Sequences: []string{"1/P1"}, Triggers: []config.TriggerSpec{{Upstream: "a"}}},
			"c": {Name: "c", Sequences: []string{"1/P1"}, Triggers: []config.TriggerSpec{{Upstream: "b"}}},
		},
	}
	store, err := graph.Build(cfg)
	require.NoError(t, err)
	p := New(store, cycling.IntPoint(1), cycling.IntInterval(10), nil)
	return store, p
}

func TestScenarioLinearChain(t *testing.T) {
	_, p := buildChain(t)
	flows := flowmgr.NewSet(1)

	_, err := p.Spawn("a", cycling.IntPoint(1), flows, ReasonParentless)
	require.NoError(t, err)
	_, err = p.Spawn("b", cycling.IntPoint(1), flows, ReasonDownstream)
	require.NoError(t, err)
	_, err = p.Spawn("c", cycling.IntPoint(1), flows, ReasonDownstream)
	require.NoError(t, err)

	released := p.ReleaseToRun()
	require.Len(t, released, 1, "only a has no prerequisites")
	assert.Equal(t, "a", released[0].Name)

	aKey := ProxyKey{Cycle: "1", Name: "a"}
	a := p.proxies[aKey]
	a.Status = StatusSucceeded
	a.CompletedOutputs["succeeded"] = true

	bKey := ProxyKey{Cycle: "1", Name: "b"}
	b := p.proxies[bKey]
	b.Prereq.Satisfy(prereq.TripleKey{Cycle: "1", Name: "a", Output: "succeeded"}, prereq.Natural)

	released = p.ReleaseToRun()
	require.Len(t, released, 1)
	assert.Equal(t, "b", released[0].Name)
}

func TestRunaheadWindowZero(t *testing.T) {
	cfg := &config.WorkflowConfig{
		CyclingMode: config.CyclingInteger,
		TaskDefs: map[string]config.TaskDefSpec{
			"a": {Name: "a", Sequences: []string{"1/P1"}, Parentless: true},
		},
	}
	store, err := graph.Build(cfg)
	require.NoError(t, err)
	p := New(store, cycling.IntPoint(1), cycling.IntInterval(0), nil)

	p.CheckSpawnParentless(flowmgr.NewSet(1))
	assert.Len(t, p.All(), 1, "only cycle 1 should be live with a zero runahead window")

	k := ProxyKey{Cycle: "1", Name: "a"}
	p.proxies[k].Status = StatusSucceeded
	p.AdvanceEarliestUnfinished()
	delete(p.proxies, k)

	p.CheckSpawnParentless(flowmgr.NewSet(1))
	all := p.All()
	require.Len(t, all, 1)
	assert.Equal(t, "2", all[0].Cycle, "earliest-unfinished must have advanced to cycle 2")
}

func TestRunaheadCountLimitsDistinctPoints(t *testing.T) {
	cfg := &config.WorkflowConfig{
		CyclingMode: config.CyclingInteger,
		TaskDefs: map[string]config.TaskDefSpec{
			"a": {Name: "a", Sequences: []string{"1/P1"}, Parentless: true},
		},
	}
	store, err := graph.Build(cfg)
	require.NoError(t, err)
	p := New(store, cycling.IntPoint(1), nil, nil)
	p.SetRunaheadCount(1)

	p.CheckSpawnParentless(flowmgr.NewSet(1))
	all := p.All()
	require.Len(t, all, 2, "count=1 admits earliestUnfinished plus one point ahead")
	assert.Equal(t, "1", all[0].Cycle)
	assert.Equal(t, "2", all[1].Cycle)
}

func TestHoldReleaseIdempotent(t *testing.T) {
	_, p := buildChain(t)
	key, _ := p.Spawn("a", cycling.IntPoint(1), flowmgr.NewSet(1), ReasonParentless)
	_ = key
	k := ProxyKey{Cycle: "1", Name: "a"}
	p.Hold([]ProxyKey{k})
	p.Hold([]ProxyKey{k})
	assert.True(t, p.proxies[k].Held)
	p.Release([]ProxyKey{k})
	p.Release([]ProxyKey{k})
	assert.False(t, p.proxies[k].Held)
}

func TestSetPrereqsAndOutputsSpawnsDownstream(t *testing.T) {
	_, p := buildChain(t)
	flows := flowmgr.NewSet(1)
	_, err := p.Spawn("a", cycling.IntPoint(1), flows, ReasonParentless)
	require.NoError(t, err)

	aKey := ProxyKey{Cycle: "1", Name: "a"}
	p.SetPrereqsAndOutputs([]ProxyKey{aKey}, nil, nil, flows)

	a := p.proxies[aKey]
	assert.True(t, a.CompletedOutputs["succeeded"])

	bKey := ProxyKey{Cycle: "1", Name: "b"}
	b, ok := p.Get(bKey)
	require.True(t, ok, "b should have been spawned as a0's natural downstream")
	assert.True(t, b.Prereq.AllSatisfied())
}

func TestMatchSelector(t *testing.T) {
	_, p := buildChain(t)
	_, _ = p.Spawn("a", cycling.IntPoint(1), flowmgr.NewSet(1), ReasonParentless)
	sel, err := ParseSelector("1/a")
	require.NoError(t, err)
	matched, unmatched := p.Match([]Selector{sel})
	assert.Len(t, matched, 1)
	assert.Empty(t, unmatched)
}
