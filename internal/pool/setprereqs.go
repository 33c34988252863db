package pool

import (
	"github.com/cyclerun/scheduler/internal/cycling"
	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/prereq"
)

// OutputRef names one output of one upstream task, the unit both
// PrereqRef and the outputs list of SetPrereqsAndOutputs are expressed
// in.
type OutputRef struct {
	Cycle  string
	Name   string
	Output string
}

// SetPrereqsAndOutputs implements spec §4.5's set_prereqs_and_outputs:
// force-satisfy the listed prerequisites of each id, mark the listed
// outputs of each id complete, and spawn downstream proxies as if
// those outputs had been produced naturally. Outputs default to the
// task's required outputs when none are given.
func (p *Pool) SetPrereqsAndOutputs(ids []ProxyKey, outputs []string, prereqs []OutputRef, flows flowmgr.Set) {
	for _, id := range ids {
		point, hasPoint := p.points[id.Cycle]
		if !hasPoint {
			continue
		}
		t, ok := p.proxies[id]
		if !ok {
			spawned, err := p.Spawn(id.Name, point, flows, ReasonSet)
			if err != nil || spawned == nil {
				continue
			}
			t = spawned
		}

		for _, ref := range prereqs {
			t.Prereq.Satisfy(prereq.TripleKey{Cycle: ref.Cycle, Name: ref.Name, Output: ref.Output}, prereq.Forced)
		}

		labels := outputs
		if len(labels) == 0 {
			if def, ok := p.store.Get(id.Name); ok {
				labels = def.RequiredOutputs()
			} else {
				labels = []string{"succeeded"}
			}
		}
		for _, label := range labels {
			t.CompletedOutputs[label] = true
			p.spawnDownstreamOf(id, point, label, flows)
		}
	}
}

// CompleteOutput propagates a naturally-produced output (the caller has
// already recorded it in the proxy's CompletedOutputs) to every
// downstream proxy exactly as SetPrereqsAndOutputs does for a
// user-forced completion: satisfy the corresponding prerequisite
// triple, spawning the downstream proxy first if it is not yet live.
// internal/event calls this from the normal message-ingestion path so
// a task's natural "succeeded" (or any declared custom output) drives
// the dependency graph the same way a forced one does.
func (p *Pool) CompleteOutput(id ProxyKey, output string, flows flowmgr.Set) {
	point, ok := p.points[id.Cycle]
	if !ok {
		return
	}
	p.spawnDownstreamOf(id, point, output, flows)
}

// spawnDownstreamOf walks every child of (id.Name) keyed on output,
// satisfies the corresponding prerequisite triple naturally on the
// downstream proxy (spawning it first if necessary), exactly as if the
// output had been produced by the job manager.
func (p *Pool) spawnDownstreamOf(id ProxyKey, point cycling.Point, output string, flows flowmgr.Set) {
	for _, child := range p.store.Children(id.Name) {
		if child.Output != output {
			continue
		}
		childPoint, err := parseChildOffset(point, child.PointOffset)
		if err != nil {
			continue
		}
		childKey := ProxyKey{Cycle: childPoint.String(), Name: child.Downstream}
		childProxy, exists := p.proxies[childKey]
		if !exists {
			spawned, err := p.Spawn(child.Downstream, childPoint, flows, ReasonDownstream)
			if err != nil || spawned == nil {
				continue
			}
			childProxy = spawned
		}
		childProxy.Prereq.Satisfy(prereq.TripleKey{Cycle: id.Cycle, Name: id.Name, Output: output}, prereq.Natural)
	}
}
