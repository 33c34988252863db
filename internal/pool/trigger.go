package pool

import (
	"sort"

	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/prereq"
)

// TriggerResult summarises a group-trigger invocation for logging and
// command-result reporting.
type TriggerResult struct {
	GroupStarts []ProxyKey
	Respawned   []ProxyKey
	Merged      []ProxyKey
	Queued      bool // true when onResume deferred release
}

// Trigger implements the group-trigger algorithm of spec §4.5.1,
// grounded on original_source/cylc/flow/commands.py's
// force_trigger_tasks / _force_trigger_tasks: build adjacency from the
// compiled graph's own trigger relationships, partition into connected
// groups, force-satisfy off-group prerequisites of each group's start
// task(s), and pristine-respawn every other group member.
//
// Callers must have already registered, via RegisterPoint, the
// concrete cycling.Point for every cycle string referenced by ids —
// including ids not yet present in the pool (inactive targets) — since
// the command layer is what resolves a user's selector cycle literal
// into a domain Point.
func (p *Pool) Trigger(ids []ProxyKey, explicitFlows flowmgr.Set, hasExplicitFlows bool, onResume bool) TriggerResult {
	matchedSet := map[ProxyKey]bool{}
	for _, id := range ids {
		matchedSet[id] = true
	}

	flows := p.resolveTriggerFlows(ids, explicitFlows, hasExplicitFlows)

	adjacency := p.buildAdjacency(ids, matchedSet)
	groups := connectedGroups(ids, adjacency)

	var result TriggerResult
	for _, group := range groups {
		inGroup := map[string]bool{}
		for _, id := range group {
			inGroup[id.Name] = true
		}
		starts, members := p.splitGroupStarts(group, inGroup)

		for _, id := range starts {
			p.forceSatisfyGroupStart(id, inGroup, flows)
			result.GroupStarts = append(result.GroupStarts, id)
			if existing, ok := p.proxies[id]; ok {
				existing.Flows = flowmgr.Union(existing.Flows, flows)
				result.Merged = append(result.Merged, id)
			}
			if onResume {
				if t, ok := p.proxies[id]; ok {
					t.Held = true
				}
				result.Queued = true
			}
		}
		for _, id := range members {
			p.respawnGroupMember(id, inGroup, flows)
			result.Respawned = append(result.Respawned, id)
			if onResume {
				if t, ok := p.proxies[id]; ok {
					t.Held = true
				}
				result.Queued = true
			}
		}
	}
	return result
}

func (p *Pool) resolveTriggerFlows(ids []ProxyKey, explicit flowmgr.Set, hasExplicit bool) flowmgr.Set {
	if hasExplicit {
		return explicit
	}
	union := flowmgr.NewSet()
	anyActive := false
	for _, id := range ids {
		if t, ok := p.proxies[id]; ok {
			union = flowmgr.Union(union, t.Flows)
			anyActive = true
		}
	}
	if anyActive {
		return union
	}
	active := flowmgr.NewSet()
	for _, t := range p.proxies {
		active = flowmgr.Union(active, t.Flows)
	}
	return active
}

// buildAdjacency connects two matched IDs iff one's compiled trigger
// refers to the other at the correct cycle offset.
func (p *Pool) buildAdjacency(ids []ProxyKey, matchedSet map[ProxyKey]bool) map[ProxyKey][]ProxyKey {
	adj := map[ProxyKey][]ProxyKey{}
	for _, id := range ids {
		def, ok := p.store.Get(id.Name)
		if !ok {
			continue
		}
		point, ok := p.points[id.Cycle]
		if !ok {
			continue
		}
		for _, trig := range def.Triggers {
			upPoint := point.Add(trig.PointOffset)
			cand := ProxyKey{Cycle: upPoint.String(), Name: trig.Upstream}
			if matchedSet[cand] {
				adj[id] = append(adj[id], cand)
				adj[cand] = append(adj[cand], id)
			}
		}
	}
	return adj
}

// connectedGroups partitions ids into connected components of adjacency
// via BFS, in deterministic (sorted-key) order.
func connectedGroups(ids []ProxyKey, adj map[ProxyKey][]ProxyKey) [][]ProxyKey {
	sorted := append([]ProxyKey{}, ids...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Cycle != sorted[j].Cycle {
			return sorted[i].Cycle < sorted[j].Cycle
		}
		return sorted[i].Name < sorted[j].Name
	})
	visited := map[ProxyKey]bool{}
	var groups [][]ProxyKey
	for _, start := range sorted {
		if visited[start] {
			continue
		}
		var group []ProxyKey
		queue := []ProxyKey{start}
		visited[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			group = append(group, cur)
			neighbors := append([]ProxyKey{}, adj[cur]...)
			sort.Slice(neighbors, func(i, j int) bool {
				if neighbors[i].Cycle != neighbors[j].Cycle {
					return neighbors[i].Cycle < neighbors[j].Cycle
				}
				return neighbors[i].Name < neighbors[j].Name
			})
			for _, n := range neighbors {
				if !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}
		sort.Slice(group, func(i, j int) bool {
			if group[i].Cycle != group[j].Cycle {
				return group[i].Cycle < group[j].Cycle
			}
			return group[i].Name < group[j].Name
		})
		groups = append(groups, group)
	}
	return groups
}

// splitGroupStarts identifies group-start tasks — those with no
// in-group prerequisite (only off-group or parentless) — by directly
// querying each member's compiled triggers, versus the remaining
// members to pristine-respawn.
func (p *Pool) splitGroupStarts(group []ProxyKey, inGroup map[string]bool) (starts, members []ProxyKey) {
	for _, id := range group {
		hasInGroupParent := false
		def, ok := p.store.Get(id.Name)
		point, hasPoint := p.points[id.Cycle]
		if ok && hasPoint {
			for _, trig := range def.Triggers {
				upPoint := point.Add(trig.PointOffset)
				cand := ProxyKey{Cycle: upPoint.String(), Name: trig.Upstream}
				if cand != id && inGroup[cand.Name] {
					hasInGroupParent = true
					break
				}
			}
		}
		if !hasInGroupParent {
			starts = append(starts, id)
		} else {
			members = append(members, id)
		}
	}
	if len(starts) == 0 && len(group) > 0 {
		// every member has an in-group neighbor (a genuine cycle in the
		// matched subgraph, or a single self-contained pair): fall back
		// to the lexicographically-first member as the start so the
		// algorithm always makes progress.
		starts = append(starts, group[0])
		members = group[1:]
	}
	return starts, members
}

// forceSatisfyGroupStart ensures id is spawned (with flows, when it is
// not yet live) and force-satisfies every off-group prerequisite and
// xtrigger of it. It does not merge flows into an already-live proxy;
// Trigger does that after this call.
func (p *Pool) forceSatisfyGroupStart(id ProxyKey, inGroup map[string]bool, flows flowmgr.Set) {
	point, hasPoint := p.points[id.Cycle]
	if !hasPoint {
		return
	}
	t, ok := p.proxies[id]
	if !ok {
		spawned, err := p.Spawn(id.Name, point, flows, ReasonTrigger)
		if err != nil || spawned == nil {
			return
		}
		t = spawned
	}
	for _, k := range t.Prereq.UnsatisfiedOffGroupKeys(inGroup) {
		t.Prereq.Satisfy(k, prereq.Forced)
	}
	for lbl := range t.XtriggersSatisfied {
		t.XtriggersSatisfied[lbl] = true
	}
}

// respawnGroupMember removes id (killing its job if active) and
// re-spawns it fresh with the same flows, force-satisfying its
// off-group prerequisites; its in-group prerequisites are deliberately
// left unsatisfied so they are met naturally as group-start tasks
// complete.
func (p *Pool) respawnGroupMember(id ProxyKey, inGroup map[string]bool, flows flowmgr.Set) {
	point, hasPoint := p.points[id.Cycle]
	if existing, ok := p.proxies[id]; ok {
		p.Remove([]ProxyKey{id}, existing.Flows)
	}
	if !hasPoint {
		return
	}
	t, err := p.Spawn(id.Name, point, flows, ReasonTrigger)
	if err != nil || t == nil {
		return
	}
	for _, k := range t.Prereq.UnsatisfiedOffGroupKeys(inGroup) {
		t.Prereq.Satisfy(k, prereq.Forced)
	}
}
