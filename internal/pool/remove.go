package pool

import (
	"github.com/cyclerun/scheduler/internal/cycling"
	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/prereq"
)

// RemoveOutcome reports, per removed proxy, whether a live job needs
// killing (the job manager owns actually killing it; the pool only
// flags it).
type RemoveOutcome struct {
	Key           ProxyKey
	Removed       bool // true if the proxy left the pool entirely (its flow set emptied)
	NeedsKill     bool
	NotRemovable  bool // flowsToRemove did not intersect this proxy's flows
}

// Remove implements spec §4.5.2. For each matched key: subtracts
// flowsToRemove from the proxy's flow set; if that empties the set, the
// proxy is removed from the pool (and flagged NeedsKill if it was
// active), and every downstream child has the corresponding natural
// satisfaction unset, recursively removing children left with no
// satisfied output and not otherwise ready-to-run.
//
// Note: unlike the original source, this implementation does not track
// a separate "parentless spawn pointer" — CheckSpawnParentless already
// recomputes from the live proxy map on every call, so a removed
// parentless proxy's cycle is naturally eligible for respawn on the
// very next check, which is the same observable effect.
func (p *Pool) Remove(keys []ProxyKey, flowsToRemove flowmgr.Set) []RemoveOutcome {
	var outcomes []RemoveOutcome
	for _, k := range keys {
		outcomes = append(outcomes, p.removeOne(k, flowsToRemove, map[ProxyKey]bool{})...)
	}
	return outcomes
}

func (p *Pool) removeOne(k ProxyKey, flowsToRemove flowmgr.Set, visited map[ProxyKey]bool) []RemoveOutcome {
	if visited[k] {
		return nil
	}
	visited[k] = true

	t, ok := p.proxies[k]
	if !ok {
		return nil
	}
	toRemove := intersect(t.Flows, flowsToRemove)
	if len(toRemove) == 0 {
		return []RemoveOutcome{{Key: k, NotRemovable: true}}
	}

	remaining := subtract(t.Flows, toRemove)
	var out []RemoveOutcome
	if len(remaining) == 0 {
		wasActive := t.Status.IsActive()
		t.Removed = true
		t.Status = StatusFailed // terminal bookkeeping state; the proxy is dropped from the pool on next prune
		delete(p.proxies, k)
		p.ReleaseQueueSlot(t.Queue)
		out = append(out, RemoveOutcome{Key: k, Removed: true, NeedsKill: wasActive})

		point := p.points[k.Cycle]
		if point != nil {
			for _, child := range p.store.Children(k.Name) {
				childOffset, err := parseChildOffset(point, child.PointOffset)
				if err != nil {
					continue
				}
				childKey := ProxyKey{Cycle: childOffset.String(), Name: child.Downstream}
				childProxy, exists := p.proxies[childKey]
				if !exists {
					continue
				}
				tk := prereq.TripleKey{Cycle: k.Cycle, Name: k.Name, Output: child.Output}
				childProxy.Prereq.UnsetNaturallySatisfied(tk)
				if !childProxy.Prereq.AnySatisfiedOutput() && !childProxy.ReleaseEligible() {
					out = append(out, p.removeOne(childKey, childProxy.Flows, visited)...)
				}
			}
		}
	} else {
		t.Flows = remaining
		out = append(out, RemoveOutcome{Key: k, Removed: false})
	}
	return out
}

func parseChildOffset(upstream cycling.Point, offsetLiteral string) (cycling.Point, error) {
	switch upstream.Domain() {
	case cycling.DomainInteger:
		iv, err := cycling.ParseIntInterval(offsetLiteral)
		if err != nil {
			return nil, err
		}
		return upstream.Add(iv), nil
	default:
		return upstream, nil // same-point default for ISO domain when offset parsing is not meaningful here
	}
}

func intersect(a, b flowmgr.Set) flowmgr.Set {
	out := flowmgr.NewSet()
	for _, n := range a.Slice() {
		if b.Contains(n) {
			out = flowmgr.Union(out, flowmgr.NewSet(n))
		}
	}
	return out
}

func subtract(a, b flowmgr.Set) flowmgr.Set {
	out := flowmgr.NewSet()
	for _, n := range a.Slice() {
		if !b.Contains(n) {
			out = flowmgr.Union(out, flowmgr.NewSet(n))
		}
	}
	return out
}
