package pool

import (
	"log/slog"
	"sort"
	"time"

	"github.com/cyclerun/scheduler/internal/cycling"
	"github.com/cyclerun/scheduler/internal/errs"
	"github.com/cyclerun/scheduler/internal/flowmgr"
	"github.com/cyclerun/scheduler/internal/graph"
	"github.com/cyclerun/scheduler/internal/prereq"
)

// SpawnReason records why a proxy was created, for logging.
type SpawnReason string

const (
	ReasonParentless SpawnReason = "parentless"
	ReasonTrigger    SpawnReason = "trigger"
	ReasonDownstream SpawnReason = "downstream"
	ReasonSet        SpawnReason = "set"
)

type queueState struct {
	limit  int
	active int
}

// Pool owns the live set of task proxies. It is the only component
// that mutates proxy status, and per spec §5 it is only ever touched
// from the single main-loop goroutine.
type Pool struct {
	store *graph.Store
	log   *slog.Logger

	proxies    map[ProxyKey]*TaskProxy
	points     map[string]cycling.Point // canonical string -> Point, for arithmetic
	queues     map[string]*queueState

	earliestUnfinished cycling.Point
	runaheadLimit      cycling.Interval
	runaheadCount      int // used when runahead is expressed as a point count rather than an interval

	stopPoint cycling.Point
	stopTask  ProxyKey
	stopClock *time.Time

	holdPoint  cycling.Point
	holdAll    bool

	paused bool
}

// New builds an empty Pool over the given compiled graph, starting at
// initial.
func New(store *graph.Store, initial cycling.Point, runaheadLimit cycling.Interval, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		store:              store,
		log:                log,
		proxies:            map[ProxyKey]*TaskProxy{},
		points:              map[string]cycling.Point{},
		queues:             map[string]*queueState{},
		earliestUnfinished: initial,
		runaheadLimit:      runaheadLimit,
	}
	for name, q := range store.Queues() {
		p.queues[name] = &queueState{limit: q.Limit}
	}
	return p
}

func (p *Pool) rememberPoint(pt cycling.Point) { p.points[pt.String()] = pt }

// RegisterPoint makes pt resolvable by its canonical string form for
// subsequent pool operations (Trigger, Remove) that accept proxy keys
// for cycles that may not yet have a live proxy. Command handlers call
// this after parsing a user's cycle literal against the graph store's
// cycling domain.
func (p *Pool) RegisterPoint(pt cycling.Point) { p.rememberPoint(pt) }

// SetRunaheadCount switches the pool to the count-based form of the
// runahead limit (spec §6: "either a cycle-distance interval or an
// integer count, exactly one") — the window may hold earliestUnfinished
// plus at most n further distinct cycle points after it (n+1 in all).
// Clears any
// interval-based limit, since the two forms are mutually exclusive.
func (p *Pool) SetRunaheadCount(n int) {
	p.runaheadCount = n
	p.runaheadLimit = nil
}

func (p *Pool) withinRunahead(pt cycling.Point) bool {
	if p.runaheadCount > 0 {
		distinct := map[string]bool{p.earliestUnfinished.String(): true}
		for cs, registered := range p.points {
			if registered.Compare(p.earliestUnfinished) >= 0 && registered.Compare(pt) <= 0 {
				distinct[cs] = true
			}
		}
		distinct[pt.String()] = true
		return len(distinct) <= p.runaheadCount+1
	}
	if p.runaheadLimit == nil {
		return true
	}
	limit := p.earliestUnfinished.Add(p.runaheadLimit)
	return pt.Compare(limit) <= 0
}

// Spawn creates a proxy for (name, point, flows) if one does not
// already exist. Every prerequisite of a new proxy starts unsatisfied:
// outputs that upstream proxies completed before the spawn are not
// consulted, so satisfaction comes only from outputs completed after
// it or from forced satisfaction. A trigger whose upstream point is not
// on the upstream task's sequences (e.g. a point before the initial
// point) is left out of the prerequisites. Respects the stop point and
// runahead window. Returns the (possibly pre-existing) proxy.
func (p *Pool) Spawn(name string, point cycling.Point, flows flowmgr.Set, reason SpawnReason) (*TaskProxy, error) {
	def, ok := p.store.Get(name)
	if !ok {
		return nil, &errs.ConfigError{Msg: "spawn: undefined task " + name}
	}
	if p.stopPoint != nil && point.Compare(p.stopPoint) > 0 {
		return nil, nil
	}
	if !p.withinRunahead(point) {
		return nil, nil
	}
	p.rememberPoint(point)
	key := ProxyKey{Cycle: point.String(), Name: name}
	if existing, found := p.proxies[key]; found {
		existing.Flows = flowmgr.Union(existing.Flows, flows)
		return existing, nil
	}

	clauses := make([][]prereq.TripleKey, 0, len(def.Triggers))
	byGroup := map[int][]prereq.TripleKey{}
	var groupOrder []int
	for _, trig := range def.Triggers {
		upPoint := point.Add(trig.PointOffset)
		if upDef, ok := p.store.Get(trig.Upstream); ok && !upDef.HasSequence(upPoint) {
			continue
		}
		k := prereq.TripleKey{Cycle: upPoint.String(), Name: trig.Upstream, Output: trig.Output}
		if _, seen := byGroup[trig.DisjunctGroup]; !seen {
			groupOrder = append(groupOrder, trig.DisjunctGroup)
		}
		byGroup[trig.DisjunctGroup] = append(byGroup[trig.DisjunctGroup], k)
	}
	sort.Ints(groupOrder)
	for _, g := range groupOrder {
		clauses = append(clauses, byGroup[g])
	}

	proxy := &TaskProxy{
		Cycle: point.String(), Name: name, Flows: flows,
		Status: StatusWaiting, Prereq: prereq.New(clauses, false),
		XtriggersSatisfied: map[string]bool{},
		CompletedOutputs:   map[string]bool{},
		Queue:              assignedQueue(p.store, name),
		AllowFailure:       def.Runtime.AllowFailure,
		CreatedAt:          time.Now(),
	}
	for _, lbl := range def.XtriggerLabels {
		proxy.XtriggersSatisfied[lbl] = false
	}
	if p.holdAll || (p.holdPoint != nil && point.Compare(p.holdPoint) > 0) {
		proxy.Held = true
	}
	p.proxies[key] = proxy
	p.log.Debug("spawned proxy", "cycle", proxy.Cycle, "name", name, "reason", reason, "flows", flows.Slice())
	return proxy, nil
}

func assignedQueue(store *graph.Store, name string) string {
	for qname, q := range store.Queues() {
		for _, m := range q.Members {
			if m == name {
				return qname
			}
		}
	}
	return store.DefaultQueue()
}

// Get returns the proxy at key, if present.
func (p *Pool) Get(key ProxyKey) (*TaskProxy, bool) {
	t, ok := p.proxies[key]
	return t, ok
}

// All returns every live proxy, in a stable order (cycle then name).
func (p *Pool) All() []*TaskProxy {
	out := make([]*TaskProxy, 0, len(p.proxies))
	for _, t := range p.proxies {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cycle != out[j].Cycle {
			return out[i].Cycle < out[j].Cycle
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ReleaseToRun marks every release-eligible waiting proxy as preparing,
// respecting each proxy's queue concurrency limit, and returns the list
// released this tick in a stable order.
func (p *Pool) ReleaseToRun() []*TaskProxy {
	if p.paused {
		return nil
	}
	var released []*TaskProxy
	for _, t := range p.All() {
		if !t.ReleaseEligible() {
			continue
		}
		q := p.queues[t.Queue]
		if q == nil {
			q = &queueState{}
			p.queues[t.Queue] = q
		}
		if q.limit > 0 && q.active >= q.limit {
			continue
		}
		t.Status = StatusPreparing
		q.active++
		released = append(released, t)
		p.log.Info("released to run", "cycle", t.Cycle, "name", t.Name, "queue", t.Queue)
	}
	return released
}

// ReleaseQueueSlot frees one concurrency slot in name's queue, called
// when a previously-active proxy in that queue reaches a terminal
// state.
func (p *Pool) ReleaseQueueSlot(queueName string) {
	if q, ok := p.queues[queueName]; ok && q.active > 0 {
		q.active--
	}
}

// Hold sets the held flag on every matched proxy. Idempotent.
func (p *Pool) Hold(keys []ProxyKey) {
	for _, k := range keys {
		if t, ok := p.proxies[k]; ok {
			t.Held = true
		}
	}
}

// Release clears the held flag on every matched proxy. Idempotent.
func (p *Pool) Release(keys []ProxyKey) {
	for _, k := range keys {
		if t, ok := p.proxies[k]; ok {
			t.Held = false
		}
	}
}

// SetHoldPoint causes any proxy spawned at a cycle strictly after p to
// be held automatically, and holds every such proxy already live.
func (p *Pool) SetHoldPoint(point cycling.Point) {
	p.holdPoint = point
	for _, t := range p.proxies {
		pt, ok := p.points[t.Cycle]
		if ok && pt.Compare(point) > 0 {
			t.Held = true
		}
	}
}

// ReleaseHoldPoint clears the hold point; previously held-by-point
// proxies remain held until explicitly released (the hold point only
// governs future spawns plus its own initial application).
func (p *Pool) ReleaseHoldPoint() { p.holdPoint = nil }

// SetStopPoint sets the cycle point beyond which no new proxy is
// spawned.
func (p *Pool) SetStopPoint(point cycling.Point) { p.stopPoint = point }

// SetStopTask sets the task whose success should trigger a scoped stop.
func (p *Pool) SetStopTask(key ProxyKey) { p.stopTask = key }

// SetStopClock sets a wall-clock deadline for a scoped stop.
func (p *Pool) SetStopClock(t time.Time) { p.stopClock = &t }

// StopTaskSucceeded reports whether the configured stop-task has
// reached StatusSucceeded.
func (p *Pool) StopTaskSucceeded() bool {
	if p.stopTask.Name == "" {
		return false
	}
	t, ok := p.proxies[p.stopTask]
	return ok && t.Status == StatusSucceeded
}

// StopClockReached reports whether now is at or past the configured
// stop clock.
func (p *Pool) StopClockReached(now time.Time) bool {
	return p.stopClock != nil && !now.Before(*p.stopClock)
}

// SetPaused toggles whether ReleaseToRun releases anything this tick
// (spec §4.5.4: "a paused workflow releases nothing").
func (p *Pool) SetPaused(paused bool) { p.paused = paused }

func (p *Pool) Paused() bool { return p.paused }

// CheckSpawnParentless walks every parentless TaskDef's sequences and
// spawns the next instance up to the runahead window. Must be invoked
// after any event that shifts the earliest live point.
func (p *Pool) CheckSpawnParentless(defaultFlows flowmgr.Set) {
	for _, def := range p.store.All() {
		if !def.IsParentless() {
			continue
		}
		from := p.earliestUnfinished
		for {
			next, ok := def.FirstPointFrom(from)
			if !ok || !p.withinRunahead(next) {
				break
			}
			key := ProxyKey{Cycle: next.String(), Name: def.Name}
			if _, exists := p.proxies[key]; exists {
				from = next.Add(cyclingOneUnit(next))
				continue
			}
			if _, err := p.Spawn(def.Name, next, defaultFlows, ReasonParentless); err != nil {
				p.log.Warn("parentless spawn failed", "name", def.Name, "error", err)
			}
			from = next.Add(cyclingOneUnit(next))
		}
	}
}

// cyclingOneUnit returns the smallest positive step to advance past pt
// when probing for the next sequence occurrence, matched to pt's
// domain.
func cyclingOneUnit(pt cycling.Point) cycling.Interval {
	switch pt.Domain() {
	case cycling.DomainInteger:
		return cycling.IntInterval(1)
	default:
		return cycling.ISOInterval{Seconds: 1}
	}
}

// EarliestUnfinished returns the pool's current earliest-unfinished
// cycle point.
func (p *Pool) EarliestUnfinished() cycling.Point { return p.earliestUnfinished }

// AdvanceEarliestUnfinished recomputes earliestUnfinished as the
// smallest cycle point among non-terminal, non-removed proxies. If no
// such proxy remains — every live proxy has finished — there is
// nothing left to anchor the pointer to the current cycle, so it steps
// forward by one cycling unit instead, letting CheckSpawnParentless
// resume spawning past it. The pointer only ever moves forward. Must
// be followed by CheckSpawnParentless.
func (p *Pool) AdvanceEarliestUnfinished() {
	var min cycling.Point
	for _, t := range p.proxies {
		if t.Removed || t.Status.IsTerminal() {
			continue
		}
		pt := p.points[t.Cycle]
		if pt == nil {
			continue
		}
		if min == nil || pt.Compare(min) < 0 {
			min = pt
		}
	}
	switch {
	case min != nil && min.Compare(p.earliestUnfinished) > 0:
		p.earliestUnfinished = min
	case min == nil:
		p.earliestUnfinished = p.earliestUnfinished.Add(cyclingOneUnit(p.earliestUnfinished))
	}
}

// PruneCompleted removes every proxy flagged Removed and every proxy
// that IsComplete and is in a terminal status. It does not check
// whether any downstream prerequisite still refers to the proxy;
// callers invoke this after a tick's event processing settles.
func (p *Pool) PruneCompleted(requiredOutputsOf func(name string) []string) {
	for key, t := range p.proxies {
		if t.Removed {
			delete(p.proxies, key)
			continue
		}
		if t.IsComplete(requiredOutputsOf(t.Name)) && t.Status.IsTerminal() {
			delete(p.proxies, key)
		}
	}
}

// Store returns the compiled graph this pool was built over.
func (p *Pool) Store() *graph.Store { return p.store }
