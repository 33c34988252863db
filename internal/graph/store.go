// Package graph builds and serves the immutable compiled workflow
// graph: task definitions, triggers, xtrigger bindings, and family
// membership. A Store is rebuilt wholesale on reload and swapped in by
// the main loop in a single tick; it is never mutated in place.
package graph

import (
	"sort"

	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/errs"
)

// Store is the immutable compiled graph for one config epoch.
type Store struct {
	defs        map[string]*TaskDef
	familyOf    map[string][]string // family name -> member task names
	children    map[string][]ChildEdge
	cyclingMode config.CyclingMode
	queues      map[string]config.QueueSpec
	defaultQ    string
	xtriggers   map[string]config.XtriggerSpec
	events      config.EventsSpec
}

// ChildEdge records, for a given upstream task, one downstream
// dependent: used to walk children when removing a proxy (§4.5.2).
type ChildEdge struct {
	Downstream  string
	PointOffset string // offset from upstream's point to downstream's point, as the negation of the trigger's own offset
	Output      string
}

// Build compiles a resolved WorkflowConfig into an immutable Store.
// Cyclic parentage, undefined parents/upstreams, an empty graph, or a
// point-domain mismatch are reported as *errs.ConfigError.
func Build(cfg *config.WorkflowConfig) (*Store, error) {
	if len(cfg.TaskDefs) == 0 {
		return nil, &errs.ConfigError{Msg: "workflow graph is empty: no taskdefs"}
	}
	s := &Store{
		defs:        make(map[string]*TaskDef, len(cfg.TaskDefs)),
		familyOf:    make(map[string][]string),
		children:    make(map[string][]ChildEdge),
		cyclingMode: cfg.CyclingMode,
		queues:      cfg.Queues,
		xtriggers:   cfg.Xtriggers,
		events:      cfg.Events,
	}

	for name, spec := range cfg.TaskDefs {
		for _, fam := range spec.Families {
			s.familyOf[fam] = append(s.familyOf[fam], name)
		}
	}
	for fam, members := range s.familyOf {
		sort.Strings(members)
		s.familyOf[fam] = members
	}

	groupCounter := 0
	for name, spec := range cfg.TaskDefs {
		d := &TaskDef{
			Name:            name,
			Families:        append([]string{}, spec.Families...),
			ExternalTrigger: spec.ExternalOutput,
			XtriggerLabels:  append([]string{}, spec.Xtriggers...),
			Runtime:         spec.Runtime,
			parentless:      spec.Parentless,
			sequential:      spec.Sequential,
			oneOff:          spec.OneOff,
		}
		for _, seqLit := range spec.Sequences {
			seq, err := ParseSequence(cfg.CyclingMode, seqLit)
			if err != nil {
				return nil, err
			}
			d.Sequences = append(d.Sequences, seq)
		}
		for _, o := range spec.Outputs {
			d.Outputs = append(d.Outputs, OutputDecl{Label: o.Label, Required: o.Required})
		}
		if spec.ClockOffset != "" {
			off, err := ParseInterval(cfg.CyclingMode, spec.ClockOffset)
			if err != nil {
				return nil, err
			}
			d.clockOffset = off
			d.isClockTriggered = true
		}
		if spec.ClockExpireOff != "" {
			off, err := ParseInterval(cfg.CyclingMode, spec.ClockExpireOff)
			if err != nil {
				return nil, err
			}
			d.clockExpireOffset = off
			d.hasClockExpire = true
		}

		for _, t := range spec.Triggers {
			output := t.Output
			if output == "" {
				output = "succeeded"
			}
			offset, err := ParseInterval(cfg.CyclingMode, t.PointOffset)
			if err != nil {
				return nil, err
			}
			if members, isFamily := s.familyOf[t.Upstream]; isFamily {
				// Family trigger expansion (§4.2): "family X succeeded"
				// becomes the conjunction of every member's succeeded
				// output. Each member gets its own AND slot so the
				// overall expression stays a conjunction.
				for _, member := range members {
					groupCounter++
					d.Triggers = append(d.Triggers, CompiledTrigger{
						Upstream: member, PointOffset: offset, Output: output,
						Qualifier: t.Qualifier, Suicide: t.Suicide, DisjunctGroup: groupCounter,
					})
				}
				continue
			}
			if _, ok := cfg.TaskDefs[t.Upstream]; !ok {
				return nil, &errs.ConfigError{Msg: "task " + name + " triggers on undefined task " + t.Upstream}
			}
			grp := t.DisjunctGroup
			if grp == 0 {
				groupCounter++
				grp = groupCounter
			}
			d.Triggers = append(d.Triggers, CompiledTrigger{
				Upstream: t.Upstream, PointOffset: offset, Output: output,
				Qualifier: t.Qualifier, Suicide: t.Suicide, DisjunctGroup: grp,
			})
		}
		s.defs[name] = d
	}

	if err := detectCycles(s.defs); err != nil {
		return nil, err
	}

	for name, d := range s.defs {
		for _, trig := range d.Triggers {
			s.children[trig.Upstream] = append(s.children[trig.Upstream], ChildEdge{
				Downstream: name, PointOffset: trig.PointOffset.Negate().String(), Output: trig.Output,
			})
		}
	}

	s.defaultQ = "default"
	if _, ok := s.queues[s.defaultQ]; !ok {
		assigned := map[string]bool{}
		for _, q := range s.queues {
			for _, m := range q.Members {
				assigned[m] = true
			}
		}
		var unassigned []string
		for name := range s.defs {
			if !assigned[name] {
				unassigned = append(unassigned, name)
			}
		}
		sort.Strings(unassigned)
		if s.queues == nil {
			s.queues = map[string]config.QueueSpec{}
		}
		s.queues[s.defaultQ] = config.QueueSpec{Name: s.defaultQ, Limit: 0, Members: unassigned}
	}

	return s, nil
}

// detectCycles reports a ConfigError if the compiled trigger graph
// contains a cycle among same-point dependencies (a zero point-offset
// trigger loop is always a true cycle; non-zero offsets span cycles
// and are not considered here since they terminate via the cycling
// kernel's bounded runahead window instead).
func detectCycles(defs map[string]*TaskDef) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(defs))
	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		d := defs[name]
		if d != nil {
			for _, t := range d.Triggers {
				if !t.PointOffset.IsZero() {
					continue
				}
				switch color[t.Upstream] {
				case gray:
					return &errs.ConfigError{Msg: "cyclic same-point dependency involving " + name + " and " + t.Upstream}
				case white:
					if err := visit(t.Upstream); err != nil {
						return err
					}
				}
			}
		}
		color[name] = black
		return nil
	}
	for name := range defs {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get returns the TaskDef for name, or (nil, false) if undefined.
func (s *Store) Get(name string) (*TaskDef, bool) {
	d, ok := s.defs[name]
	return d, ok
}

// All returns every TaskDef in the store, in stable (sorted-by-name)
// order.
func (s *Store) All() []*TaskDef {
	names := make([]string, 0, len(s.defs))
	for n := range s.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*TaskDef, len(names))
	for i, n := range names {
		out[i] = s.defs[n]
	}
	return out
}

// Children returns the downstream edges for a given upstream task name.
func (s *Store) Children(name string) []ChildEdge { return s.children[name] }

// Queues returns the compiled queue set, including the synthesised
// default queue.
func (s *Store) Queues() map[string]config.QueueSpec { return s.queues }

// DefaultQueue returns the name of the queue that otherwise-unassigned
// tasks belong to.
func (s *Store) DefaultQueue() string { return s.defaultQ }

// Xtriggers returns the compiled xtrigger definitions.
func (s *Store) Xtriggers() map[string]config.XtriggerSpec { return s.xtriggers }

// Events returns the compiled event/timeout configuration.
func (s *Store) Events() config.EventsSpec { return s.events }

// CyclingMode reports which cycling.Domain this store's points use.
func (s *Store) CyclingMode() config.CyclingMode { return s.cyclingMode }

// FamilyMembers returns the member task names of a family, or nil if
// name is not a known family.
func (s *Store) FamilyMembers(name string) []string { return s.familyOf[name] }
