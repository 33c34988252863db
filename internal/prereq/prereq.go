// Package prereq implements the per-task-instance prerequisite engine
// (spec §4.3): conjunctive slots of disjunctively alternative
// (cycle, task, output) triples, with natural and forced satisfaction
// and suicide prerequisites.
//
// Structural note: a Prerequisite is implemented as a conjunction
// (AND) across clauses, where each clause is satisfied if any one of
// its triples is satisfied (OR within the clause). This is the
// conjunctive-normal-form reading of spec §4.3 and matches how the
// compiled graph actually expresses "a & b => c" (two clauses) versus
// "a | b => c" (one clause, two triples) — see DESIGN.md.
package prereq

// Reason records why a triple became satisfied.
type Reason int

const (
	Unsatisfied Reason = iota
	Natural
	Forced
)

// TripleKey identifies one (cycle, task, output) satisfaction target.
// Cycle is the point's canonical string form so TripleKey is a valid
// map key regardless of cycling domain.
type TripleKey struct {
	Cycle  string
	Name   string
	Output string
}

type triple struct {
	key    TripleKey
	reason Reason
}

// Clause is one AND-slot: satisfied if any of its triples is satisfied.
type Clause struct {
	triples []*triple
	suicide bool
}

// Prerequisite is a conjunction of Clauses.
type Prerequisite struct {
	clauses []*Clause
}

// New builds a Prerequisite from clauses of triple keys. suicide marks
// every triple in every clause as belonging to a suicide prerequisite
// (spec §4.3: structurally identical, but satisfaction removes the
// holding proxy instead of releasing it).
func New(clauseKeys [][]TripleKey, suicide bool) *Prerequisite {
	p := &Prerequisite{}
	for _, keys := range clauseKeys {
		c := &Clause{suicide: suicide}
		for _, k := range keys {
			c.triples = append(c.triples, &triple{key: k})
		}
		p.clauses = append(p.clauses, c)
	}
	return p
}

// IsSuicide reports whether this is a suicide prerequisite.
func (p *Prerequisite) IsSuicide() bool {
	for _, c := range p.clauses {
		if c.suicide {
			return true
		}
	}
	return false
}

// Satisfy marks key satisfied with the given reason across every
// clause that references it. Forced satisfaction always takes effect;
// natural satisfaction never overwrites an existing forced one (force
// and natural satisfaction are independent per spec — force never
// un-sets natural and vice versa).
func (p *Prerequisite) Satisfy(key TripleKey, reason Reason) {
	for _, c := range p.clauses {
		for _, t := range c.triples {
			if t.key != key {
				continue
			}
			switch {
			case t.reason == Forced:
				// forced satisfaction is sticky; natural satisfy after
				// the fact does not downgrade it, and re-forcing is a
				// no-op.
			case reason == Forced:
				t.reason = Forced
			default:
				t.reason = Natural
			}
		}
	}
}

// UnsetNaturallySatisfied reverses a natural satisfaction of key (used
// when an upstream task is removed while the downstream is still
// waiting). Forced satisfactions are untouched.
func (p *Prerequisite) UnsetNaturallySatisfied(key TripleKey) {
	for _, c := range p.clauses {
		for _, t := range c.triples {
			if t.key == key && t.reason == Natural {
				t.reason = Unsatisfied
			}
		}
	}
}

// AllSatisfied reports whether every clause has at least one satisfied
// triple.
func (p *Prerequisite) AllSatisfied() bool {
	for _, c := range p.clauses {
		if !clauseSatisfied(c) {
			return false
		}
	}
	return true
}

func clauseSatisfied(c *Clause) bool {
	for _, t := range c.triples {
		if t.reason != Unsatisfied {
			return true
		}
	}
	return false
}

// AnySatisfiedOutput reports whether any single triple anywhere in the
// prerequisite is satisfied (used to decide whether a downstream task
// should stay spawned after an upstream removal, per §4.5.2).
func (p *Prerequisite) AnySatisfiedOutput() bool {
	for _, c := range p.clauses {
		for _, t := range c.triples {
			if t.reason != Unsatisfied {
				return true
			}
		}
	}
	return false
}

// Keys returns every distinct triple key referenced by this
// prerequisite, in clause-then-triple declaration order (the
// deterministic force-satisfaction order decided in DESIGN.md).
func (p *Prerequisite) Keys() []TripleKey {
	var out []TripleKey
	seen := map[TripleKey]bool{}
	for _, c := range p.clauses {
		for _, t := range c.triples {
			if !seen[t.key] {
				seen[t.key] = true
				out = append(out, t.key)
			}
		}
	}
	return out
}

// UnsatisfiedOffGroupKeys returns the triple keys not yet satisfied,
// restricted to those whose Name is not in the given in-group set. Used
// by the group-trigger algorithm (§4.5.1) to force-satisfy exactly the
// off-group prerequisites of a group-start task.
func (p *Prerequisite) UnsatisfiedOffGroupKeys(inGroup map[string]bool) []TripleKey {
	var out []TripleKey
	for _, c := range p.clauses {
		for _, t := range c.triples {
			if t.reason == Unsatisfied && !inGroup[t.key.Name] {
				out = append(out, t.key)
			}
		}
	}
	return out
}

// ReasonOf returns the current satisfaction reason for key, or
// (Unsatisfied, false) if key is not part of this prerequisite.
func (p *Prerequisite) ReasonOf(key TripleKey) (Reason, bool) {
	for _, c := range p.clauses {
		for _, t := range c.triples {
			if t.key == key {
				return t.reason, true
			}
		}
	}
	return Unsatisfied, false
}
