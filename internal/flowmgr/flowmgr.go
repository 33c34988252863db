// Package flowmgr allocates and merges flow numbers (spec §4.4): the
// small positive integers tagging concurrent "runs" of the graph.
package flowmgr

import (
	"sort"
	"time"

	"github.com/cyclerun/scheduler/internal/errs"
	"github.com/google/uuid"
)

// Set is an immutable-by-convention set of flow numbers. Callers treat
// values as copy-on-write; Manager always returns fresh sets.
type Set map[int]struct{}

// NewSet builds a Set from the given numbers.
func NewSet(nums ...int) Set {
	s := make(Set, len(nums))
	for _, n := range nums {
		s[n] = struct{}{}
	}
	return s
}

// Union returns the set union of a and b as a new Set.
func Union(a, b Set) Set {
	out := make(Set, len(a)+len(b))
	for n := range a {
		out[n] = struct{}{}
	}
	for n := range b {
		out[n] = struct{}{}
	}
	return out
}

// Slice returns the set's members in ascending order.
func (s Set) Slice() []int {
	out := make([]int, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func (s Set) Empty() bool { return len(s) == 0 }

func (s Set) Contains(n int) bool {
	_, ok := s[n]
	return ok
}

// Description records metadata about one allocated flow.
type Description struct {
	Num         int
	Text        string
	CorrelationID string
	CreatedAt   time.Time
}

// Manager owns the monotonic flow-number counter and the
// flow -> description mapping. Flow numbers are never reused, even
// after every proxy carrying a number has completed (spec §8 "flow
// monotonicity").
type Manager struct {
	next  int
	descs map[int]Description
	nowFn func() time.Time
}

// NewManager returns a Manager with flow 1 pre-allocated (the implicit
// flow at cold start).
func NewManager(nowFn func() time.Time) *Manager {
	if nowFn == nil {
		nowFn = time.Now
	}
	m := &Manager{next: 2, descs: map[int]Description{}, nowFn: nowFn}
	m.descs[1] = Description{Num: 1, Text: "original flow", CorrelationID: uuid.NewString(), CreatedAt: nowFn()}
	return m
}

// New allocates the next flow number with the given description text.
func (m *Manager) New(text string) Description {
	d := Description{Num: m.next, Text: text, CorrelationID: uuid.NewString(), CreatedAt: m.nowFn()}
	m.descs[m.next] = d
	m.next++
	return d
}

// Describe returns the description for an already-allocated flow
// number.
func (m *Manager) Describe(num int) (Description, bool) {
	d, ok := m.descs[num]
	return d, ok
}

// Restore re-installs a flow description read back from persistence
// (restart round-trip), advancing the counter past it if necessary.
func (m *Manager) Restore(d Description) {
	m.descs[d.Num] = d
	if d.Num >= m.next {
		m.next = d.Num + 1
	}
}

// Merge returns the union of existing and added, recording no new
// description (merges do not create flows, they combine membership).
func Merge(existing, added Set) Set { return Union(existing, added) }

// CLIToFlowNums translates user flow tokens into a concrete Set, per
// spec §4.4 and the back-compat rule in §6 ("all" from pre-v2 clients
// normalises to the empty set).
//
//   - integer tokens: must be positive and are used as given; no check
//     is made, here or by the command layer, that the number names an
//     already-allocated flow.
//   - "new": the caller must call Manager.New and pass its number
//     instead of invoking this translator (an allocation is a side
//     effect the translator itself must not hide).
//   - "none": returns the empty Set.
//   - "all": a lone ["all"] is the pre-v2 back-compat form and returns
//     the empty set (see BackCompatFlowAll); alongside other tokens it
//     expands to activeFlows (the union of flow_nums over all pool
//     proxies).
//
// Per the Open-Question decision in DESIGN.md, "none" on an
// already-active task is rejected by the caller at command-validation
// time, not here — this function only does token translation.
func CLIToFlowNums(tokens []string, activeFlows Set) (Set, error) {
	if BackCompatFlowAll(tokens) == nil {
		return NewSet(), nil
	}
	out := NewSet()
	for _, tok := range tokens {
		switch tok {
		case "none":
			return NewSet(), nil
		case "all":
			out = Union(out, activeFlows)
		case "new":
			return nil, &errs.InputError{Msg: `"new" flow token must be handled by the caller via Manager.New, not CLIToFlowNums`}
		default:
			n, err := parsePositiveInt(tok)
			if err != nil {
				return nil, &errs.InputError{Msg: "invalid flow token " + tok + ": acceptable forms are an integer, \"new\", \"none\", or \"all\""}
			}
			out[n] = struct{}{}
		}
	}
	return out, nil
}

// BackCompatFlowAll implements the pre-v2 back-compat rule: a token
// list of exactly ["all"] normalises to nil (meaning "use the
// scheduler's default flow set"); any other token list passes through
// unchanged. Returning nil vs non-nil is the signal CLIToFlowNums keys
// on to decide whether to take the back-compat shortcut.
func BackCompatFlowAll(tokens []string) []string {
	if len(tokens) == 1 && tokens[0] == "all" {
		return nil
	}
	return tokens
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, &errs.InputError{Msg: "empty flow token"}
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, &errs.InputError{Msg: "non-numeric flow token " + s}
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return 0, &errs.InputError{Msg: "flow numbers start at 1: " + s}
	}
	return n, nil
}
