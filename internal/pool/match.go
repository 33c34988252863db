package pool

import (
	"path"
	"strings"

	"github.com/cyclerun/scheduler/internal/errs"
)

// Selector is a parsed user task selector: "[cycle/]name[:status]",
// with glob wildcards allowed in both cycle and name.
type Selector struct {
	Cycle  string // "" means "any cycle"
	Name   string
	Status string // "" means "any status"
}

// ParseSelector parses one selector token.
func ParseSelector(s string) (Selector, error) {
	var sel Selector
	rest := s
	if idx := strings.Index(rest, "/"); idx >= 0 {
		sel.Cycle = rest[:idx]
		rest = rest[idx+1:]
	}
	if idx := strings.Index(rest, ":"); idx >= 0 {
		sel.Status = rest[idx+1:]
		rest = rest[:idx]
	}
	if rest == "" {
		return Selector{}, &errs.InputError{Msg: "empty task name in selector " + s}
	}
	sel.Name = rest
	return sel, nil
}

func (sel Selector) matches(t *TaskProxy) bool {
	if sel.Cycle != "" {
		if ok, _ := path.Match(sel.Cycle, t.Cycle); !ok {
			return false
		}
	}
	if ok, _ := path.Match(sel.Name, t.Name); !ok {
		return false
	}
	if sel.Status != "" && !strings.EqualFold(sel.Status, t.Status.String()) {
		return false
	}
	return true
}

// Match resolves a set of user selectors to the live proxies they
// reference, in stable order, deduplicated. Returns the matched keys
// and the indices into selectors of those (if any) that matched
// nothing.
func (p *Pool) Match(selectors []Selector) (matched []ProxyKey, unmatchedIdx []int) {
	seen := map[ProxyKey]bool{}
	for i, sel := range selectors {
		any := false
		for _, t := range p.All() {
			if sel.matches(t) {
				k := t.Key()
				if !seen[k] {
					seen[k] = true
					matched = append(matched, k)
				}
				any = true
			}
		}
		if !any {
			unmatchedIdx = append(unmatchedIdx, i)
		}
	}
	return matched, unmatchedIdx
}
