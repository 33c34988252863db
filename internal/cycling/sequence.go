package cycling

// Sequence is a recurrence rule: an initial point, a step interval, and
// optional start/end bounds, with an optional exclusion set of points
// (or sub-sequences) that are otherwise on the recurrence but must be
// skipped.
type Sequence struct {
	domain    Domain
	initial   Point
	step      Interval
	boundLo   Point // nil: unbounded below the recurrence's own initial point
	boundHi   Point // nil: unbounded above
	exclude   []Point
	excludeFn func(Point) bool // optional exclusion sub-sequence predicate
}

// NewSequence builds a Sequence. boundLo/boundHi may be nil for
// unbounded. step must be non-zero and share initial's domain.
func NewSequence(initial Point, step Interval, boundLo, boundHi Point) (*Sequence, error) {
	if initial.Domain() != step.Domain() {
		return nil, &ErrDomainMismatch{Left: initial.Domain(), Right: step.Domain(), Op: "NewSequence"}
	}
	if step.IsZero() {
		return nil, &ErrZeroStep{}
	}
	return &Sequence{domain: initial.Domain(), initial: initial, step: step, boundLo: boundLo, boundHi: boundHi}, nil
}

// ErrZeroStep is raised when a sequence is constructed with a zero-length
// step interval, which would recur infinitely at a single point.
type ErrZeroStep struct{}

func (e *ErrZeroStep) Error() string { return "cycling: sequence step interval must be non-zero" }

// WithExclusions returns a copy of the sequence that additionally skips
// the given literal points.
func (s *Sequence) WithExclusions(points ...Point) *Sequence {
	cp := *s
	cp.exclude = append(append([]Point{}, s.exclude...), points...)
	return &cp
}

// WithExclusionSequence returns a copy that additionally skips any point
// on which excl also recurs.
func (s *Sequence) WithExclusionSequence(excl *Sequence) *Sequence {
	cp := *s
	prior := cp.excludeFn
	cp.excludeFn = func(p Point) bool {
		if prior != nil && prior(p) {
			return true
		}
		return excl.IsOnSequence(p)
	}
	return &cp
}

func (s *Sequence) isExcluded(p Point) bool {
	for _, e := range s.exclude {
		if e.Compare(p) == 0 {
			return true
		}
	}
	if s.excludeFn != nil {
		return s.excludeFn(p)
	}
	return false
}

func (s *Sequence) inBounds(p Point) bool {
	if s.boundLo != nil && p.Compare(s.boundLo) < 0 {
		return false
	}
	if s.boundHi != nil && p.Compare(s.boundHi) > 0 {
		return false
	}
	return true
}

// IsOnSequence reports whether p lies exactly on the recurrence — i.e.
// p is within bounds, is not an excluded point, and p - initial is an
// exact integer multiple of step.
func (s *Sequence) IsOnSequence(p Point) bool {
	requireSameDomain("IsOnSequence", s.domain, p.Domain())
	if !s.inBounds(p) {
		return false
	}
	if s.isExcluded(p) {
		return false
	}
	return s.isMultipleOfStep(p)
}

func (s *Sequence) isMultipleOfStep(p Point) bool {
	switch s.domain {
	case DomainInteger:
		ip := p.(IntPoint)
		init := s.initial.(IntPoint)
		step := s.step.(IntInterval)
		if step == 0 {
			return ip == init
		}
		diff := int64(ip) - int64(init)
		return diff%int64(step) == 0 && sameSignOrZero(diff, int64(step))
	default:
		// ISO8601: walk forward/backward from initial in step
		// increments; bounded by a generous iteration cap since
		// calendar steps are not exactly invertible by division.
		return s.walkToMatch(p)
	}
}

func sameSignOrZero(diff, step int64) bool {
	if diff == 0 {
		return true
	}
	return (diff > 0) == (step > 0)
}

const maxSequenceWalk = 1_000_000

// walkToMatch is the ISO8601 fallback for IsOnSequence: walks the
// recurrence from its initial point toward p and checks for an exact
// hit. Used only for calendar sequences where step sizes are not
// evenly divisible the way integer steps are.
func (s *Sequence) walkToMatch(p Point) bool {
	cur := s.initial
	forward := cur.Compare(p) <= 0
	step := s.step
	if !forward {
		step = step.Negate()
	}
	for i := 0; i < maxSequenceWalk; i++ {
		c := cur.Compare(p)
		if c == 0 {
			return true
		}
		if forward && c > 0 {
			return false
		}
		if !forward && c < 0 {
			return false
		}
		cur = cur.Add(step)
	}
	return false
}

// FirstPointAfter returns the smallest point >= after that lies on the
// sequence and is not excluded, or (nil, false) if the sequence has no
// such point (exhausted its upper bound).
func (s *Sequence) FirstPointAfter(after Point) (Point, bool) {
	requireSameDomain("FirstPointAfter", s.domain, after.Domain())
	cur := s.initial
	if cur.Compare(after) < 0 {
		// advance cur to >= after using repeated stepping; safe for
		// both domains since step is monotonic and non-zero.
		for i := 0; i < maxSequenceWalk && cur.Compare(after) < 0; i++ {
			cur = cur.Add(s.step)
		}
	}
	for i := 0; i < maxSequenceWalk; i++ {
		if !s.inBounds(cur) {
			return nil, false
		}
		if !s.isExcluded(cur) {
			return cur, true
		}
		cur = cur.Add(s.step)
	}
	return nil, false
}

// NextPoint returns the next point on the sequence strictly after
// current, or (nil, false) if none remains within bounds.
func (s *Sequence) NextPoint(current Point) (Point, bool) {
	requireSameDomain("NextPoint", s.domain, current.Domain())
	cur := current.Add(s.step)
	for i := 0; i < maxSequenceWalk; i++ {
		if !s.inBounds(cur) {
			return nil, false
		}
		if !s.isExcluded(cur) {
			return cur, true
		}
		cur = cur.Add(s.step)
	}
	return nil, false
}

func (s *Sequence) Domain() Domain { return s.domain }
func (s *Sequence) Initial() Point { return s.initial }
func (s *Sequence) Step() Interval { return s.step }
