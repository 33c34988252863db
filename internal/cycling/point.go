// Package cycling implements point/interval/sequence arithmetic for the
// two supported cycling domains: plain integers and ISO-8601 date-times.
package cycling

import (
	"fmt"
)

// Domain identifies which totally-ordered space a Point or Interval
// belongs to. Points and intervals from different domains must never be
// compared or combined.
type Domain int

const (
	DomainInteger Domain = iota
	DomainISO8601
)

func (d Domain) String() string {
	switch d {
	case DomainInteger:
		return "integer"
	case DomainISO8601:
		return "iso8601"
	default:
		return "unknown"
	}
}

// Point is an immutable value in one of the two cycling domains.
type Point interface {
	Domain() Domain
	// Compare returns -1, 0, 1 as the receiver is less than, equal to,
	// or greater than other. Panics if other is from a different domain.
	Compare(other Point) int
	// Add returns the point offset by the given interval.
	Add(i Interval) Point
	// Sub returns the interval from other to the receiver (receiver - other).
	Sub(other Point) Interval
	// String returns the canonical (standardised) string form.
	String() string
}

// Interval is an immutable signed offset in one of the two domains.
type Interval interface {
	Domain() Domain
	// Add returns the sum of two intervals from the same domain.
	Add(other Interval) Interval
	// Negate returns the additive inverse.
	Negate() Interval
	// Mul returns the interval scaled by an integer factor.
	Mul(n int64) Interval
	// IsZero reports whether this is the zero offset.
	IsZero() bool
	// Compare returns -1, 0, 1 as the receiver is less than, equal to,
	// or greater than other.
	Compare(other Interval) int
	String() string
}

// ErrDomainMismatch is raised whenever an operation mixes points or
// intervals from different domains. This is always a programming error,
// never a user input error, per spec — it must fail loudly.
type ErrDomainMismatch struct {
	Left, Right Domain
	Op          string
}

func (e *ErrDomainMismatch) Error() string {
	return fmt.Sprintf("cycling: domain mismatch in %s: %s vs %s", e.Op, e.Left, e.Right)
}

func requireSameDomain(op string, a, b Domain) {
	if a != b {
		panic(&ErrDomainMismatch{Left: a, Right: b, Op: op})
	}
}
