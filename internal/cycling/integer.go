package cycling

import "strconv"

// IntPoint is a Point in the integer cycling domain.
type IntPoint int64

func (p IntPoint) Domain() Domain { return DomainInteger }

func (p IntPoint) Compare(other Point) int {
	o, ok := other.(IntPoint)
	if !ok {
		requireSameDomain("Compare", DomainInteger, other.Domain())
	}
	switch {
	case p < o:
		return -1
	case p > o:
		return 1
	default:
		return 0
	}
}

func (p IntPoint) Add(i Interval) Point {
	iv, ok := i.(IntInterval)
	if !ok {
		requireSameDomain("Add", DomainInteger, i.Domain())
	}
	return IntPoint(int64(p) + int64(iv))
}

func (p IntPoint) Sub(other Point) Interval {
	o, ok := other.(IntPoint)
	if !ok {
		requireSameDomain("Sub", DomainInteger, other.Domain())
	}
	return IntInterval(int64(p) - int64(o))
}

func (p IntPoint) String() string { return strconv.FormatInt(int64(p), 10) }

// IntInterval is an Interval in the integer cycling domain.
type IntInterval int64

func (i IntInterval) Domain() Domain { return DomainInteger }

func (i IntInterval) Add(other Interval) Interval {
	o, ok := other.(IntInterval)
	if !ok {
		requireSameDomain("Add", DomainInteger, other.Domain())
	}
	return i + o
}

func (i IntInterval) Negate() Interval { return -i }

func (i IntInterval) Mul(n int64) Interval { return IntInterval(int64(i) * n) }

func (i IntInterval) IsZero() bool { return i == 0 }

func (i IntInterval) Compare(other Interval) int {
	o, ok := other.(IntInterval)
	if !ok {
		requireSameDomain("Compare", DomainInteger, other.Domain())
	}
	switch {
	case i < o:
		return -1
	case i > o:
		return 1
	default:
		return 0
	}
}

func (i IntInterval) String() string {
	if i >= 0 {
		return "+P" + strconv.FormatInt(int64(i), 10)
	}
	return "-P" + strconv.FormatInt(int64(-i), 10)
}

// ParseIntInterval parses a "P<n>"/"+P<n>"/"-P<n>" style integer
// interval literal used in integer-cycling graphs (e.g. "P1", "-P2").
func ParseIntInterval(s string) (IntInterval, error) {
	neg := false
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	if len(s) == 0 || s[0] != 'P' {
		return 0, &ErrInvalidIntervalLiteral{Literal: s}
	}
	n, err := strconv.ParseInt(s[1:], 10, 64)
	if err != nil {
		return 0, &ErrInvalidIntervalLiteral{Literal: s, Cause: err}
	}
	if neg {
		n = -n
	}
	return IntInterval(n), nil
}

// ErrInvalidIntervalLiteral is returned by the interval literal parsers
// when the input does not match the domain's expected grammar.
type ErrInvalidIntervalLiteral struct {
	Literal string
	Cause   error
}

func (e *ErrInvalidIntervalLiteral) Error() string {
	if e.Cause != nil {
		return "cycling: invalid interval literal " + strconv.Quote(e.Literal) + ": " + e.Cause.Error()
	}
	return "cycling: invalid interval literal " + strconv.Quote(e.Literal)
}

func (e *ErrInvalidIntervalLiteral) Unwrap() error { return e.Cause }
