package graph

import (
	"regexp"
	"strconv"
	"time"

	"github.com/cyclerun/scheduler/internal/config"
	"github.com/cyclerun/scheduler/internal/cycling"
	"github.com/cyclerun/scheduler/internal/errs"
)

// ParsePoint parses a point literal in the given cycling mode.
func ParsePoint(mode config.CyclingMode, lit string) (cycling.Point, error) {
	switch mode {
	case config.CyclingInteger:
		n, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return nil, &errs.ConfigError{Msg: "invalid integer point literal " + strconv.Quote(lit)}
		}
		return cycling.IntPoint(n), nil
	case config.CyclingISO8601:
		t, err := time.Parse(time.RFC3339, lit)
		if err != nil {
			return nil, &errs.ConfigError{Msg: "invalid ISO8601 point literal " + strconv.Quote(lit)}
		}
		return cycling.NewISOPoint(t), nil
	default:
		return nil, &errs.ConfigError{Msg: "unknown cycling mode " + string(mode)}
	}
}

var isoIntervalRE = regexp.MustCompile(`^([+-])?P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)S)?)?$`)

// ParseInterval parses an interval literal in the given cycling mode.
// Empty literal means the zero offset (same cycle point).
func ParseInterval(mode config.CyclingMode, lit string) (cycling.Interval, error) {
	if lit == "" {
		switch mode {
		case config.CyclingInteger:
			return cycling.IntInterval(0), nil
		case config.CyclingISO8601:
			return cycling.ISOInterval{}, nil
		}
	}
	switch mode {
	case config.CyclingInteger:
		iv, err := cycling.ParseIntInterval(lit)
		if err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return iv, nil
	case config.CyclingISO8601:
		m := isoIntervalRE.FindStringSubmatch(lit)
		if m == nil {
			return nil, &errs.ConfigError{Msg: "invalid ISO8601 interval literal " + strconv.Quote(lit)}
		}
		sign := int64(1)
		if m[1] == "-" {
			sign = -1
		}
		parse := func(s string) int64 {
			if s == "" {
				return 0
			}
			n, _ := strconv.ParseInt(s, 10, 64)
			return n
		}
		return cycling.ISOInterval{
			Years: sign * parse(m[2]), Months: sign * parse(m[3]),
			Days: sign * parse(m[4]), Seconds: sign * parse(m[5]),
		}, nil
	default:
		return nil, &errs.ConfigError{Msg: "unknown cycling mode " + string(mode)}
	}
}

// sequenceLiteralRE splits "<initial>/<step>" and an optional
// "/<bound>" third field, e.g. "1/P1" or "2026-01-01T00:00:00Z/P1D".
var sequenceLiteralRE = regexp.MustCompile(`^([^/]+)/([^/]+)(?:/([^/]+))?$`)

// ParseSequence parses one recurrence literal against mode.
func ParseSequence(mode config.CyclingMode, lit string) (*cycling.Sequence, error) {
	m := sequenceLiteralRE.FindStringSubmatch(lit)
	if m == nil {
		return nil, &errs.ConfigError{Msg: "invalid sequence literal " + strconv.Quote(lit)}
	}
	initial, err := ParsePoint(mode, m[1])
	if err != nil {
		return nil, err
	}
	step, err := ParseInterval(mode, m[2])
	if err != nil {
		return nil, err
	}
	var bound cycling.Point
	if m[3] != "" {
		bound, err = ParsePoint(mode, m[3])
		if err != nil {
			return nil, err
		}
	}
	seq, err := cycling.NewSequence(initial, step, nil, bound)
	if err != nil {
		return nil, &errs.ConfigError{Msg: err.Error()}
	}
	return seq, nil
}
