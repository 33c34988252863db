package cycling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntPointCompareAndAdd(t *testing.T) {
	a := IntPoint(1)
	b := IntPoint(3)
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(IntPoint(1)))

	step, err := ParseIntInterval("P1")
	require.NoError(t, err)
	assert.Equal(t, IntPoint(2), a.Add(step))
}

func TestIntPointDomainMismatchPanics(t *testing.T) {
	a := IntPoint(1)
	b := NewISOPoint(time.Now())
	assert.Panics(t, func() { a.Compare(b) })
}

func TestParseIntIntervalNegative(t *testing.T) {
	iv, err := ParseIntInterval("-P2")
	require.NoError(t, err)
	assert.Equal(t, IntInterval(-2), iv)
}

func TestParseIntIntervalInvalid(t *testing.T) {
	_, err := ParseIntInterval("bogus")
	assert.Error(t, err)
}

func TestSequenceIntegerBasic(t *testing.T) {
	seq, err := NewSequence(IntPoint(1), IntInterval(1), nil, nil)
	require.NoError(t, err)

	assert.True(t, seq.IsOnSequence(IntPoint(1)))
	assert.True(t, seq.IsOnSequence(IntPoint(5)))
	assert.False(t, seq.IsOnSequence(IntPoint(0)))

	next, ok := seq.NextPoint(IntPoint(1))
	require.True(t, ok)
	assert.Equal(t, IntPoint(2), next)

	first, ok := seq.FirstPointAfter(IntPoint(0))
	require.True(t, ok)
	assert.Equal(t, IntPoint(1), first)
}

func TestSequenceBoundedExhausts(t *testing.T) {
	hi := IntPoint(3)
	seq, err := NewSequence(IntPoint(1), IntInterval(1), nil, hi)
	require.NoError(t, err)

	_, ok := seq.NextPoint(IntPoint(3))
	assert.False(t, ok, "sequence must not continue past its upper bound")
}

func TestSequenceExclusions(t *testing.T) {
	seq, err := NewSequence(IntPoint(1), IntInterval(1), nil, nil)
	require.NoError(t, err)
	seq = seq.WithExclusions(IntPoint(2))

	assert.False(t, seq.IsOnSequence(IntPoint(2)))
	first, ok := seq.FirstPointAfter(IntPoint(2))
	require.True(t, ok)
	assert.Equal(t, IntPoint(3), first, "excluded point must be skipped when searching forward")
}

func TestSequenceISO8601(t *testing.T) {
	init := NewISOPoint(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	step := ISOInterval{Days: 1}
	seq, err := NewSequence(init, step, nil, nil)
	require.NoError(t, err)

	next, ok := seq.NextPoint(init)
	require.True(t, ok)
	wantNext := NewISOPoint(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 0, next.Compare(wantNext))
}

func TestZeroStepRejected(t *testing.T) {
	_, err := NewSequence(IntPoint(1), IntInterval(0), nil, nil)
	assert.Error(t, err)
}
