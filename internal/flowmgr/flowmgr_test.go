package flowmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestNewManagerStartsWithFlowOne(t *testing.T) {
	m := NewManager(fixedNow)
	d, ok := m.Describe(1)
	require.True(t, ok)
	assert.Equal(t, 1, d.Num)
}

func TestFlowAllocationMonotonic(t *testing.T) {
	m := NewManager(fixedNow)
	d2 := m.New("rerun")
	d3 := m.New("another rerun")
	assert.Equal(t, 2, d2.Num)
	assert.Equal(t, 3, d3.Num)
}

func TestFlowNumberNeverReused(t *testing.T) {
	m := NewManager(fixedNow)
	d2 := m.New("x")
	assert.Equal(t, 2, d2.Num)
	// simulate flow 2 "ending" (nothing in this package tracks
	// liveness, but the counter must not roll back even so)
	d3 := m.New("y")
	assert.Equal(t, 3, d3.Num)
}

func TestBackCompatFlowAllNormalisesToEmpty(t *testing.T) {
	nums, err := CLIToFlowNums([]string{"all"}, NewSet(1, 2))
	require.NoError(t, err)
	assert.True(t, nums.Empty())
}

func TestCLIToFlowNumsNone(t *testing.T) {
	nums, err := CLIToFlowNums([]string{"none"}, NewSet(1))
	require.NoError(t, err)
	assert.True(t, nums.Empty())
}

func TestCLIToFlowNumsExplicitIntegers(t *testing.T) {
	nums, err := CLIToFlowNums([]string{"1", "3"}, NewSet())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, nums.Slice())
}

func TestCLIToFlowNumsInvalidToken(t *testing.T) {
	_, err := CLIToFlowNums([]string{"bogus"}, NewSet())
	assert.Error(t, err)
}

func TestMergeUnion(t *testing.T) {
	merged := Merge(NewSet(1), NewSet(2))
	assert.Equal(t, []int{1, 2}, merged.Slice())
}
