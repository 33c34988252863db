package prereq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func keyA() TripleKey { return TripleKey{Cycle: "1", Name: "a", Output: "succeeded"} }
func keyB() TripleKey { return TripleKey{Cycle: "1", Name: "b", Output: "succeeded"} }

func TestConjunctionRequiresBoth(t *testing.T) {
	p := New([][]TripleKey{{keyA()}, {keyB()}}, false)
	assert.False(t, p.AllSatisfied())
	p.Satisfy(keyA(), Natural)
	assert.False(t, p.AllSatisfied())
	p.Satisfy(keyB(), Natural)
	assert.True(t, p.AllSatisfied())
}

func TestDisjunctionWithinClause(t *testing.T) {
	p := New([][]TripleKey{{keyA(), keyB()}}, false)
	assert.False(t, p.AllSatisfied())
	p.Satisfy(keyA(), Natural)
	assert.True(t, p.AllSatisfied(), "either alternative in an OR clause should satisfy it")
}

func TestForcedNeverDowngradedByNatural(t *testing.T) {
	p := New([][]TripleKey{{keyA()}}, false)
	p.Satisfy(keyA(), Forced)
	p.UnsetNaturallySatisfied(keyA())
	reason, ok := p.ReasonOf(keyA())
	assert.True(t, ok)
	assert.Equal(t, Forced, reason, "unsetting natural satisfaction must never touch a forced one")
}

func TestUnsetNaturalReverts(t *testing.T) {
	p := New([][]TripleKey{{keyA()}}, false)
	p.Satisfy(keyA(), Natural)
	assert.True(t, p.AllSatisfied())
	p.UnsetNaturallySatisfied(keyA())
	assert.False(t, p.AllSatisfied())
}

func TestAnySatisfiedOutput(t *testing.T) {
	p := New([][]TripleKey{{keyA()}, {keyB()}}, false)
	assert.False(t, p.AnySatisfiedOutput())
	p.Satisfy(keyA(), Natural)
	assert.True(t, p.AnySatisfiedOutput())
}

func TestUnsatisfiedOffGroupKeys(t *testing.T) {
	p := New([][]TripleKey{{keyA()}, {keyB()}}, false)
	inGroup := map[string]bool{"b": true}
	keys := p.UnsatisfiedOffGroupKeys(inGroup)
	assert.Len(t, keys, 1)
	assert.Equal(t, "a", keys[0].Name)
}

func TestSuicidePrerequisite(t *testing.T) {
	p := New([][]TripleKey{{keyA()}}, true)
	assert.True(t, p.IsSuicide())
}
