package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetrySucceedsEventually(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, calls)
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 2, time.Millisecond, func() (int, error) {
		calls++
		return 0, errors.New("permanent")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Second, 4, 3, 0.5, 10*time.Millisecond, 1)
	for i := 0; i < 5; i++ {
		cb.RecordResult(false)
	}
	assert.False(t, cb.Allow(), "breaker should open once failure rate exceeds threshold")
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Second, 4, 3, 0.5, 5*time.Millisecond, 1)
	for i := 0; i < 5; i++ {
		cb.RecordResult(false)
	}
	assert.False(t, cb.Allow())
	time.Sleep(10 * time.Millisecond)
	assert.True(t, cb.Allow(), "breaker should permit a half-open probe after cooldown")
	cb.RecordResult(true)
	assert.True(t, cb.Allow())
}
