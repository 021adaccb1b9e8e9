package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	calls := 0
	err := RetryPolicy{MaxAttempts: 5}.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return ErrTxFailed
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyPassesOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := RetryPolicy{}.Do(context.Background(), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyExhausted(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 4, MinBackoff: time.Microsecond, MaxBackoff: time.Millisecond}
	err := policy.Do(context.Background(), func() error {
		calls++
		return ErrTxFailed
	})
	assert.ErrorIs(t, err, ErrContention)
	assert.Equal(t, 4, calls)
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	policy := RetryPolicy{MinBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	err := policy.Do(ctx, func() error {
		return ErrTxFailed
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
