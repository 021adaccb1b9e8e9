package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// ErrContention is returned when a RetryPolicy runs out of attempts
var ErrContention = errors.New("store: too much contention")

// RetryPolicy bounds the optimistic transaction retry loop
type RetryPolicy struct {
	MaxAttempts int           // 0 = unbounded
	MinBackoff  time.Duration // first delay after a conflict
	MaxBackoff  time.Duration // 0 = retry immediately
}

// DefaultRetryPolicy retries for a few seconds of heavy contention before giving up
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 64,
		MinBackoff:  time.Millisecond,
		MaxBackoff:  250 * time.Millisecond,
	}
}

// Do calls fn until it returns anything other than ErrTxFailed, sleeping with
// jittered exponential backoff between conflicting attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{
		Min:    p.MinBackoff,
		Max:    p.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if !errors.Is(err, ErrTxFailed) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%w: gave up after %d attempts", ErrContention, attempt)
		}

		if p.MaxBackoff <= 0 {
			continue
		}
		delay := b.Duration()
		log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("transaction conflict, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
