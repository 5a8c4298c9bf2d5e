package settlement

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the retries of an idempotent ledger read.
type RetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used for startup checks and state queries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// WithAttempts returns a copy of rp with the given attempt budget.
func (rp RetryPolicy) WithAttempts(n int) RetryPolicy {
	rp.Attempts = n
	return rp
}

// Do runs op until it succeeds, returns a Permanent error, the attempt budget
// runs out or ctx is done. Submissions must not be run through Do.
func (rp RetryPolicy) Do(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	if rp.InitialInterval > 0 {
		eb.InitialInterval = rp.InitialInterval
	}
	if rp.MaxInterval > 0 {
		eb.MaxInterval = rp.MaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := rp.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
	return backoff.Retry(op, b)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
