package common

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrRetryExhausted is returned by Poll when the retry budget runs out
var ErrRetryExhausted = errors.New("retry budget exhausted")

// DefaultRetryInterval is the sleep between two polls
// postgres-side code sleeps with pg_usleep(100000)
const DefaultRetryInterval = 100 * time.Millisecond

// RetryPolicy is a bounded, fixed-interval retry budget
// there is no wakeup between processes sharing only memory, so waiting is done by polling.
// the waiter releases its locks, sleeps for Interval and tries again up to MaxRetries times.
type RetryPolicy struct {
	Interval   time.Duration
	MaxRetries int
}

// NewRetryPolicy derives the retry budget from a timeout
// e.g. timeout 10s with interval 100ms gives 100 retries (gp_snapshotadd_timeout * 10)
func NewRetryPolicy(timeout, interval time.Duration) RetryPolicy {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	retries := 0
	if timeout > 0 {
		retries = int(timeout / interval)
	}
	return RetryPolicy{
		Interval:   interval,
		MaxRetries: retries,
	}
}

// Timeout returns the total time the policy may sleep
func (p RetryPolicy) Timeout() time.Duration {
	return p.Interval * time.Duration(p.MaxRetries)
}

// Poll calls fn until it reports done.
// fn is called at most MaxRetries+1 times. attempt starts from 0.
// a non-nil error from fn stops polling immediately and is returned as is.
// ctx is checked before every attempt and during every sleep, so a cancelled waiter never sleeps out its budget.
func (p RetryPolicy) Poll(ctx context.Context, fn func(attempt int) (bool, error)) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "interrupted while polling")
		}
		done, err := fn(attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt >= p.MaxRetries {
			return ErrRetryExhausted
		}
		if err := sleep(ctx, p.Interval); err != nil {
			return errors.Wrap(err, "interrupted while polling")
		}
	}
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
