package concurrency

import (
	"context"
	"time"
)

// Backoff bounds a retry loop.
type Backoff struct {
	Attempts int           // total attempts including the first, <= 0 means 1
	Initial  time.Duration // delay before the second attempt
	Max      time.Duration // cap for the doubling delay
}

// DefaultBackoff is used when a caller has no configured policy.
var DefaultBackoff = Backoff{Attempts: 4, Initial: time.Second, Max: time.Second * 20}

// Retry calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out, or ctx is done. The last error is returned.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, fn func(attempt int) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := b.Initial

	var err error
	for i := 1; ; i++ {
		err = fn(i)
		if err == nil || i >= attempts || !retryable(err) {
			return err
		}

		sleep(ctx, Jitter(delay))
		if ctx.Err() != nil {
			return err
		}

		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
}
