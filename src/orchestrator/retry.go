package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

var errTransportPending = errors.New("dialogue transport not created yet")

// backoff is a fixed delay policy allowing retries after the first attempt
func backoff(delay time.Duration, retries int) retry.Backoff {
	if delay <= 0 {
		delay = time.Millisecond
	}
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), retry.NewConstant(delay))
}

// withRetry runs op until it succeeds, the retries run out or ctx ends.
// It returns the number of attempts made.
func withRetry(ctx context.Context, delay time.Duration, retries int, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	err := retry.Do(ctx, backoff(delay, retries), func(ctx context.Context) error {
		attempts++
		if err := op(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	return attempts, err
}
