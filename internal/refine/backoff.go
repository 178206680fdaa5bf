package refine

import (
	"context"
	"time"
)

// Backoff returns the pause before the given attempt number. Attempt numbers
// start at 1; the pause is only consulted for attempts 2 and later.
type Backoff func(attempt int) time.Duration

// NoBackoff never waits.
func NoBackoff(int) time.Duration { return 0 }

// ConstantBackoff waits d before every retry.
func ConstantBackoff(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff waits base * 2^attempt, capped at max. A zero max
// means uncapped.
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if base <= 0 {
			return 0
		}
		if attempt < 0 {
			attempt = 0
		}
		d := base
		for i := 0; i < attempt; i++ {
			if max > 0 && d >= max {
				return max
			}
			// overflow guard
			if d >= time.Duration(1<<62) {
				break
			}
			d *= 2
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
