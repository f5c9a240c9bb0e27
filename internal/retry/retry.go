// Package retry wraps a retryable operation with exponential backoff. Each Do
// call starts at attempt 1; the manager holds no state between calls.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"chatbridge/internal/classify"
)

// Policy controls the backoff schedule and attempt budget.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultPolicy mirrors the bridge's shipped retry configuration.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	Multiplier:  2,
}

// Do runs op until it succeeds, fails unretryably, or exhausts the attempt
// budget, returning the last error. Failures are classified between attempts;
// offline failures short-circuit immediately (they belong to the offline
// queue, and retrying against a known-absent network wastes the budget).
// Cancellation of ctx aborts a pending backoff sleep; no attempt fires after
// cancellation.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = op(ctx)
		if err == nil {
			return nil
		}

		c := classify.Classify(err)
		if !c.Retryable || c.Kind == classify.KindOffline || c.Kind == classify.KindCancelled {
			return err
		}
		if attempt >= p.MaxAttempts {
			return err
		}

		delay := backoff(p, attempt)
		if c.RetryAfter > 0 {
			// Server-provided delay takes precedence over the schedule.
			delay = c.RetryAfter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff computes min(base * multiplier^(attempt-1), max) with ±20% jitter.
func backoff(p Policy, attempt int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && base > max {
		base = max
	}

	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	d := time.Duration(base * jitter)
	if d < 0 {
		d = 0
	}
	return d
}
