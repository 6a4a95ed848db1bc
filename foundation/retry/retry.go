// Package retry provides bounded retry with exponential backoff for
// operations against rate-limited remote services.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Class categorizes an error for retry purposes.
type Class int

// Set of error classes.
const (
	Retryable Class = iota
	Permanent
)

// Policy describes how an operation should be retried. The zero value
// performs a single attempt.
type Policy struct {
	MaxAttempts int           // Total attempts including the first.
	InitialWait time.Duration // Wait after the first failed attempt.
	MaxWait     time.Duration // Cap applied to the backoff wait.
	Exponential bool          // Double the wait after each attempt.
	Jitter      time.Duration // Random extra wait added to each backoff.

	// Classify reports whether an error is worth retrying. When nil every
	// error is treated as retryable.
	Classify func(error) Class

	// Notify is called before each backoff wait.
	Notify func(attempt int, wait time.Duration, err error)
}

// Do executes fn until it succeeds, the policy is exhausted, a permanent
// error occurs, or the context is canceled. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialWait <= 0 {
		p.InitialWait = time.Second
	}
	if p.MaxWait <= 0 {
		p.MaxWait = time.Minute
	}

	classify := p.Classify
	if classify == nil {
		classify = func(error) Class { return Retryable }
	}

	wait := p.InitialWait

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if classify(lastErr) == Permanent {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			return lastErr
		}

		sleep := wait
		if sleep > p.MaxWait {
			sleep = p.MaxWait
		}
		if p.Jitter > 0 {
			sleep += time.Duration(rand.Int63n(int64(p.Jitter)))
		}
		if p.Exponential {
			wait *= 2
		}

		if p.Notify != nil {
			p.Notify(attempt, sleep, lastErr)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ErrExhausted can be used by callers to wrap the final error once a policy
// has been exhausted.
var ErrExhausted = errors.New("retry attempts exhausted")
