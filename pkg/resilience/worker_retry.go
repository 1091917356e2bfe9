package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/pkg/logger"
)

// =============================================================================
// Retry policy keyed by error class
// =============================================================================

// Backoff is an exponential schedule with a bounded attempt count.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

// Delay returns the wait before the retry following failure number attempt
// (1-based): base * 2^(attempt-1), capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	return ExponentialBackoff(b.Base, b.Max, attempt)
}

// ExponentialBackoff returns base * 2^(attempt-1) capped at max.
func ExponentialBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// RetryPolicy decides per error class whether and when to retry.
// Transient and RateLimited errors have independent budgets; every other
// class is returned immediately.
type RetryPolicy struct {
	Transient   Backoff
	RateLimited Backoff
	Jitter      time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the policy used for provider page fetches.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Transient:   Backoff{Base: 500 * time.Millisecond, Max: 8 * time.Second, Attempts: 4},
		RateLimited: Backoff{Base: 5 * time.Second, Max: 2 * time.Minute, Attempts: 8},
		Jitter:      250 * time.Millisecond,
		sleep:       sleepContext,
	}
}

// WithSleep replaces the sleep function (tests).
func (p *RetryPolicy) WithSleep(fn func(ctx context.Context, d time.Duration) error) *RetryPolicy {
	cp := *p
	cp.sleep = fn
	return &cp
}

// ExhaustedError is returned when a retryable class ran out of attempts.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, fails with a non-retryable class, exhausts
// the budget of its class, or ctx is done.
func (p *RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for functions returning a value.
func DoValue[T any](ctx context.Context, p *RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p == nil {
		return fn(ctx)
	}

	transient, limited := 0, 0
	for {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		class := domain.ClassOf(err)
		var delay time.Duration
		switch class {
		case domain.ErrClassTransient:
			transient++
			if transient >= p.Transient.Attempts {
				return zero, &ExhaustedError{Op: op, Attempts: transient + limited, Err: err}
			}
			delay = p.Transient.Delay(transient) + p.jitter()
		case domain.ErrClassRateLimited:
			limited++
			if limited >= p.RateLimited.Attempts {
				return zero, &ExhaustedError{Op: op, Attempts: transient + limited, Err: err}
			}
			if ra := domain.RetryAfterOf(err); ra > 0 {
				delay = ra
			} else {
				delay = p.RateLimited.Delay(limited) + p.jitter()
			}
		default:
			return zero, err
		}

		logger.WithFields(map[string]any{
			"op":    op,
			"class": string(class),
			"delay": delay.String(),
		}).WithError(err).Debug("[RetryPolicy.Do] retrying")

		if sErr := p.sleepFn()(ctx, delay); sErr != nil {
			return zero, fmt.Errorf("%s: %w", op, sErr)
		}
	}
}

func (p *RetryPolicy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(p.Jitter)))
}

func (p *RetryPolicy) sleepFn() func(ctx context.Context, d time.Duration) error {
	if p.sleep == nil {
		return sleepContext
	}
	return p.sleep
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
