package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailsync_server/core/domain"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func testPolicy(rec *recordedSleeps) *RetryPolicy {
	p := &RetryPolicy{
		Transient:   Backoff{Base: 100 * time.Millisecond, Max: time.Second, Attempts: 3},
		RateLimited: Backoff{Base: time.Second, Max: 10 * time.Second, Attempts: 5},
	}
	return p.WithSleep(rec.sleep)
}

func TestRetryPolicy_TransientExhaustion(t *testing.T) {
	rec := &recordedSleeps{}
	calls := 0

	err := testPolicy(rec).Do(context.Background(), "list", func(ctx context.Context) error {
		calls++
		return domain.NewSyncError(domain.ErrClassTransient, "list", errors.New("503"))
	})

	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if domain.ClassOf(err) != domain.ErrClassTransient {
		t.Errorf("expected class to survive exhaustion, got %s", domain.ClassOf(err))
	}
	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(rec.delays) != len(expected) {
		t.Fatalf("expected %d sleeps, got %v", len(expected), rec.delays)
	}
	for i, d := range expected {
		if rec.delays[i] != d {
			t.Errorf("sleep %d: expected %v, got %v", i, d, rec.delays[i])
		}
	}
}

func TestRetryPolicy_RateLimitedHonorsRetryAfter(t *testing.T) {
	rec := &recordedSleeps{}
	calls := 0

	err := testPolicy(rec).Do(context.Background(), "history", func(ctx context.Context) error {
		calls++
		if calls < 5 {
			return &domain.SyncError{Class: domain.ErrClassRateLimited, Op: "history", RetryAfter: 7 * time.Second}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success after rate limiting, got %v", err)
	}
	if calls != 5 {
		t.Errorf("expected 5 calls (more than transient budget), got %d", calls)
	}
	for _, d := range rec.delays {
		if d != 7*time.Second {
			t.Errorf("expected retry-after of 7s, got %v", d)
		}
	}
}

func TestRetryPolicy_NonRetryableClasses(t *testing.T) {
	classes := []domain.ErrorClass{
		domain.ErrClassAuthExpired,
		domain.ErrClassDataIntegrity,
		domain.ErrClassFatal,
		domain.ErrClassClassificationUnavailable,
	}

	for _, class := range classes {
		t.Run(string(class), func(t *testing.T) {
			rec := &recordedSleeps{}
			calls := 0
			err := testPolicy(rec).Do(context.Background(), "op", func(ctx context.Context) error {
				calls++
				return domain.NewSyncError(class, "op", nil)
			})
			if calls != 1 {
				t.Errorf("expected a single call, got %d", calls)
			}
			if domain.ClassOf(err) != class {
				t.Errorf("expected %s, got %s", class, domain.ClassOf(err))
			}
		})
	}
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := DefaultRetryPolicy()
	err := p.Do(ctx, "op", func(ctx context.Context) error {
		return domain.NewSyncError(domain.ErrClassTransient, "op", errors.New("timeout"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{4, 8 * time.Minute},
		{20, time.Hour},
	}
	for _, tt := range tests {
		if got := ExponentialBackoff(time.Minute, time.Hour, tt.attempt); got != tt.expected {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}
}
