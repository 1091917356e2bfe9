// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"mailsync_server/pkg/logger"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = gobreaker.ErrOpenState

// BreakerConfig holds configuration for a circuit breaker.
type BreakerConfig struct {
	Name                string
	MaxRequests         uint32        // half-open probes
	Interval            time.Duration // closed-state counter reset
	Timeout             time.Duration // open -> half-open
	ConsecutiveFailures uint32
	MinRequests         uint32
	FailureRatio        float64
}

// DefaultBreakerConfig returns the settings used for provider and scoring calls.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		MinRequests:         10,
		FailureRatio:        0.6,
	}
}

// NewBreaker creates a gobreaker circuit breaker that trips on consecutive
// failures or a high failure ratio.
func NewBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures > cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("[CircuitBreaker] state changed")
		},
	})
}

// passThroughError marks errors that must not count as breaker failures
// (client errors such as 400/401/404).
type passThroughError struct {
	err error
}

func (e *passThroughError) Error() string { return e.err.Error() }
func (e *passThroughError) Unwrap() error { return e.err }

// PassThrough wraps err so the breaker treats the call as successful.
func PassThrough(err error) error {
	if err == nil {
		return nil
	}
	return &passThroughError{err: err}
}

// Execute runs fn under the breaker and unwraps pass-through errors.
func Execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	var passErr error

	result, err := cb.Execute(func() (interface{}, error) {
		v, err := fn()
		var pt *passThroughError
		if errors.As(err, &pt) {
			passErr = pt.err
			return v, nil
		}
		return v, err
	})
	if err != nil {
		return zero, err
	}
	if passErr != nil {
		return zero, passErr
	}
	if result == nil {
		return zero, nil
	}
	return result.(T), nil
}

// IsOpen reports whether err was produced by an open or saturated breaker.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
