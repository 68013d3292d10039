package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cortexmem/engine/pkg/errs"
)

// RetryConfig bounds the retry/circuit-breaker behaviour applied to
// backend-transient failures, shared by the consolidation pipeline and the
// cached embedding provider.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	BreakerName  string
	MaxFailures  uint32
	OpenTimeout  time.Duration
}

// DefaultRetryConfig mirrors the teacher's circuit-breaker defaults
// (MaxFailures=3, Timeout=30s) with up to 3 retries (4 attempts) of
// exponential backoff.
func DefaultRetryConfig(name string) RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		BreakerName: name,
		MaxFailures: 3,
		OpenTimeout: 30 * time.Second,
	}
}

// Breaker wraps github.com/sony/gobreaker with the engine's error taxonomy:
// it only counts errs.ErrBackendTransient as a breaker failure, and
// translates an open breaker into errs.ErrBackendTransient so callers don't
// need a separate "circuit open" case.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	cfg RetryConfig
}

// NewBreaker constructs a Breaker for one backend/component instance.
func NewBreaker(cfg RetryConfig) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errs.Retriable(err)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), cfg: cfg}
}

// Execute runs fn through the breaker, retrying transient failures up to
// MaxRetries with exponential backoff capped at MaxDelay. Non-transient
// errors are returned immediately without retry or breaker accounting.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := b.cfg.BaseDelay

	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.E(errs.KindCancelled, "retry loop cancelled: %v", err)
		}

		_, err := b.cb.Execute(func() (any, error) {
			return nil, fn(ctx)
		})

		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return errs.E(errs.KindBackendTransient, "circuit open for %s", b.cfg.BreakerName)
		}

		lastErr = err
		if !errs.Retriable(err) {
			return err
		}
		if attempt == b.cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return errs.E(errs.KindCancelled, "retry loop cancelled: %v", ctx.Err())
		case <-time.After(delay):
		}

		delay *= 2
		if delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
		}
	}

	return fmt.Errorf("exhausted %d retries: %w", b.cfg.MaxRetries, lastErr)
}

// State returns a human-readable breaker state for diagnostics.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
