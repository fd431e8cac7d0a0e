// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mcpfleet/mcpfleet/internal/config"
)

// Executor retries failing operations according to a RetryPolicy.
type Executor struct {
	log *slog.Logger
}

// New creates an executor that logs retried attempts.
func New(log *slog.Logger) *Executor {
	return &Executor{
		log: log.With("component", "retry"),
	}
}

// Permanent marks err as non-retryable: Do stops immediately and returns the
// wrapped error unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op, retrying on failure up to policy.MaxRetries additional attempts.
// The delay before retry n is min(initialDelay*multiplier^(n-1), maxDelay);
// randomization is disabled so the sequence is deterministic. After the
// retries are exhausted the last failure is returned unchanged. Context
// cancellation aborts the backoff wait.
func (e *Executor) Do(ctx context.Context, policy config.RetryPolicy, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay.Std()
	b.MaxInterval = policy.MaxDelay.Std()
	b.Multiplier = policy.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	attempt := 0

	wrapped := func() error {
		attempt++

		err := op()
		if err != nil {
			e.log.Debug("Attempt failed", "attempt", attempt, "error", err)
		}

		return err
	}

	notify := func(err error, delay time.Duration) {
		e.log.Warn("Retrying after backoff", "attempt", attempt, "delay", delay, "error", err)
	}

	return backoff.RetryNotify(
		wrapped,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx),
		notify,
	)
}
