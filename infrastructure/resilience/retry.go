package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // 0-1, mapped to backoff.RandomizationFactor
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// rateLimitBackOff yields a zero interval for the attempt right after a
// rate-limit wait: the limiter's own delay has already elapsed, so the
// exponential interval must not stack on top of it.
type rateLimitBackOff struct {
	backoff.BackOff
	skipNext bool
}

func (b *rateLimitBackOff) NextBackOff() time.Duration {
	if b.skipNext {
		b.skipNext = false
		return 0
	}
	return b.BackOff.NextBackOff()
}

// Retry executes fn with exponential backoff via cenkalti/backoff. Only
// retriable errors are retried: validation, data, circuit-open and
// cancellation errors surface immediately. A rate-limit error waits out its
// own advertised delay and retries immediately after, with no additional
// exponential delay.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.BaseDelay > 0 {
		bo.InitialInterval = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter > 0 {
		bo.RandomizationFactor = cfg.Jitter
	} else {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0 // bounded by MaxAttempts, not wall clock

	maxRetries := uint64(cfg.MaxAttempts - 1)
	wrapped := &rateLimitBackOff{BackOff: bo}
	policy := backoff.WithContext(backoff.WithMaxRetries(wrapped, maxRetries), ctx)

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !apperrors.Retriable(err) {
			return backoff.Permanent(err)
		}
		if wait, ok := apperrors.RetryAfter(err); ok && wait > 0 {
			select {
			case <-time.After(wait):
				wrapped.skipNext = true
			case <-ctx.Done():
				return backoff.Permanent(apperrors.Cancelled("retry wait"))
			}
		}
		return err
	}, policy)
}
