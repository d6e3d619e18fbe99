package resilience

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return apperrors.ConnectionFailed("http://rpc", nil)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnNonRetriable(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func(ctx context.Context) error {
		attempts++
		return apperrors.InvalidInput("address", "hex", "nope")
	})
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("validation errors must not retry, attempts=%d", attempts)
	}
}

func TestRetryNeverRetriesCircuitOpen(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func(ctx context.Context) error {
		attempts++
		return apperrors.CircuitOpen(1, time.Now().Add(time.Minute))
	})
	if apperrors.KindOf(err) != apperrors.KindCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("circuit-open must surface immediately, attempts=%d", attempts)
	}
}

func TestRetryWaitsOutRateLimit(t *testing.T) {
	attempts := 0
	start := time.Now()
	// A large exponential delay makes any stacking show up in elapsed time.
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: 300 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 1},
		func(ctx context.Context) error {
			attempts++
			if attempts == 1 {
				return apperrors.RateLimited(1, 30*time.Millisecond)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("expected success after rate-limit wait, got %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 30*time.Millisecond {
		t.Errorf("retry should wait out the advertised delay, waited %v", elapsed)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("rate-limit wait must replace the exponential delay, not add to it; waited %v", elapsed)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2},
		func(ctx context.Context) error {
			attempts++
			return apperrors.ConnectionFailed("url", nil)
		})
	if err == nil {
		t.Fatal("expected final error")
	}
	if attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", attempts)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	err := Retry(ctx, RetryConfig{MaxAttempts: 100, BaseDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 1},
		func(ctx context.Context) error {
			return apperrors.ConnectionFailed("url", nil)
		})
	if err == nil {
		t.Fatal("expected error after context expiry")
	}
}
