package ratelimit

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
)

func TestTryAcquireDrainsBucket(t *testing.T) {
	l := NewLimiter(1, Config{Capacity: 3, RefillPerSecond: 0.001, MaxWait: 10 * time.Millisecond})

	for i := 0; i < 3; i++ {
		if !l.TryAcquire() {
			t.Fatalf("acquire %d should succeed", i)
		}
	}
	if l.TryAcquire() {
		t.Error("bucket should be empty")
	}
}

func TestAcquireFailsWithRateLimitAfterMaxWait(t *testing.T) {
	l := NewLimiter(137, Config{Capacity: 1, RefillPerSecond: 0.001, MaxWait: 20 * time.Millisecond})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	err := l.Acquire(context.Background())
	if apperrors.KindOf(err) != apperrors.KindRateLimit {
		t.Fatalf("expected RATE_LIMIT, got %v", err)
	}
	if wait, ok := apperrors.RetryAfter(err); !ok || wait <= 0 {
		t.Errorf("expected positive retry-after, got %v (ok=%v)", wait, ok)
	}
}

func TestAcquireHonoursCancellation(t *testing.T) {
	l := NewLimiter(1, Config{Capacity: 1, RefillPerSecond: 0.001, MaxWait: time.Minute})
	_ = l.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := l.Acquire(ctx)
	if apperrors.KindOf(err) != apperrors.KindCancelled {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
}

func TestContinuousRefill(t *testing.T) {
	l := NewLimiter(1, Config{Capacity: 1, RefillPerSecond: 50, MaxWait: time.Second})
	if !l.TryAcquire() {
		t.Fatal("initial token expected")
	}
	time.Sleep(40 * time.Millisecond) // 50/s refill: ~2 tokens worth, capped at capacity
	if !l.TryAcquire() {
		t.Error("bucket should have refilled")
	}
}

func TestSetIsolatesChains(t *testing.T) {
	s := NewSet(Config{Capacity: 1, RefillPerSecond: 0.001, MaxWait: 10 * time.Millisecond})
	if !s.For(1).TryAcquire() {
		t.Fatal("chain 1 token expected")
	}
	if !s.For(137).TryAcquire() {
		t.Error("chain 137 must have its own bucket")
	}
	if s.For(1) != s.For(1) {
		t.Error("limiter should be reused per chain")
	}
}
