package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
	"github.com/cygnus-wealth/evm-access/infrastructure/metrics"
	"github.com/cygnus-wealth/evm-access/infrastructure/ratelimit"
	"github.com/cygnus-wealth/evm-access/infrastructure/resilience"
	"github.com/cygnus-wealth/evm-access/infrastructure/tracing"
)

func testStack(t *testing.T, mutate func(*Options)) *Stack {
	t.Helper()
	opts := DefaultOptions()
	opts.CacheEnvironment = "test"
	opts.RateLimit = ratelimit.Config{Capacity: 1000, RefillPerSecond: 1000, MaxWait: time.Second}
	opts.Retry = resilience.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	if mutate != nil {
		mutate(&opts)
	}
	return NewStack(opts, metrics.New(), nil, logging.New("test", "error", "text"), nil)
}

func TestColdWarmForcedFresh(t *testing.T) {
	stack := testStack(t, nil)
	p := stack.For(1)

	var calls atomic.Int64
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "1000000000000000000", nil
	}
	call := Call{Operation: "get_balance", ArgsKey: "0x742d35cc6634c0532925a3b844bc9e7595f2bd28", CacheTTL: time.Minute}

	// Cold: miss, adapter called.
	v, err := p.Execute(context.Background(), call, fetch)
	if err != nil || v != "1000000000000000000" {
		t.Fatalf("cold fetch: %v %v", v, err)
	}
	// Warm: hit, adapter not called.
	if _, err := p.Execute(context.Background(), call, fetch); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 adapter call after warm fetch, got %d", calls.Load())
	}

	// Forced fresh: adapter called again.
	fresh := call
	fresh.ForceFresh = true
	if _, err := p.Execute(context.Background(), fresh, fetch); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 adapter calls after force_fresh, got %d", calls.Load())
	}

	stats := stack.Cache().Stats()
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("expected hits=1 misses=2, got %+v", stats)
	}
}

func TestForceFreshDoesNotPopulateCache(t *testing.T) {
	stack := testStack(t, nil)
	p := stack.For(1)

	var calls atomic.Int64
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return calls.Load(), nil
	}
	fresh := Call{Operation: "get_balance", ArgsKey: "0xabc", CacheTTL: time.Minute, ForceFresh: true}
	if _, err := p.Execute(context.Background(), fresh, fetch); err != nil {
		t.Fatal(err)
	}

	// A later cached call must miss: force_fresh never stored.
	cached := fresh
	cached.ForceFresh = false
	if _, err := p.Execute(context.Background(), cached, fetch); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("force_fresh must not populate cache; calls=%d", calls.Load())
	}
}

func TestCacheExpiryRefetches(t *testing.T) {
	stack := testStack(t, nil)
	p := stack.For(1)

	var calls atomic.Int64
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "v", nil
	}
	call := Call{Operation: "get_balance", ArgsKey: "0xabc", CacheTTL: 20 * time.Millisecond}

	_, _ = p.Execute(context.Background(), call, fetch)
	time.Sleep(40 * time.Millisecond)
	_, _ = p.Execute(context.Background(), call, fetch)
	if calls.Load() != 2 {
		t.Fatalf("expired entry should refetch, calls=%d", calls.Load())
	}
}

func TestConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	stack := testStack(t, nil)
	p := stack.For(1)

	var calls atomic.Int64
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		return "same", nil
	}
	call := Call{Operation: "get_balance", ArgsKey: "0xabc", CacheTTL: time.Minute}

	const n = 20
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := p.Execute(context.Background(), call, fetch)
			if err != nil {
				t.Errorf("execute: %v", err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected 1 underlying call for %d concurrent callers, got %d", n, calls.Load())
	}
	for i, r := range results {
		if r != "same" {
			t.Fatalf("caller %d got %v", i, r)
		}
	}
}

func TestFailedResultNotCached(t *testing.T) {
	stack := testStack(t, nil)
	p := stack.For(1)

	var calls atomic.Int64
	fail := true
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		if fail {
			return nil, apperrors.InvalidData("garbage", nil)
		}
		return "ok", nil
	}
	call := Call{Operation: "get_balance", ArgsKey: "0xabc", CacheTTL: time.Minute}

	if _, err := p.Execute(context.Background(), call, fetch); err == nil {
		t.Fatal("expected failure")
	}
	fail = false
	v, err := p.Execute(context.Background(), call, fetch)
	if err != nil || v != "ok" {
		t.Fatalf("expected refetch after failure, got %v %v", v, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("failure must not be stored, calls=%d", calls.Load())
	}
}

func TestBreakerOpensPerChainOnly(t *testing.T) {
	stack := testStack(t, func(o *Options) {
		o.Breaker = resilience.BreakerConfig{FailureThreshold: 2, VolumeThreshold: 10, SuccessThreshold: 1, Timeout: time.Hour}
	})
	p1 := stack.For(1)
	p137 := stack.For(137)

	fail := func(ctx context.Context) (any, error) {
		return nil, apperrors.ConnectionFailed("url", nil)
	}
	ok := func(ctx context.Context) (any, error) { return "fine", nil }
	call := Call{Operation: "get_balance", ArgsKey: "0xabc"}

	for i := 0; i < 10; i++ {
		_, _ = p1.Execute(context.Background(), call, fail)
	}

	// 11th call on chain 1 rejects fast.
	start := time.Now()
	_, err := p1.Execute(context.Background(), call, ok)
	if apperrors.KindOf(err) != apperrors.KindCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("open breaker must reject fast")
	}

	// Chain 137 is untouched.
	v, err := p137.Execute(context.Background(), call, ok)
	if err != nil || v != "fine" {
		t.Fatalf("chain 137 should be unaffected: %v %v", v, err)
	}
	if stack.BreakerState(137) != resilience.StateClosed {
		t.Error("chain 137 breaker must stay closed")
	}
}

func TestTimeoutYieldsRetriableConnectionError(t *testing.T) {
	stack := testStack(t, func(o *Options) {
		o.Timeout = 20 * time.Millisecond
		o.EnableRetry = false
	})
	p := stack.For(1)

	_, err := p.Execute(context.Background(), Call{Operation: "get_balance", ArgsKey: "0xabc"},
		func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	if apperrors.KindOf(err) != apperrors.KindConnection {
		t.Fatalf("expected CONNECTION timeout, got %v", err)
	}
	if !apperrors.Retriable(err) {
		t.Error("timeout must be retriable")
	}
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	stack := testStack(t, func(o *Options) {
		o.Retry = resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	})
	p := stack.For(1)

	var calls atomic.Int64
	v, err := p.Execute(context.Background(), Call{Operation: "get_balance", ArgsKey: "0xabc"},
		func(ctx context.Context) (any, error) {
			if calls.Add(1) < 3 {
				return nil, apperrors.ConnectionFailed("url", nil)
			}
			return "recovered", nil
		})
	if err != nil || v != "recovered" {
		t.Fatalf("expected recovery, got %v %v", v, err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRateLimitSurfacesAfterMaxWait(t *testing.T) {
	stack := testStack(t, func(o *Options) {
		o.RateLimit = ratelimit.Config{Capacity: 1, RefillPerSecond: 0.001, MaxWait: 10 * time.Millisecond}
	})
	p := stack.For(1)
	ok := func(ctx context.Context) (any, error) { return "x", nil }
	call := Call{Operation: "get_balance", ArgsKey: "0xabc"}

	if _, err := p.Execute(context.Background(), call, ok); err != nil {
		t.Fatal(err)
	}
	_, err := p.Execute(context.Background(), call, ok)
	if apperrors.KindOf(err) != apperrors.KindRateLimit {
		t.Fatalf("expected RATE_LIMIT, got %v", err)
	}
}

func TestExecuteRecordsSpans(t *testing.T) {
	opts := DefaultOptions()
	opts.CacheEnvironment = "test"
	opts.RateLimit = ratelimit.Config{Capacity: 100, RefillPerSecond: 100, MaxWait: time.Second}
	spans := tracing.NewManager(16)
	stack := NewStack(opts, metrics.New(), nil, logging.New("test", "error", "text"), spans)
	p := stack.For(1)

	_, err := p.Execute(context.Background(), Call{Operation: "get_balance", ArgsKey: "0xabc"},
		func(ctx context.Context) (any, error) { return "ok", nil })
	if err != nil {
		t.Fatal(err)
	}
	_, _ = p.Execute(context.Background(), Call{Operation: "get_balance", ArgsKey: "0xdef"},
		func(ctx context.Context) (any, error) { return nil, apperrors.InvalidData("bad", nil) })

	done := spans.Completed()
	if len(done) != 2 {
		t.Fatalf("expected 2 completed spans, got %d", len(done))
	}
	if done[0].Status != tracing.SpanSuccess || done[0].Operation != "get_balance" {
		t.Errorf("unexpected first span: %+v", done[0])
	}
	if done[1].Status != tracing.SpanError {
		t.Errorf("failed call should record an error span: %+v", done[1])
	}
	if spans.ActiveCount() != 0 {
		t.Error("no spans should remain active")
	}
}

func TestValidateAddress(t *testing.T) {
	if err := ValidateAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f2bD28"); err != nil {
		t.Errorf("valid address rejected: %v", err)
	}
	err := ValidateAddress("not-an-address")
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
}
