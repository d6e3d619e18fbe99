package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrentCallersShareOneExecution(t *testing.T) {
	var g Group
	var calls atomic.Int64
	start := make(chan struct{})

	const n = 25
	results := make([]any, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			v, err, _ := g.Do(context.Background(), "1:get_balance:0xabc", func(ctx context.Context) (any, error) {
				calls.Add(1)
				time.Sleep(30 * time.Millisecond)
				return "1000000000000000000", nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = v
		}(i)
	}
	close(start)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 underlying call, got %d", calls.Load())
	}
	for i, r := range results {
		if r != "1000000000000000000" {
			t.Fatalf("caller %d got %v", i, r)
		}
	}
}

func TestFailureBroadcastAndEviction(t *testing.T) {
	var g Group
	var calls atomic.Int64
	boom := errors.New("boom")

	_, err, _ := g.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	// Completed (failed) entry must be evicted: next call re-executes.
	_, _, _ = g.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return 1, nil
	})
	if calls.Load() != 2 {
		t.Fatalf("expected re-execution after failure, calls=%d", calls.Load())
	}
}

func TestDifferentKeysDoNotCoalesce(t *testing.T) {
	var g Group
	var calls atomic.Int64
	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	}
	_, _, _ = g.Do(context.Background(), "1:get_balance:0xabc", fn)
	_, _, _ = g.Do(context.Background(), "1:get_balance:0xdef", fn)
	if calls.Load() != 2 {
		t.Fatalf("distinct keys must execute separately, calls=%d", calls.Load())
	}
}

func TestCancelledWaiterDetaches(t *testing.T) {
	var g Group
	release := make(chan struct{})
	defer close(release)

	go g.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err, _ := g.Do(ctx, "k", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})
	if err == nil {
		t.Fatal("cancelled waiter should return an error")
	}
}
