package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWindowCoalescesCalls(t *testing.T) {
	var flushes atomic.Int64
	b := New(Config{Window: 30 * time.Millisecond, MaxSize: 100}, func(ctx context.Context, reqs []int) ([]string, error) {
		flushes.Add(1)
		out := make([]string, len(reqs))
		for i, r := range reqs {
			out[i] = fmt.Sprint(r * 2)
		}
		return out, nil
	})
	defer b.Close()

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.Do(context.Background(), i)
			if err != nil {
				t.Errorf("do %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if flushes.Load() != 1 {
		t.Errorf("expected a single flush, got %d", flushes.Load())
	}
	for i, r := range results {
		if r != fmt.Sprint(i*2) {
			t.Errorf("result order broken at %d: got %s", i, r)
		}
	}
}

func TestMaxSizeForcesEarlyFlush(t *testing.T) {
	var flushes atomic.Int64
	b := New(Config{Window: time.Hour, MaxSize: 3}, func(ctx context.Context, reqs []int) ([]int, error) {
		flushes.Add(1)
		return reqs, nil
	})
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := b.Do(context.Background(), i); err != nil {
				t.Errorf("do: %v", err)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("batch never flushed despite hitting MaxSize")
	}
	if flushes.Load() != 1 {
		t.Errorf("expected 1 flush, got %d", flushes.Load())
	}
}

func TestExecutorErrorFansOutToAllWaiters(t *testing.T) {
	b := New(Config{Window: 10 * time.Millisecond, MaxSize: 10}, func(ctx context.Context, reqs []int) ([]int, error) {
		return nil, fmt.Errorf("provider down")
	})
	defer b.Close()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Do(context.Background(), i)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err == nil {
			t.Errorf("waiter %d should have seen the executor error", i)
		}
	}
}

func TestResultCountMismatchIsDataError(t *testing.T) {
	b := New(Config{Window: 5 * time.Millisecond, MaxSize: 10}, func(ctx context.Context, reqs []int) ([]int, error) {
		return []int{1}, nil // wrong count for >1 requests
	})
	defer b.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Do(context.Background(), i)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err == nil {
			t.Fatal("expected mismatch error")
		}
	}
}
