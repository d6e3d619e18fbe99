package health

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllHealthy(t *testing.T) {
	m := NewMonitor(time.Second)
	m.Register("rpc-1", true, func(ctx context.Context) error { return nil })
	m.Register("cache", false, func(ctx context.Context) error { return nil })

	report := m.Evaluate(context.Background())
	if report.Status != Healthy {
		t.Fatalf("expected HEALTHY, got %s", report.Status)
	}
	if len(report.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(report.Components))
	}
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	m := NewMonitor(time.Second)
	m.Register("rpc-1", true, func(ctx context.Context) error { return nil })
	m.Register("subscriptions", false, func(ctx context.Context) error { return errors.New("lagging") })

	if got := m.Evaluate(context.Background()).Status; got != Degraded {
		t.Fatalf("expected DEGRADED, got %s", got)
	}
}

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	m := NewMonitor(time.Second)
	m.Register("rpc-1", true, func(ctx context.Context) error { return errors.New("all endpoints down") })
	m.Register("cache", false, func(ctx context.Context) error { return nil })

	if got := m.Evaluate(context.Background()).Status; got != Unhealthy {
		t.Fatalf("expected UNHEALTHY, got %s", got)
	}
}

func TestCheckTimeoutCountsAsFailure(t *testing.T) {
	m := NewMonitor(20 * time.Millisecond)
	m.Register("slow", false, func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if got := m.Evaluate(context.Background()).Status; got != Degraded {
		t.Fatalf("expected DEGRADED from timeout, got %s", got)
	}
}

func TestHandlerReturns503WhenUnhealthy(t *testing.T) {
	m := NewMonitor(time.Second)
	m.Register("rpc-1", true, func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 503 {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
