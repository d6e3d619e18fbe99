package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestChildInheritsIdentityAndMergesMetadata(t *testing.T) {
	root := NewCorrelation("get_multichain_balance", map[string]any{"chain": "1", "caller": "svc"})
	child := root.Child("get_balance", map[string]any{"chain": "137"})

	if child.CorrelationID != root.CorrelationID || child.TraceID != root.TraceID {
		t.Error("child must inherit correlation and trace ids")
	}
	if child.SpanID == root.SpanID {
		t.Error("child must get a fresh span id")
	}
	if child.ParentSpanID != root.SpanID {
		t.Error("child parent must be the root's span")
	}
	if child.Metadata["chain"] != "137" {
		t.Error("child metadata must override parent")
	}
	if child.Metadata["caller"] != "svc" {
		t.Error("parent metadata must be inherited")
	}
	// parent untouched
	if root.Metadata["chain"] != "1" {
		t.Error("parent metadata must not be mutated")
	}
}

func TestContextRoundTrip(t *testing.T) {
	c := NewCorrelation("op", nil)
	ctx := WithCorrelation(context.Background(), c)
	if FromContext(ctx) != c {
		t.Fatal("context round trip failed")
	}

	child := ChildFromContext(ctx, "sub", nil)
	if child.TraceID != c.TraceID {
		t.Error("ChildFromContext should derive from the context correlation")
	}

	fresh := ChildFromContext(context.Background(), "root", nil)
	if fresh.ParentSpanID != "" {
		t.Error("no parent context should yield a root correlation")
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(10)
	c := NewCorrelation("get_balance", nil)

	span := m.Start(c)
	if m.ActiveCount() != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount())
	}

	m.End(span.SpanID, nil)
	if m.ActiveCount() != 0 {
		t.Error("span should leave active set on end")
	}
	done := m.Completed()
	if len(done) != 1 || done[0].Status != SpanSuccess || done[0].Duration < 0 {
		t.Fatalf("unexpected completed span: %+v", done[0])
	}
}

func TestManagerRecordsErrorsAndBoundsRing(t *testing.T) {
	m := NewManager(3)
	for i := 0; i < 5; i++ {
		s := m.Start(NewCorrelation("op", nil))
		m.End(s.SpanID, errors.New("rpc failed"))
	}
	done := m.Completed()
	if len(done) != 3 {
		t.Fatalf("ring should hold 3, got %d", len(done))
	}
	if done[0].Status != SpanError || done[0].Error == "" {
		t.Error("error spans should record the failure")
	}
}
