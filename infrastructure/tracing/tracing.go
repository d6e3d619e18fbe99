// Package tracing provides in-process correlation contexts and spans for
// request flow. Child contexts inherit the correlation and trace IDs, get a
// fresh span ID, and shallow-merge metadata with child keys winning.
package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpanStatus tracks a span's outcome.
type SpanStatus string

const (
	SpanPending SpanStatus = "PENDING"
	SpanSuccess SpanStatus = "SUCCESS"
	SpanError   SpanStatus = "ERROR"
)

// Correlation carries request identity across component boundaries.
type Correlation struct {
	CorrelationID string
	TraceID       string
	SpanID        string
	ParentSpanID  string
	Operation     string
	StartTime     time.Time
	Metadata      map[string]any
}

// NewCorrelation starts a fresh correlation for a root operation.
func NewCorrelation(operation string, metadata map[string]any) *Correlation {
	return &Correlation{
		CorrelationID: uuid.New().String(),
		TraceID:       uuid.New().String(),
		SpanID:        uuid.New().String(),
		Operation:     operation,
		StartTime:     time.Now(),
		Metadata:      cloneMeta(metadata),
	}
}

// Child derives a correlation for a sub-operation. Metadata is shallow-merged
// with the child's keys overriding the parent's.
func (c *Correlation) Child(operation string, metadata map[string]any) *Correlation {
	merged := cloneMeta(c.Metadata)
	for k, v := range metadata {
		if merged == nil {
			merged = make(map[string]any)
		}
		merged[k] = v
	}
	return &Correlation{
		CorrelationID: c.CorrelationID,
		TraceID:       c.TraceID,
		SpanID:        uuid.New().String(),
		ParentSpanID:  c.SpanID,
		Operation:     operation,
		StartTime:     time.Now(),
		Metadata:      merged,
	}
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type ctxKey struct{}

// WithCorrelation attaches a correlation to a context.
func WithCorrelation(ctx context.Context, c *Correlation) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext retrieves the correlation, or nil.
func FromContext(ctx context.Context) *Correlation {
	c, _ := ctx.Value(ctxKey{}).(*Correlation)
	return c
}

// ChildFromContext derives a child of the context's correlation, or starts a
// new root when the context carries none.
func ChildFromContext(ctx context.Context, operation string, metadata map[string]any) *Correlation {
	if parent := FromContext(ctx); parent != nil {
		return parent.Child(operation, metadata)
	}
	return NewCorrelation(operation, metadata)
}

// Span is a recorded unit of work.
type Span struct {
	SpanID       string
	TraceID      string
	ParentSpanID string
	Operation    string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Status       SpanStatus
	Error        string
	Metadata     map[string]any
}

// Manager records active and completed spans. Completed spans are kept in a
// bounded ring; the oldest fall off first.
type Manager struct {
	mu           sync.Mutex
	active       map[string]*Span
	completed    []*Span
	maxCompleted int
}

// NewManager creates a span manager retaining up to maxCompleted finished
// spans.
func NewManager(maxCompleted int) *Manager {
	if maxCompleted <= 0 {
		maxCompleted = 256
	}
	return &Manager{
		active:       make(map[string]*Span),
		maxCompleted: maxCompleted,
	}
}

// Start opens a span for the given correlation.
func (m *Manager) Start(c *Correlation) *Span {
	span := &Span{
		SpanID:       c.SpanID,
		TraceID:      c.TraceID,
		ParentSpanID: c.ParentSpanID,
		Operation:    c.Operation,
		StartTime:    time.Now(),
		Status:       SpanPending,
		Metadata:     cloneMeta(c.Metadata),
	}
	m.mu.Lock()
	m.active[span.SpanID] = span
	m.mu.Unlock()
	return span
}

// End closes a span, recording success or the error.
func (m *Manager) End(spanID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	span, ok := m.active[spanID]
	if !ok {
		return
	}
	delete(m.active, spanID)

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		span.Error = err.Error()
	} else {
		span.Status = SpanSuccess
	}

	m.completed = append(m.completed, span)
	if len(m.completed) > m.maxCompleted {
		m.completed = m.completed[len(m.completed)-m.maxCompleted:]
	}
}

// ActiveCount returns the number of open spans.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Completed returns a copy of the completed-span ring, oldest first.
func (m *Manager) Completed() []*Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Span, len(m.completed))
	copy(out, m.completed)
	return out
}
