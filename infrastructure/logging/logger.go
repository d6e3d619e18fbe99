// Package logging provides structured logging with trace ID support.
// Field maps are passed through redaction before they reach the formatter,
// so sensitive values never land in a log line.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cygnus-wealth/evm-access/infrastructure/redaction"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID.
	TraceIDKey ContextKey = "trace_id"
	// ComponentKey is the context key for the originating component.
	ComponentKey ContextKey = "component"
)

// Logger wraps logrus.Logger with redaction and context plumbing.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:    logger,
		component: component,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables. Defaults to "info" and "json" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// Named returns a logger sharing the same backend under a new component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// WithContext creates a new logger entry carrying trace context values.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// WithTraceID creates a new logger entry with a trace ID.
func (l *Logger) WithTraceID(traceID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"trace_id":  traceID,
	})
}

// WithChain creates a new logger entry scoped to a chain.
func (l *Logger) WithChain(chainID uint64) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"chain_id":  chainID,
	})
}

// WithFields creates a new logger entry with custom fields. The field map is
// redacted before use.
func (l *Logger) WithFields(fields map[string]any) *logrus.Entry {
	safe := redaction.Map(fields)
	if safe == nil {
		safe = make(map[string]any)
	}
	safe["component"] = l.component
	return l.Logger.WithFields(safe)
}

// WithError creates a new logger entry with an error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     redaction.String(err.Error()),
	})
}

// SetOutput sets the logger output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// LogRPCCall logs an outbound RPC call at debug, or warn on failure.
func (l *Logger) LogRPCCall(chainID uint64, method, transport string, duration time.Duration, err error) {
	entry := l.Logger.WithFields(logrus.Fields{
		"component":   l.component,
		"chain_id":    chainID,
		"method":      method,
		"transport":   transport,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithField("error", redaction.String(err.Error())).Warn("rpc call failed")
		return
	}
	entry.Debug("rpc call")
}

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}
