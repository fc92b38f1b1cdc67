// Package logger provides the structured logging contract used by queue workers and backends.
package logger

import (
	"context"
)

// Logger is the structured logger used across the module.
// Every method takes a message followed by alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that always emits the given key/value pairs.
	With(args ...any) Logger

	// WithContext returns a child logger enriched with the job and correlation
	// identifiers carried by ctx, if any.
	WithContext(ctx context.Context) Logger
}

type contextKey string

const (
	jobIDContextKey         contextKey = "job_id"
	correlationIDContextKey contextKey = "correlation_id"
)

// ContextWithJobID stores the identifier of the job being processed.
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, jobIDContextKey, jobID)
}

// ContextWithCorrelationID stores a payload correlation identifier.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDContextKey, correlationID)
}

// contextFields returns the key/value pairs extracted from ctx.
func contextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var fields []any
	if jobID, ok := ctx.Value(jobIDContextKey).(string); ok && jobID != "" {
		fields = append(fields, "job_id", jobID)
	}
	if correlationID, ok := ctx.Value(correlationIDContextKey).(string); ok && correlationID != "" {
		fields = append(fields, "correlation_id", correlationID)
	}
	return fields
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (l nopLogger) With(...any) Logger                 { return l }
func (l nopLogger) WithContext(context.Context) Logger { return l }
