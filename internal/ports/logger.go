package ports

import (
	"context"

	"tradesync/internal/domain"
)

// Logger defines a standard interface for logging messages and errors.
// Fields are passed as an optional map so call sites stay terse.
type Logger interface {
	// Debug logs a message at Debug level.
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	// Info logs a message at Info level.
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	// Warn logs a message at Warning level.
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	// Error logs an error message at Error level.
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}

// EventSink receives structured observability events (circuit transitions,
// rate-limit rejections, reconstruction anomalies). Storage and shipping of the
// events belong to the sink, not to the caller.
type EventSink interface {
	Emit(ctx context.Context, event domain.Event)
}
