package logger

import (
	"context"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
)

// EventLogger is an EventSink that writes events to a ports.Logger.
// Anomalies and circuit openings are warnings, everything else is info.
type EventLogger struct {
	log ports.Logger
}

// NewEventLogger wraps a logger as an event sink.
func NewEventLogger(log ports.Logger) *EventLogger {
	return &EventLogger{log: log}
}

// Emit logs the event with its fields flattened.
func (s *EventLogger) Emit(ctx context.Context, ev domain.Event) {
	fields := make(map[string]interface{}, len(ev.Fields)+4)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	fields["event"] = string(ev.Type)
	if ev.Provider != "" {
		fields["provider"] = ev.Provider
	}
	if ev.Scope != "" {
		fields["scope"] = ev.Scope
	}
	if ev.AccountID != "" {
		fields["accountID"] = ev.AccountID
	}
	if ev.Symbol != "" {
		fields["symbol"] = ev.Symbol
	}

	switch ev.Type {
	case domain.EventReconstructionAnomaly, domain.EventRateLimitRejected:
		s.log.Warn(ctx, ev.Message, fields)
	case domain.EventCircuitStateChanged:
		if ev.Fields["to"] == "OPEN" {
			s.log.Warn(ctx, ev.Message, fields)
			return
		}
		s.log.Info(ctx, ev.Message, fields)
	default:
		s.log.Info(ctx, ev.Message, fields)
	}
}
