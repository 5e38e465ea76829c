package app

import (
	"context"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
)

// Fanout delivers each event to every sink in order. Nil sinks are skipped.
type Fanout []ports.EventSink

// Emit implements ports.EventSink.
func (f Fanout) Emit(ctx context.Context, ev domain.Event) {
	for _, sink := range f {
		if sink != nil {
			sink.Emit(ctx, ev)
		}
	}
}
