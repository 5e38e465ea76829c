package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
)

// Registry owns one Breaker per provider. Breakers are created on first use and
// live for the lifetime of the registry.
type Registry struct {
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
	now       func() time.Time
	logger    ports.Logger
	events    ports.EventSink

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides time.Now, for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithRegistryEvents sends state transitions to sink.
func WithRegistryEvents(sink ports.EventSink) RegistryOption {
	return func(r *Registry) { r.events = sink }
}

// NewRegistry creates a breaker registry. overrides replace defaults per provider.
func NewRegistry(defaults BreakerConfig, overrides map[string]BreakerConfig, logger ports.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		defaults:  defaults,
		overrides: make(map[string]BreakerConfig, len(overrides)),
		now:       time.Now,
		logger:    logger,
		breakers:  make(map[string]*Breaker),
	}
	for name, cfg := range overrides {
		r.overrides[name] = cfg
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breaker returns the provider's breaker, creating it if needed.
func (r *Registry) Breaker(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[provider]; ok {
		return b
	}
	cfg, ok := r.overrides[provider]
	if !ok {
		cfg = r.defaults
	}
	b := newBreaker(provider, cfg, r.now, r.onTransition)
	r.breakers[provider] = b
	return b
}

func (r *Registry) onTransition(provider string, from, to State, stats Stats) {
	ctx := context.Background()
	fields := map[string]interface{}{
		"provider":            provider,
		"from":                from.String(),
		"to":                  to.String(),
		"consecutiveFailures": stats.ConsecutiveFailures,
		"totalFailures":       stats.TotalFailures,
	}
	if r.logger != nil {
		if to == StateOpen {
			r.logger.Warn(ctx, "Circuit breaker opened", fields)
		} else {
			r.logger.Info(ctx, "Circuit breaker state changed", fields)
		}
	}
	if r.events != nil {
		r.events.Emit(ctx, domain.Event{
			Type:     domain.EventCircuitStateChanged,
			Provider: provider,
			Message:  fmt.Sprintf("circuit %s -> %s", from, to),
			Fields:   fields,
			At:       r.now(),
		})
	}
}

// Stats returns one provider's snapshot. ok is false if the provider was never called.
func (r *Registry) Stats(provider string) (Stats, bool) {
	r.mu.Lock()
	b, ok := r.breakers[provider]
	r.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return b.Stats(), true
}

// AllStats returns a snapshot of every breaker, ordered by provider.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Reset closes one provider's breaker and clears its counters.
func (r *Registry) Reset(provider string) error {
	r.mu.Lock()
	b, ok := r.breakers[provider]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("circuit for %q: %w", provider, ports.ErrNotFound)
	}
	b.Reset()
	return nil
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()
	for _, b := range list {
		b.Reset()
	}
}
