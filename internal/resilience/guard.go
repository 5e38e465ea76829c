package resilience

import (
	"context"
	"fmt"
	"time"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
	"tradesync/internal/ratelimit"
)

// Guard combines the rate limiter, the breaker registry and retry policy.
// One Guard is shared by every adapter in the process.
type Guard struct {
	limiter        *ratelimit.Limiter
	breakers       *Registry
	retry          RetryConfig
	retryOverrides map[string]RetryConfig
	sleep          SleepFunc
	logger         ports.Logger
	events         ports.EventSink
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithSleep replaces the retry sleep, for tests.
func WithSleep(sleep SleepFunc) GuardOption {
	return func(g *Guard) { g.sleep = sleep }
}

// WithRetryOverrides sets per-provider retry policies.
func WithRetryOverrides(overrides map[string]RetryConfig) GuardOption {
	return func(g *Guard) {
		for name, cfg := range overrides {
			g.retryOverrides[name] = cfg
		}
	}
}

// WithGuardEvents sends fallback events to sink.
func WithGuardEvents(sink ports.EventSink) GuardOption {
	return func(g *Guard) { g.events = sink }
}

// NewGuard creates a guard. limiter may be nil to disable admission control.
func NewGuard(limiter *ratelimit.Limiter, breakers *Registry, retry RetryConfig, logger ports.Logger, opts ...GuardOption) *Guard {
	g := &Guard{
		limiter:        limiter,
		breakers:       breakers,
		retry:          retry,
		retryOverrides: make(map[string]RetryConfig),
		sleep:          sleepContext,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Breakers exposes the registry for administrative endpoints.
func (g *Guard) Breakers() *Registry { return g.breakers }

// Limiter exposes the rate limiter for administrative endpoints.
func (g *Guard) Limiter() *ratelimit.Limiter { return g.limiter }

func (g *Guard) retryFor(provider string) RetryConfig {
	if cfg, ok := g.retryOverrides[provider]; ok {
		return cfg
	}
	return g.retry
}

// Request names the provider scope a call is charged to.
type Request struct {
	Provider string
	UserID   string
	Cost     int // Estimated token cost; 0 for plain requests
}

// Outcome describes how a guarded call was served.
type Outcome struct {
	Provider string
	Attempts int
	Retries  int
}

// Call runs fn under the guard: each attempt is admitted by the limiter and
// executed through the provider's breaker; retryable failures are retried with backoff.
func Call[T any](ctx context.Context, g *Guard, req Request, fn func(ctx context.Context) (T, error)) (T, Outcome, error) {
	var zero T
	out := Outcome{Provider: req.Provider}
	cfg := g.retryFor(req.Provider)
	maxAttempts := cfg.Attempts()
	breaker := g.breakers.Breaker(req.Provider)

	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return zero, out, err
		}
		out.Attempts = n + 1
		out.Retries = n

		result, err := attempt(ctx, g, breaker, req, fn)
		if err == nil {
			return result, out, nil
		}

		if !ports.IsRetryable(err) || n+1 >= maxAttempts {
			return zero, out, err
		}

		delay := cfg.Delay(n, err)
		if g.logger != nil {
			g.logger.Warn(ctx, "Provider call failed, retrying", map[string]interface{}{
				"provider": req.Provider,
				"attempt":  n + 1,
				"delay":    delay.String(),
				"error":    err.Error(),
			})
		}
		if serr := g.sleep(ctx, delay); serr != nil {
			return zero, out, serr
		}
	}
}

// attempt runs one admitted, breaker-protected call.
func attempt[T any](ctx context.Context, g *Guard, breaker *Breaker, req Request, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if g.limiter != nil {
		if err := g.limiter.Admit(ratelimit.Scope{Provider: req.Provider, UserID: req.UserID}, req.Cost); err != nil {
			return zero, err
		}
	}

	// result is only read when Execute reports success, which happens after fn returned.
	var result T
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}

// CallWithFallback tries each request's provider in order until one succeeds.
// When every provider fails it returns *ports.ProvidersExhaustedError.
func CallWithFallback[T any](ctx context.Context, g *Guard, reqs []Request, fn func(ctx context.Context, provider string) (T, error)) (T, Outcome, error) {
	var zero T
	if len(reqs) == 0 {
		return zero, Outcome{}, fmt.Errorf("fallback chain is empty: %w", ports.ErrInvalidRequest)
	}

	total := Outcome{}
	failures := make([]ports.ProviderFailure, 0, len(reqs))
	for i, req := range reqs {
		provider := req.Provider
		result, out, err := Call(ctx, g, req, func(ctx context.Context) (T, error) {
			return fn(ctx, provider)
		})
		total.Attempts += out.Attempts
		total.Retries += out.Retries
		if err == nil {
			total.Provider = provider
			return result, total, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, total, ctxErr
		}

		failures = append(failures, ports.ProviderFailure{Provider: provider, Err: err})
		if i+1 < len(reqs) {
			g.fallback(ctx, provider, reqs[i+1].Provider, err)
		}
	}
	return zero, total, &ports.ProvidersExhaustedError{Failures: failures}
}

func (g *Guard) fallback(ctx context.Context, from, to string, err error) {
	fields := map[string]interface{}{"from": from, "to": to, "error": err.Error()}
	if g.logger != nil {
		g.logger.Warn(ctx, "Provider failed, falling back", fields)
	}
	if g.events != nil {
		g.events.Emit(ctx, domain.Event{
			Type:     domain.EventProviderFallback,
			Provider: from,
			Message:  fmt.Sprintf("fallback %s -> %s", from, to),
			Fields:   fields,
			At:       time.Now(),
		})
	}
}
