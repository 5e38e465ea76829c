// Package ratelimit provides fail-fast admission control for outbound provider
// calls. Each scope keeps a one-second request window and a sixty-second cost
// window; a window's counter resets once its boundary has passed.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
)

const (
	requestWindow = time.Second
	tokenWindow   = time.Minute
)

// Limits are the ceilings for one scope. Zero means unlimited.
type Limits struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	TokensPerMinute   int `yaml:"tokens_per_minute"`
}

// Unlimited reports whether neither ceiling is set.
func (l Limits) Unlimited() bool {
	return l.RequestsPerSecond <= 0 && l.TokensPerMinute <= 0
}

// ProviderLimits holds the shared ceiling for a provider and the ceiling
// applied to each individual user of that provider.
type ProviderLimits struct {
	Global  Limits `yaml:"global"`
	PerUser Limits `yaml:"per_user"`
}

// Scope identifies a rate-limit window. An empty UserID is the provider-global scope.
type Scope struct {
	Provider string
	UserID   string
}

func (s Scope) String() string {
	if s.UserID == "" {
		return s.Provider + "/global"
	}
	return s.Provider + "/user:" + s.UserID
}

// global returns the provider-wide scope for s.
func (s Scope) global() Scope {
	return Scope{Provider: s.Provider}
}

type window struct {
	secondStart time.Time
	requests    int
	minuteStart time.Time
	tokens      int
}

// roll resets any window whose boundary has been crossed.
func (w *window) roll(now time.Time) {
	if now.Sub(w.secondStart) >= requestWindow {
		w.secondStart = now
		w.requests = 0
	}
	if now.Sub(w.minuteStart) >= tokenWindow {
		w.minuteStart = now
		w.tokens = 0
	}
}

// check returns how long until the window admits cost, or zero if it admits now.
func (w *window) check(lim Limits, cost int, now time.Time) time.Duration {
	if lim.RequestsPerSecond > 0 && w.requests+1 > lim.RequestsPerSecond {
		return w.secondStart.Add(requestWindow).Sub(now)
	}
	if lim.TokensPerMinute > 0 && w.tokens+cost > lim.TokensPerMinute {
		return w.minuteStart.Add(tokenWindow).Sub(now)
	}
	return 0
}

// expired reports whether both periods have lapsed, so the window holds no state.
func (w *window) expired(now time.Time) bool {
	return now.Sub(w.secondStart) >= requestWindow && now.Sub(w.minuteStart) >= tokenWindow
}

func (w *window) commit(cost int) {
	w.requests++
	w.tokens += cost
}

// Usage is a snapshot of one scope's counters.
type Usage struct {
	Scope    string `json:"scope"`
	Requests int    `json:"requests"`
	Tokens   int    `json:"tokens"`
}

// Limiter is the process-wide registry of rate-limit windows.
// Construct one at startup and share it; it is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	limits   map[string]ProviderLimits
	defaults ProviderLimits
	windows  map[Scope]*window
	logEvery map[Scope]*rate.Sometimes
	pruned   time.Time
	now      func() time.Time
	logger   ports.Logger
	events   ports.EventSink
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithEventSink sends rejections to sink.
func WithEventSink(sink ports.EventSink) Option {
	return func(l *Limiter) { l.events = sink }
}

// WithDefaults sets the ceilings for providers without an explicit entry.
func WithDefaults(d ProviderLimits) Option {
	return func(l *Limiter) { l.defaults = d }
}

// New creates a limiter with per-provider ceilings.
func New(limits map[string]ProviderLimits, logger ports.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		limits:   make(map[string]ProviderLimits, len(limits)),
		windows:  make(map[Scope]*window),
		logEvery: make(map[Scope]*rate.Sometimes),
		now:      time.Now,
		logger:   logger,
	}
	for name, pl := range limits {
		l.limits[name] = pl
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LimitsFor returns the ceilings configured for a provider.
func (l *Limiter) LimitsFor(provider string) ProviderLimits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitsFor(provider)
}

func (l *Limiter) limitsFor(provider string) ProviderLimits {
	if pl, ok := l.limits[provider]; ok {
		return pl
	}
	return l.defaults
}

func (l *Limiter) windowFor(s Scope, now time.Time) *window {
	w, ok := l.windows[s]
	if !ok {
		w = &window{secondStart: now, minuteStart: now}
		l.windows[s] = w
	}
	w.roll(now)
	return w
}

// Admit records one request of the given cost against scope, or rejects it with
// a *ports.RateLimitError without blocking. A user scope is checked against
// both the provider-global and the per-user window; either both are charged or neither.
func (l *Limiter) Admit(scope Scope, cost int) error {
	if cost < 0 {
		cost = 0
	}

	l.mu.Lock()
	now := l.now()
	l.pruneStale(now)
	pl := l.limitsFor(scope.Provider)

	type charge struct {
		scope Scope
		lim   Limits
		w     *window
	}
	charges := make([]charge, 0, 2)
	if !pl.Global.Unlimited() {
		g := scope.global()
		charges = append(charges, charge{scope: g, lim: pl.Global, w: l.windowFor(g, now)})
	}
	if scope.UserID != "" && !pl.PerUser.Unlimited() {
		charges = append(charges, charge{scope: scope, lim: pl.PerUser, w: l.windowFor(scope, now)})
	}

	for _, c := range charges {
		if wait := c.w.check(c.lim, cost, now); wait > 0 {
			sometimes := l.sometimesFor(c.scope)
			l.mu.Unlock()
			return l.reject(c.scope, cost, wait, sometimes)
		}
	}
	for _, c := range charges {
		c.w.commit(cost)
	}
	l.mu.Unlock()
	return nil
}

// pruneStale drops expired user windows, at most once per token window.
func (l *Limiter) pruneStale(now time.Time) {
	if now.Sub(l.pruned) < tokenWindow {
		return
	}
	l.pruned = now
	for s, w := range l.windows {
		if s.UserID != "" && w.expired(now) {
			delete(l.windows, s)
			delete(l.logEvery, s)
		}
	}
}

func (l *Limiter) sometimesFor(s Scope) *rate.Sometimes {
	st, ok := l.logEvery[s]
	if !ok {
		st = &rate.Sometimes{Interval: time.Second}
		l.logEvery[s] = st
	}
	return st
}

func (l *Limiter) reject(s Scope, cost int, wait time.Duration, sometimes *rate.Sometimes) error {
	ctx := context.Background()
	fields := map[string]interface{}{"scope": s.String(), "cost": cost, "retryAfter": wait.String()}
	if l.logger != nil {
		sometimes.Do(func() {
			l.logger.Warn(ctx, "Rate limit rejected request", fields)
		})
	}
	if l.events != nil {
		l.events.Emit(ctx, domain.Event{
			Type:     domain.EventRateLimitRejected,
			Provider: s.Provider,
			Scope:    s.String(),
			Message:  "rate limit rejected request",
			Fields:   fields,
			At:       l.now(),
		})
	}
	return &ports.RateLimitError{
		Provider:   s.Provider,
		Scope:      s.String(),
		RetryAfter: wait,
		Local:      true,
		Err:        fmt.Errorf("cost %d", cost),
	}
}

// Reset zeroes the counters of one scope.
func (l *Limiter) Reset(s Scope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, s)
}

// ResetProvider zeroes the global scope and every user scope of a provider.
func (l *Limiter) ResetProvider(provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for s := range l.windows {
		if s.Provider == provider {
			delete(l.windows, s)
		}
	}
}

// ResetAll zeroes every scope.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[Scope]*window)
}

// Usage returns the current counters of every known scope.
func (l *Limiter) Usage() []Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make([]Usage, 0, len(l.windows))
	for s, w := range l.windows {
		w.roll(now)
		out = append(out, Usage{Scope: s.String(), Requests: w.requests, Tokens: w.tokens})
	}
	return out
}
