// Package resilience wraps every outbound provider call with admission control,
// a per-provider circuit breaker, a hard call timeout and exponential-backoff retry.
package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tradesync/internal/ports"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const latencyWindow = 100

// BreakerConfig holds configuration for one provider's circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`   // Consecutive failures before opening
	SuccessThreshold int           `yaml:"success_threshold"`   // Consecutive half-open successes before closing
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"` // Concurrent trial calls while half-open
	ResetTimeout     time.Duration `yaml:"reset_timeout"`       // Time in OPEN before a trial is allowed
	CallTimeout      time.Duration `yaml:"call_timeout"`        // Hard limit for one wrapped call, 0 = none
}

// DefaultBreakerConfig returns the settings used when no override is configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 1,
		ResetTimeout:     30 * time.Second,
		CallTimeout:      15 * time.Second,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	return c
}

// Stats is a snapshot of one breaker.
type Stats struct {
	Provider             string        `json:"provider"`
	State                string        `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastFailureAt        time.Time     `json:"last_failure_at,omitempty"`
	TotalRequests        int64         `json:"total_requests"`
	TotalSuccesses       int64         `json:"total_successes"`
	TotalFailures        int64         `json:"total_failures"`
	TotalRejected        int64         `json:"total_rejected"`
	AvgLatency           time.Duration `json:"avg_latency"`
	P95Latency           time.Duration `json:"p95_latency"`
}

// transition is a state change to report once the lock is released.
type transition struct {
	from, to State
}

// Breaker implements the circuit breaker pattern for one provider.
type Breaker struct {
	provider string
	config   BreakerConfig
	now      func() time.Time
	notify   func(provider string, from, to State, stats Stats)

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	lastFailureAt        time.Time
	totalRequests        int64
	totalSuccesses       int64
	totalFailures        int64
	totalRejected        int64
	latencies            []time.Duration
	latencyNext          int
}

func newBreaker(provider string, config BreakerConfig, now func() time.Time, notify func(string, State, State, Stats)) *Breaker {
	return &Breaker{
		provider:  provider,
		config:    config.normalized(),
		now:       now,
		notify:    notify,
		state:     StateClosed,
		latencies: make([]time.Duration, 0, latencyWindow),
	}
}

// Execute runs fn under breaker protection and the configured call timeout.
// An OPEN breaker returns *ports.CircuitOpenError without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	start := b.now()
	err = b.run(ctx, fn)
	b.record(err, b.now().Sub(start), trial)
	return err
}

// admit decides whether a call may proceed. trial is true for half-open probes.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	var tr *transition
	defer func() {
		stats := b.statsLocked()
		b.mu.Unlock()
		if tr != nil {
			b.emit(*tr, stats)
		}
	}()

	if !b.config.Enabled {
		b.totalRequests++
		return false, nil
	}

	now := b.now()
	switch b.state {
	case StateClosed:
		b.totalRequests++
		return false, nil
	case StateOpen:
		retryAt := b.lastFailureAt.Add(b.config.ResetTimeout)
		if now.Before(retryAt) {
			b.totalRejected++
			return false, &ports.CircuitOpenError{Provider: b.provider, RetryAt: retryAt}
		}
		tr = b.setState(StateHalfOpen)
		b.consecutiveSuccesses = 0
		b.halfOpenInFlight = 0
	}

	// HALF_OPEN
	if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
		b.totalRejected++
		return false, &ports.CircuitOpenError{Provider: b.provider, RetryAt: now}
	}
	b.halfOpenInFlight++
	b.totalRequests++
	return true, nil
}

// run calls fn, enforcing CallTimeout. A timeout is reported as *ports.TimeoutError
// even if fn never observes its context.
func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.config.CallTimeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &ports.TimeoutError{Provider: b.provider, Timeout: b.config.CallTimeout}
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ports.TimeoutError{Provider: b.provider, Timeout: b.config.CallTimeout}
	}
}

// countsAsFailure reports whether err says the provider is unhealthy.
// Credential and request errors mean the provider answered.
func countsAsFailure(err error) bool {
	if err == nil || ports.IsCallerError(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (b *Breaker) record(err error, latency time.Duration, trial bool) {
	b.mu.Lock()
	var tr *transition
	defer func() {
		stats := b.statsLocked()
		b.mu.Unlock()
		if tr != nil {
			b.emit(*tr, stats)
		}
	}()

	b.pushLatency(latency)
	if trial && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if err != nil && errors.Is(err, context.Canceled) {
		return
	}

	if !countsAsFailure(err) {
		b.totalSuccesses++
		if !b.config.Enabled {
			return
		}
		b.consecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.config.SuccessThreshold {
				tr = b.setState(StateClosed)
				b.consecutiveSuccesses = 0
				b.halfOpenInFlight = 0
			}
		}
		return
	}

	b.totalFailures++
	if !b.config.Enabled {
		return
	}
	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	b.lastFailureAt = b.now()

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			tr = b.setState(StateOpen)
		}
	case StateHalfOpen:
		tr = b.setState(StateOpen)
		b.halfOpenInFlight = 0
	}
}

func (b *Breaker) setState(to State) *transition {
	if b.state == to {
		return nil
	}
	tr := &transition{from: b.state, to: to}
	b.state = to
	return tr
}

func (b *Breaker) emit(tr transition, stats Stats) {
	if b.notify != nil {
		b.notify(b.provider, tr.from, tr.to, stats)
	}
}

func (b *Breaker) pushLatency(d time.Duration) {
	if len(b.latencies) < latencyWindow {
		b.latencies = append(b.latencies, d)
		return
	}
	b.latencies[b.latencyNext] = d
	b.latencyNext = (b.latencyNext + 1) % latencyWindow
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of counters and latencies.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *Breaker) statsLocked() Stats {
	s := Stats{
		Provider:             b.provider,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailureAt:        b.lastFailureAt,
		TotalRequests:        b.totalRequests,
		TotalSuccesses:       b.totalSuccesses,
		TotalFailures:        b.totalFailures,
		TotalRejected:        b.totalRejected,
	}
	if n := len(b.latencies); n > 0 {
		sorted := make([]time.Duration, n)
		copy(sorted, b.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		s.AvgLatency = sum / time.Duration(n)
		s.P95Latency = sorted[(n*95-1)/100]
	}
	return s
}

// Reset returns the breaker to CLOSED and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.setState(StateClosed)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	b.lastFailureAt = time.Time{}
	b.totalRequests = 0
	b.totalSuccesses = 0
	b.totalFailures = 0
	b.totalRejected = 0
	b.latencies = b.latencies[:0]
	b.latencyNext = 0
	stats := b.statsLocked()
	b.mu.Unlock()
	if tr != nil {
		b.emit(*tr, stats)
	}
}
