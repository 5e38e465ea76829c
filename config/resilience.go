package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"tradesync/internal/adapters/aiclient"
	"tradesync/internal/ratelimit"
	"tradesync/internal/resilience"
)

// Resilience is the resolved rate-limit, breaker, retry and AI provider setup.
type Resilience struct {
	DefaultLimits    ratelimit.ProviderLimits
	RateLimits       map[string]ratelimit.ProviderLimits
	Breaker          resilience.BreakerConfig
	BreakerOverrides map[string]resilience.BreakerConfig
	Retry            resilience.RetryConfig
	RetryOverrides   map[string]resilience.RetryConfig
	AIProviders      []aiclient.Provider
}

// DefaultResilience returns the built-in ceilings, used when no file is configured.
func DefaultResilience() *Resilience {
	return &Resilience{
		RateLimits: map[string]ratelimit.ProviderLimits{
			// Binance USDⓈ-M allows 2400 request weight per minute per IP.
			"binance": {
				Global:  ratelimit.Limits{RequestsPerSecond: 20, TokensPerMinute: 2400},
				PerUser: ratelimit.Limits{RequestsPerSecond: 10, TokensPerMinute: 1200},
			},
			"oanda": {
				Global:  ratelimit.Limits{RequestsPerSecond: 100},
				PerUser: ratelimit.Limits{RequestsPerSecond: 25},
			},
		},
		Breaker:          resilience.DefaultBreakerConfig(),
		BreakerOverrides: map[string]resilience.BreakerConfig{},
		Retry:            resilience.DefaultRetryConfig(),
		RetryOverrides:   map[string]resilience.RetryConfig{},
	}
}

// The file layer uses pointer fields so a partial override only changes the keys it names.

type breakerFile struct {
	Enabled          *bool          `yaml:"enabled"`
	FailureThreshold *int           `yaml:"failure_threshold"`
	SuccessThreshold *int           `yaml:"success_threshold"`
	HalfOpenMaxCalls *int           `yaml:"half_open_max_calls"`
	ResetTimeout     *time.Duration `yaml:"reset_timeout"`
	CallTimeout      *time.Duration `yaml:"call_timeout"`
}

func (b *breakerFile) apply(base resilience.BreakerConfig) resilience.BreakerConfig {
	if b == nil {
		return base
	}
	if b.Enabled != nil {
		base.Enabled = *b.Enabled
	}
	if b.FailureThreshold != nil {
		base.FailureThreshold = *b.FailureThreshold
	}
	if b.SuccessThreshold != nil {
		base.SuccessThreshold = *b.SuccessThreshold
	}
	if b.HalfOpenMaxCalls != nil {
		base.HalfOpenMaxCalls = *b.HalfOpenMaxCalls
	}
	if b.ResetTimeout != nil {
		base.ResetTimeout = *b.ResetTimeout
	}
	if b.CallTimeout != nil {
		base.CallTimeout = *b.CallTimeout
	}
	return base
}

type retryFile struct {
	Enabled           *bool          `yaml:"enabled"`
	MaxRetries        *int           `yaml:"max_retries"`
	InitialDelay      *time.Duration `yaml:"initial_delay"`
	MaxDelay          *time.Duration `yaml:"max_delay"`
	BackoffMultiplier *float64       `yaml:"backoff_multiplier"`
}

func (r *retryFile) apply(base resilience.RetryConfig) resilience.RetryConfig {
	if r == nil {
		return base
	}
	if r.Enabled != nil {
		base.Enabled = *r.Enabled
	}
	if r.MaxRetries != nil {
		base.MaxRetries = *r.MaxRetries
	}
	if r.InitialDelay != nil {
		base.InitialDelay = *r.InitialDelay
	}
	if r.MaxDelay != nil {
		base.MaxDelay = *r.MaxDelay
	}
	if r.BackoffMultiplier != nil {
		base.BackoffMultiplier = *r.BackoffMultiplier
	}
	return base
}

type providerFile struct {
	RateLimits *ratelimit.ProviderLimits `yaml:"rate_limits"`
	Breaker    *breakerFile              `yaml:"breaker"`
	Retry      *retryFile                `yaml:"retry"`
}

type resilienceFile struct {
	Defaults    providerFile            `yaml:"defaults"`
	Providers   map[string]providerFile `yaml:"providers"`
	AIProviders []aiclient.Provider     `yaml:"ai_providers"`
}

// LoadResilienceFile reads a YAML resilience file and layers it over the built-in defaults.
func LoadResilienceFile(path string) (*Resilience, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read RATE_LIMITS_FILE %s: %w", path, err)
	}
	return ParseResilience(data)
}

// ParseResilience decodes YAML resilience settings. Unknown keys are rejected.
func ParseResilience(data []byte) (*Resilience, error) {
	var raw resilienceFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid resilience file: %w", err)
	}

	res := DefaultResilience()
	if raw.Defaults.RateLimits != nil {
		res.DefaultLimits = *raw.Defaults.RateLimits
	}
	res.Breaker = raw.Defaults.Breaker.apply(res.Breaker)
	res.Retry = raw.Defaults.Retry.apply(res.Retry)

	var errs []string
	for name, p := range raw.Providers {
		if p.RateLimits != nil {
			res.RateLimits[name] = *p.RateLimits
		}
		if p.Breaker != nil {
			res.BreakerOverrides[name] = p.Breaker.apply(res.Breaker)
		}
		if p.Retry != nil {
			res.RetryOverrides[name] = p.Retry.apply(res.Retry)
		}
	}

	seen := make(map[string]bool, len(raw.AIProviders))
	for _, p := range raw.AIProviders {
		switch {
		case p.Name == "" || p.BaseURL == "" || p.Model == "":
			errs = append(errs, fmt.Sprintf("ai provider %q needs name, base_url and model", p.Name))
		case seen[p.Name]:
			errs = append(errs, fmt.Sprintf("duplicate ai provider %q", p.Name))
		}
		seen[p.Name] = true
	}
	res.AIProviders = raw.AIProviders

	if err := res.validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid resilience file: %s", strings.Join(errs, "; "))
	}
	return res, nil
}

func (r *Resilience) validate() error {
	var errs []string
	check := func(name string, b resilience.BreakerConfig, rt resilience.RetryConfig) {
		if b.FailureThreshold < 0 || b.SuccessThreshold < 0 || b.HalfOpenMaxCalls < 0 {
			errs = append(errs, name+": breaker thresholds cannot be negative")
		}
		if b.ResetTimeout < 0 || b.CallTimeout < 0 {
			errs = append(errs, name+": breaker timeouts cannot be negative")
		}
		if rt.MaxRetries < 0 {
			errs = append(errs, name+": max_retries cannot be negative")
		}
		if rt.BackoffMultiplier != 0 && rt.BackoffMultiplier < 1 {
			errs = append(errs, name+": backoff_multiplier must be at least 1")
		}
	}
	check("defaults", r.Breaker, r.Retry)
	for name, b := range r.BreakerOverrides {
		check(name, b, r.retryFor(name))
	}
	for name, rt := range r.RetryOverrides {
		check(name, r.breakerFor(name), rt)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *Resilience) breakerFor(name string) resilience.BreakerConfig {
	if b, ok := r.BreakerOverrides[name]; ok {
		return b
	}
	return r.Breaker
}

func (r *Resilience) retryFor(name string) resilience.RetryConfig {
	if rt, ok := r.RetryOverrides[name]; ok {
		return rt
	}
	return r.Retry
}

// attachAPIKeys fills AI provider keys from AI_<NAME>_API_KEY.
func (r *Resilience) attachAPIKeys(getenv func(string) string) {
	for i := range r.AIProviders {
		if r.AIProviders[i].APIKey == "" {
			r.AIProviders[i].APIKey = getenv("AI_" + envName(r.AIProviders[i].Name) + "_API_KEY")
		}
	}
}

// envName upper-cases s and replaces anything outside [A-Z0-9] with '_'.
func envName(s string) string {
	return strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}
