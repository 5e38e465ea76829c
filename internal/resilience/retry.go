package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"tradesync/internal/ports"
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:           true,
		MaxRetries:        3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Attempts is the total number of calls allowed, including the first.
func (c RetryConfig) Attempts() int {
	if !c.Enabled || c.MaxRetries < 0 {
		return 1
	}
	return c.MaxRetries + 1
}

// Delay returns the wait before retry number attempt (0-based):
// min(MaxDelay, InitialDelay * BackoffMultiplier^attempt). A longer server
// hint carried by a *ports.RateLimitError wins.
func (c RetryConfig) Delay(attempt int, err error) time.Duration {
	var d time.Duration
	if c.InitialDelay > 0 {
		b := &backoff.Backoff{
			Min:    c.InitialDelay,
			Max:    c.MaxDelay,
			Factor: c.BackoffMultiplier,
		}
		if b.Max <= 0 || b.Max < b.Min {
			b.Max = b.Min
		}
		if b.Factor < 1 {
			b.Factor = 1
		}
		d = b.ForAttempt(float64(attempt))
	}

	var rle *ports.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > d {
		d = rle.RetryAfter
	}
	return d
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
