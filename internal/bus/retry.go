package bus

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig controls how a transient bus failure is retried before it
// is escalated to the caller.
type RetryConfig struct {
	// InitialDelay is the delay before the first retry (default: 100ms).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 2s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxAttempts is the total number of attempts including the first
	// (default: 5).
	MaxAttempts int

	// Jitter randomises each delay by ±Jitter of its base value, 0.0–1.0
	// (default: 0.2), so a fleet of components recovering from the same
	// broker outage does not retry in lockstep.
	Jitter float64
}

// DefaultRetryConfig returns the retry schedule used by the bus
// implementations: 100ms, 200ms, 400ms, 800ms (±20%), five attempts in
// total.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       0.2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

func (c RetryConfig) delay(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if d >= c.MaxDelay {
			d = c.MaxDelay
			break
		}
	}
	if c.Jitter > 0 {
		spread := c.Jitter * float64(d)
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return d
}

// Retry invokes fn until it succeeds, cfg.MaxAttempts is exhausted, or
// ctx is cancelled, sleeping a jittered exponential delay between
// attempts. The last error is returned on exhaustion.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
