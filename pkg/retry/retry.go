// Package retry provides a context-aware exponential backoff policy.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy defines retry behavior
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier"`
	RandomizeFactor float64       `yaml:"randomize_factor" json:"randomize_factor"`

	// OnRetry, if set, is called before sleeping with the failed attempt
	// number (starting at 1), the error and the upcoming delay.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// Default returns the policy used when nothing is configured
func Default() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// Execute runs fn until it succeeds, the attempts are exhausted or ctx ends.
func (p Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.ExecuteWithCondition(ctx, fn, func(error) bool { return true })
}

// ExecuteWithCondition runs fn with retries only while shouldRetry accepts
// the returned error. A rejected error is returned unchanged.
func (p Policy) ExecuteWithCondition(ctx context.Context, fn func(ctx context.Context) error, shouldRetry func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w (last error: %v)", attempt+1, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// Delay returns the backoff before attempt+1.
func (p Policy) Delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay))
	}

	return time.Duration(delay)
}
