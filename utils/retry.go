package utils

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry with exponential backoff
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt (0 = no retries)
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the delay between retries
	MaxDelay time.Duration `yaml:"max_delay"`
	// Multiplier is the factor by which delay increases (default: 2.0)
	Multiplier float64 `yaml:"multiplier"`
	// Jitter adds randomness to delays (0.0 - 1.0)
	Jitter float64 `yaml:"jitter" validate:"gte=0,lte=1"`
	// RetryIf decides whether an error is worth another attempt; nil retries everything
	RetryIf func(error) bool `yaml:"-"`
}

// DefaultRetryConfig returns the defaults used for RPC calls.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 2,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// RetryResult contains the result of a retry operation
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

var (
	// ErrMaxRetriesExceeded is joined with the last error once retries run out
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	// ErrContextCanceled is joined with ctx.Err() when waiting is interrupted
	ErrContextCanceled = errors.New("context canceled during retry")
)

// RetryWithValue executes fn with exponential backoff until it succeeds,
// returns a non-retryable error, runs out of retries or ctx is done.
func RetryWithValue[T any](ctx context.Context, config *RetryConfig, fn func() (T, error)) (T, *RetryResult) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var zero T
	res := &RetryResult{}
	start := time.Now()

	for {
		res.Attempts++

		val, err := fn()
		if err == nil {
			res.LastError = nil
			res.Duration = time.Since(start)
			return val, res
		}

		res.LastError = err

		if config.RetryIf != nil && !config.RetryIf(err) {
			res.Duration = time.Since(start)
			return zero, res
		}

		if res.Attempts > config.MaxRetries {
			if config.MaxRetries > 0 {
				res.LastError = errors.Join(ErrMaxRetriesExceeded, err)
			}
			res.Duration = time.Since(start)
			return zero, res
		}

		select {
		case <-ctx.Done():
			res.LastError = errors.Join(ErrContextCanceled, ctx.Err(), err)
			res.Duration = time.Since(start)
			return zero, res
		case <-time.After(calculateDelay(config, res.Attempts)):
		}
	}
}

// calculateDelay returns BaseDelay * Multiplier^(attempt-1), jittered and clamped.
func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt-1))

	if config.Jitter > 0 {
		jitterRange := delay * config.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}

	if config.MaxDelay > 0 && time.Duration(delay) > config.MaxDelay {
		delay = float64(config.MaxDelay)
	}

	return time.Duration(delay)
}
