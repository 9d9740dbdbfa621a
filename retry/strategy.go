package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/glimte/mmate-actors/config"
)

// Strategy decides whether a failed attempt gets another delivery and how
// long to wait before it. Implementations hold no per-message state; the
// caller tracks the attempt number (1 = first delivery).
type Strategy interface {
	// ShouldRetry reports whether another attempt may follow the given failed attempt
	ShouldRetry(attempt int) bool
	// WaitBefore returns the pause before the attempt following the given one
	WaitBefore(attempt int) time.Duration
	// MaxAttempts returns the total number of attempts allowed, including the first
	MaxAttempts() int
}

// NewStrategy resolves a retry configuration variant into a Strategy
func NewStrategy(cfg config.RetryConfig) (Strategy, error) {
	if cfg.Type == "" {
		cfg.Type = config.RetryNone
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case config.RetryCountLimitedFixedWait:
		return NewFixedWait(cfg.MaxAttempts, cfg.WaitTime.Std()), nil
	case config.RetryCountLimitedExponentialBackoff:
		return NewExponentialBackoff(cfg.MaxAttempts, cfg.WaitTime.Std(), cfg.Multiplier, cfg.MaxTimeBetweenRetries.Std()), nil
	case config.RetryCountLimitedIncrementalBackoff:
		return NewIncrementalBackoff(cfg.MaxAttempts, cfg.WaitTime.Std()), nil
	case config.RetryNone:
		return NoRetry{}, nil
	}
	return nil, fmt.Errorf("%w: unsupported retry type %q", config.ErrInvalidConfiguration, cfg.Type)
}

// NoRetry never retries
type NoRetry struct{}

// ShouldRetry implements Strategy
func (NoRetry) ShouldRetry(int) bool { return false }

// WaitBefore implements Strategy
func (NoRetry) WaitBefore(int) time.Duration { return 0 }

// MaxAttempts implements Strategy
func (NoRetry) MaxAttempts() int { return 1 }

// FixedWait retries up to a fixed number of attempts with a constant pause
type FixedWait struct {
	Attempts int
	Wait     time.Duration
}

// NewFixedWait creates a count-limited fixed wait strategy
func NewFixedWait(maxAttempts int, wait time.Duration) *FixedWait {
	return &FixedWait{
		Attempts: maxAttempts,
		Wait:     wait,
	}
}

// ShouldRetry implements Strategy
func (f *FixedWait) ShouldRetry(attempt int) bool {
	return attempt < f.Attempts
}

// WaitBefore implements Strategy
func (f *FixedWait) WaitBefore(int) time.Duration {
	return f.Wait
}

// MaxAttempts implements Strategy
func (f *FixedWait) MaxAttempts() int {
	return f.Attempts
}

// ExponentialBackoff multiplies the pause after every failed attempt
type ExponentialBackoff struct {
	Attempts        int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// NewExponentialBackoff creates a count-limited exponential backoff strategy.
// A zero maxInterval leaves the pause uncapped.
func NewExponentialBackoff(maxAttempts int, initial time.Duration, multiplier float64, maxInterval time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		Attempts:        maxAttempts,
		InitialInterval: initial,
		Multiplier:      multiplier,
		MaxInterval:     maxInterval,
	}
}

// ShouldRetry implements Strategy
func (e *ExponentialBackoff) ShouldRetry(attempt int) bool {
	return attempt < e.Attempts
}

// WaitBefore implements Strategy
func (e *ExponentialBackoff) WaitBefore(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt-1))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		return e.MaxInterval
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// MaxAttempts implements Strategy
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// IncrementalBackoff grows the pause linearly: step, 2*step, 3*step...
type IncrementalBackoff struct {
	Attempts int
	Step     time.Duration
}

// NewIncrementalBackoff creates a count-limited incremental backoff strategy
func NewIncrementalBackoff(maxAttempts int, step time.Duration) *IncrementalBackoff {
	return &IncrementalBackoff{
		Attempts: maxAttempts,
		Step:     step,
	}
}

// ShouldRetry implements Strategy
func (i *IncrementalBackoff) ShouldRetry(attempt int) bool {
	return attempt < i.Attempts
}

// WaitBefore implements Strategy
func (i *IncrementalBackoff) WaitBefore(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * i.Step
}

// MaxAttempts implements Strategy
func (i *IncrementalBackoff) MaxAttempts() int {
	return i.Attempts
}
