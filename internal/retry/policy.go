// Package retry executes fallible operations with exponential backoff and jitter.
package retry

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrInvalidPolicy is returned when a Policy violates its invariants.
	ErrInvalidPolicy = errors.New("invalid retry policy")
)

// Policy controls how many times and how quickly an operation is retried.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint32
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps every computed delay, jitter included.
	MaxDelay time.Duration
	// BackoffMultiplier scales the delay per attempt. Must be > 1.
	BackoffMultiplier float64
	// JitterFactor is the maximum jitter as a fraction of the raw delay (0-1).
	JitterFactor float64
	// IsRetryable decides whether an error consumes a retry. Nil retries every error.
	IsRetryable func(error) bool
}

// DefaultPolicy returns the policy used when nothing else is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0.1,
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	switch {
	case p.BaseDelay < 0:
		return errors.Join(ErrInvalidPolicy, errors.New("base delay must not be negative"))
	case p.BaseDelay > p.MaxDelay:
		return errors.Join(ErrInvalidPolicy, errors.New("base delay must not exceed max delay"))
	case !(p.BackoffMultiplier > 1):
		return errors.Join(ErrInvalidPolicy, errors.New("backoff multiplier must be greater than 1"))
	case p.JitterFactor < 0 || p.JitterFactor > 1:
		return errors.Join(ErrInvalidPolicy, errors.New("jitter factor must be within [0, 1]"))
	}

	return nil
}

// Retryable reports whether err should consume a retry under this policy.
func (p Policy) Retryable(err error) bool {
	if p.IsRetryable == nil {
		return true
	}

	return p.IsRetryable(err)
}

// Delay returns the wait before the retry that follows the given 1-based attempt.
// draw is a uniform random sample in [0, 1). Jitter is added before the cap,
// so the result never exceeds MaxDelay.
func (p Policy) Delay(attempt int, draw float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	raw := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	delay := raw + raw*p.JitterFactor*draw

	if math.IsNaN(delay) || delay >= float64(p.MaxDelay) {
		return p.MaxDelay
	}

	return time.Duration(delay)
}
