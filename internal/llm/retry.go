package llm

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how chat calls are retried on transient failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts per call, including
	// the first.
	MaxAttempts int

	// InitialBackoff is the wait after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// BackoffMultiplier is applied to the wait on each retry.
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns sensible retry defaults for model calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       4,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// normalized fills zero fields with defaults so a partially-populated policy
// from config still behaves.
func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	return p
}

// Backoff computes the wait before the attempt after the given one
// (1-indexed). The wait grows geometrically from InitialBackoff, is capped
// at MaxBackoff, and carries +/-25% jitter so concurrent agents do not
// retry in lockstep.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= p.BackoffMultiplier
	}

	backoff := time.Duration(float64(p.InitialBackoff) * multiplier)
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// ExhaustedError reports that every attempt failed. It wraps the last
// classified failure.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("llm: giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
