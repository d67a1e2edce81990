package graph

import (
	"math/rand"
	"time"
)

// RetryPolicy configures exponential-backoff retry for transient LLM
// failures inside the node event loop.
//
// The delay before attempt n is min(BaseDelay * 2^n, MaxDelay) plus a random
// jitter in [0, BaseDelay) to avoid synchronized retry storms.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the base for the exponential calculation.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches the runtime defaults: three retries, one second
// base, thirty second cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// computeBackoff calculates the delay before a retry.
//
// delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// attempt is zero-based. A nil rng falls back to the global source; jitter
// here times retries, it is not security sensitive.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	exponentialDelay := base * (1 << attempt)
	if exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing jitter
	}
	return exponentialDelay + jitter
}
