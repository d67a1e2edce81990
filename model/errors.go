package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientError wraps a provider failure that is worth retrying: rate
// limits, 5xx responses, timeouts, dropped connections. The node event loop
// retries transient errors with exponential backoff; anything else fails
// the turn immediately.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient llm error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// MarkTransient wraps err as retryable. Returns nil for nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// Transient reports whether err should be retried. Context cancellation is
// never transient: a cancelled node must stop, not retry.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// TransientStatus reports whether an HTTP status from a provider warrants a
// retry. Shared by the provider adapters.
func TransientStatus(status int) bool {
	switch status {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
