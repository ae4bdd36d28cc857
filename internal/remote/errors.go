package remote

import (
	"context"
	"errors"
	"fmt"
)

// NetworkError is a transient failure: the store was unreachable, timed out,
// or answered with a status that may succeed on retry.
type NetworkError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectionError is a permanent refusal of a request by the store, such as a
// validation failure or a conflict.
type RejectionError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("remote %s rejected: %s", e.Op, e.Message)
}

// IsRetryable reports whether err may succeed if the call is repeated.
// Context cancellation counts as retryable: the outcome is unknown.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return false
	}
	return true
}

// StatusCode extracts the HTTP status from a remote error, or 0.
func StatusCode(err error) int {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.StatusCode
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.StatusCode
	}
	return 0
}

// Unreachable reports whether err is a transport failure: no response was
// received at all. A canceled caller is not an unreachable store.
func Unreachable(err error) bool {
	var ne *NetworkError
	if !errors.As(err, &ne) || ne.StatusCode != 0 {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
