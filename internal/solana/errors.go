package solana

import (
	"errors"
	"fmt"
)

// Transport errors.
var (
	// ErrNotConnected is returned by Send when the transport is not open.
	ErrNotConnected = errors.New("transport not connected")

	// ErrTransportClosed is returned after Close has been called.
	ErrTransportClosed = errors.New("transport closed")

	// ErrSendQueueFull is returned when the outbound queue cannot take more frames.
	ErrSendQueueFull = errors.New("transport send queue full")

	// ErrMaxRetriesExceeded signals that the reconnect budget is spent.
	ErrMaxRetriesExceeded = errors.New("transport max reconnect retries exceeded")
)

// UpstreamError is a non-retryable error reported by the RPC endpoint.
type UpstreamError struct {
	Code    int
	Message string
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// RateLimitError means the endpoint signaled quota exhaustion.
type RateLimitError struct {
	Status int
	Body   string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (status %d)", e.Status)
}

// TransientError wraps network, timeout and 5xx failures.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RetriesExhaustedError is returned once the retry budget of a call is spent.
type RetriesExhaustedError struct {
	Method   string
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Method, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// IsRateLimited reports whether err is, or wraps, a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
