package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrServiceUnavailable means the embedding service could not produce
	// vectors after bounded retries. Callers abort the current operation.
	ErrServiceUnavailable = errors.New("embedding service unavailable")
	// ErrInputRejected means the service refused the input itself. Callers
	// skip the offending text and continue.
	ErrInputRejected = errors.New("embedding input rejected")
	// ErrMalformedResponse marks responses that do not match the request.
	// It is retried like a transient failure.
	ErrMalformedResponse = errors.New("malformed embedding response")
)

// RetryClass indicates whether an error should be retried.
type RetryClass string

const (
	RetryClassRetryable    RetryClass = "retryable"     // Definitely retry
	RetryClassMaybe        RetryClass = "maybe"         // Retry with caution (limited attempts)
	RetryClassNonRetryable RetryClass = "non_retryable" // Never retry
)

// Error is returned by Client for failed batches. It unwraps to both its
// Kind sentinel and the underlying cause.
type Error struct {
	Kind     error // ErrServiceUnavailable or ErrInputRejected
	Index    int   // offending input when known, otherwise -1
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Index >= 0 {
		fmt.Fprintf(&b, " (input %d)", e.Index)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// StatusError is an HTTP-level failure reported by a provider.
type StatusError struct {
	StatusCode int
	Message    string
	RetryAfter string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("embedding request failed with status %d: %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("embedding request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("embedding request failed with status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

// inputStatus reports statuses that blame the request content.
func inputStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// Classify decides how a provider error is retried.
func Classify(err error) RetryClass {
	if err == nil {
		return RetryClassNonRetryable
	}

	var status *StatusError
	if errors.As(err, &status) && status.StatusCode != 0 {
		switch {
		case status.StatusCode == http.StatusTooManyRequests,
			status.StatusCode == http.StatusRequestTimeout,
			status.StatusCode >= 500:
			return RetryClassRetryable
		default:
			return RetryClassNonRetryable
		}
	}

	if errors.Is(err, ErrMalformedResponse) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return RetryClassRetryable
	}
	if errors.Is(err, context.Canceled) {
		return RetryClassNonRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return RetryClassRetryable
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "temporary failure") {
		return RetryClassRetryable
	}

	return RetryClassMaybe
}

// kindOf maps a final error to the sentinel callers branch on.
func kindOf(err error) error {
	var status *StatusError
	if errors.As(err, &status) && inputStatus(status.StatusCode) {
		return ErrInputRejected
	}
	return ErrServiceUnavailable
}

// retryAfter extracts a Retry-After delay from a provider error.
func retryAfter(err error) time.Duration {
	var status *StatusError
	if !errors.As(err, &status) || status.RetryAfter == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(status.RetryAfter, "%d", &seconds); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(status.RetryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
