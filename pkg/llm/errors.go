package llm

import (
	"context"
	"errors"
	"fmt"
)

// Error classes for gateway failures. Transient errors are retry-eligible at
// the stage level; permanent errors are not. A parse failure on a json_mode
// response is NOT a gateway error — the calling stage decides how to react.
var (
	ErrTransient = errors.New("transient llm error")
	ErrPermanent = errors.New("permanent llm error")
)

// Transient wraps err as a retry-eligible gateway failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Transientf formats a retry-eligible gateway failure.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Permanent wraps err as a non-retryable gateway failure.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Permanentf formats a non-retryable gateway failure.
func Permanentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err is retry-eligible. Context cancellation is
// not transient — it propagates as cancellation, never as a retry.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// ClassifyStatus maps an HTTP status code onto the gateway error classes.
// Network errors and 5xx/429 are transient; other 4xx (auth, bad request)
// are permanent.
func ClassifyStatus(status int, body string) error {
	switch {
	case status == 429:
		return Transientf("rate limited (429): %s", body)
	case status >= 500:
		return Transientf("server error (%d): %s", status, body)
	default:
		return Permanentf("request rejected (%d): %s", status, body)
	}
}
