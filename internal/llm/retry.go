package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// retryableError marks errors worth another attempt: network failures,
// rate limiting and server errors.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// IsRetryable reports whether err (or anything it wraps) is transient.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// StatusError is a non-2xx API answer.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// classifyStatus turns an HTTP status into nil, a retryable error or a
// permanent StatusError.
func classifyStatus(code int, message string) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		return &retryableError{err: &StatusError{StatusCode: code, Message: "rate limited"}}
	case code >= 500:
		return &retryableError{err: &StatusError{StatusCode: code, Message: message}}
	default:
		return &StatusError{StatusCode: code, Message: message}
	}
}

// withRetries runs do up to maxRetries+1 times with exponential backoff,
// stopping early on permanent errors or context cancellation.
func withRetries(ctx context.Context, maxRetries int, base time.Duration, do func(context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := base * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			}
		}

		out, err := do(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return "", err
		}
	}
	return "", &retryableError{err: fmt.Errorf("max retries exceeded: %w", lastErr)}
}
