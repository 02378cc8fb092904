package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the message vanished between listing and fetch.
	ErrNotFound = errors.New("mailbox: message not found")
	// ErrCursorExpired means the listing watermark or page token can no longer
	// be resumed and a full pass is required.
	ErrCursorExpired = errors.New("mailbox: cursor expired")
)

// RateLimitedError asks the caller to retry after backing off.
// Server-side transient failures are reported the same way.
type RateLimitedError struct {
	RetryAfter time.Duration
	Reason     string
	Err        error
}

func (e *RateLimitedError) Error() string {
	msg := "mailbox: rate limited"
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// AuthError means the credentials were rejected.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "mailbox: authentication failed"
	}
	return "mailbox: authentication failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuth reports whether err is an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRetryable reports whether err should be retried with backoff.
// Call timeouts are treated like rate limiting.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl) || errors.Is(err, context.DeadlineExceeded)
}

// RetryAfter returns the server's retry hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
