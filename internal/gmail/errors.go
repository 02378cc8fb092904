package gmail

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/matheus3301/gmarchive/internal/mailbox"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Reasons Gmail reports on 403 when quota, not permission, is the problem.
var rateLimitReasons = []string{"rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded"}

// mapError translates API errors into the mailbox taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	// Token source failures arrive already classified.
	if mailbox.IsAuth(err) || mailbox.IsRetryable(err) {
		return err
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && (rerr.Response.StatusCode == http.StatusTooManyRequests || rerr.Response.StatusCode >= http.StatusInternalServerError) {
			return &mailbox.RateLimitedError{Reason: "token endpoint unavailable", Err: err}
		}
		return &mailbox.AuthError{Err: err}
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}

	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}
	switch {
	case gerr.Code == http.StatusUnauthorized:
		return &mailbox.AuthError{Err: err}
	case gerr.Code == http.StatusNotFound:
		return fmt.Errorf("%w: %w", mailbox.ErrNotFound, err)
	case gerr.Code == http.StatusTooManyRequests,
		gerr.Code == http.StatusForbidden && slices.Contains(rateLimitReasons, reason):
		return &mailbox.RateLimitedError{RetryAfter: retryAfter(gerr.Header), Reason: reason, Err: err}
	case gerr.Code == http.StatusForbidden:
		return &mailbox.AuthError{Err: err}
	case gerr.Code >= http.StatusInternalServerError:
		return &mailbox.RateLimitedError{RetryAfter: retryAfter(gerr.Header), Reason: "server error", Err: err}
	}
	return err
}

// retryAfter parses a Retry-After header in seconds or HTTP-date form.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
