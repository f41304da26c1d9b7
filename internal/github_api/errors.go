package githubapi

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
)

// ErrAuth marks credential or permission failures. They are never retried.
var ErrAuth = errors.New("github authentication or permission failure")

// RateLimitError means the remote refused the call until ResetAt.
// A zero ResetAt means the remote did not say when.
type RateLimitError struct {
	ResetAt   time.Time
	Limit     int
	Remaining int
	Secondary bool
	Message   string
}

func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("github rate limit exceeded: %s", e.Message)
	}
	return fmt.Sprintf("github rate limit exceeded until %s: %s", e.ResetAt.Format(time.RFC3339), e.Message)
}

var (
	retryAfterPattern = regexp.MustCompile(`(?i)retry[ -]after[:]?\s*(\d+)\s*(?:s\b|sec|seconds?)?`)
	resetInPattern    = regexp.MustCompile(`(?i)reset(?:s)? in\s*(\d+)\s*(?:s\b|sec|seconds?)`)
	resetAtPattern    = regexp.MustCompile(`(?i)x-ratelimit-reset[:=]?\s*(\d{9,})`)
	rateLimitPhrase   = regexp.MustCompile(`(?i)rate limit|too many requests|abuse detection`)
)

// ResetFromMessage extracts a reset time from an error message.
func ResetFromMessage(msg string, now time.Time) (time.Time, bool) {
	if m := resetAtPattern.FindStringSubmatch(msg); m != nil {
		if unix, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return time.Unix(unix, 0).UTC(), true
		}
	}
	for _, p := range []*regexp.Regexp{retryAfterPattern, resetInPattern} {
		if m := p.FindStringSubmatch(msg); m != nil {
			if secs, err := strconv.Atoi(m[1]); err == nil {
				return now.Add(time.Duration(secs) * time.Second).UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// AsRateLimit reports whether err is a rate-limit signal, either typed or
// carried in a message.
func AsRateLimit(err error, now time.Time) (*RateLimitError, bool) {
	if err == nil {
		return nil, false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	msg := err.Error()
	reset, hasReset := ResetFromMessage(msg, now)
	if !hasReset && !rateLimitPhrase.MatchString(msg) {
		return nil, false
	}
	return &RateLimitError{ResetAt: reset, Message: msg}, true
}

// classify turns a go-github error into the package's taxonomy.
func classify(err error, now time.Time) error {
	var primary *github.RateLimitError
	if errors.As(err, &primary) {
		return &RateLimitError{
			ResetAt:   primary.Rate.Reset.Time.UTC(),
			Limit:     primary.Rate.Limit,
			Remaining: primary.Rate.Remaining,
			Message:   primary.Message,
		}
	}

	var secondary *github.AbuseRateLimitError
	if errors.As(err, &secondary) {
		rl := &RateLimitError{Secondary: true, Message: secondary.Message}
		if secondary.RetryAfter != nil {
			rl.ResetAt = now.Add(*secondary.RetryAfter).UTC()
		} else if reset, ok := ResetFromMessage(secondary.Message, now); ok {
			rl.ResetAt = reset
		}
		return rl
	}

	var resp *github.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil {
		status := resp.Response.StatusCode
		if status == http.StatusTooManyRequests || (status == http.StatusForbidden && rateLimitPhrase.MatchString(resp.Message)) {
			rl := &RateLimitError{Message: resp.Message}
			if reset, ok := resetFromHeaders(resp.Response.Header, now); ok {
				rl.ResetAt = reset
			} else if reset, ok := ResetFromMessage(resp.Message, now); ok {
				rl.ResetAt = reset
			}
			return rl
		}
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			where := strconv.Itoa(status)
			if req := resp.Response.Request; req != nil {
				where = req.Method + " " + req.URL.Path
			}
			return fmt.Errorf("%s: %s: %w", where, strings.TrimSpace(resp.Message), ErrAuth)
		}
	}
	return err
}

func resetFromHeaders(h http.Header, now time.Time) (time.Time, bool) {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return now.Add(time.Duration(secs) * time.Second).UTC(), true
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(unix, 0).UTC(), true
		}
	}
	return time.Time{}, false
}
