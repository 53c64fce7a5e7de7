package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates failure classes so callers never have to inspect
// error strings to decide control flow.
type Kind int

const (
	// KindFatal is any provider failure that retrying will not fix.
	KindFatal Kind = iota
	// KindRetryable marks rate-limit failures.
	KindRetryable
	// KindUnavailable marks backends with no credentials configured.
	KindUnavailable
)

// RateLimitError is returned on HTTP 429 or a rate-limit shaped message.
type RateLimitError struct {
	Provider Name
	Model    string
	Status   int
	Message  string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited (model %s, status %d): %s", e.Provider, e.Model, e.Status, e.Message)
}

// APIError is a non-retryable failure reported by the backend.
type APIError struct {
	Provider Name
	Model    string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s error (model %s, status %d): %s", e.Provider, e.Model, e.Status, e.Message)
}

// UnavailableError means the backend has no API key configured.
type UnavailableError struct {
	Provider Name
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s is not configured", e.Provider)
}

// Classify maps an error onto its Kind. Unknown errors are fatal.
func Classify(err error) Kind {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRetryable
	}
	var ua *UnavailableError
	if errors.As(err, &ua) {
		return KindUnavailable
	}
	return KindFatal
}

// rateLimited reports whether a backend response should be treated as a
// rate limit: either the status code or a message that names one.
func rateLimited(status int, message string) bool {
	if status == 429 {
		return true
	}
	m := strings.ToLower(message)
	return strings.Contains(m, "rate_limit") || strings.Contains(m, "rate limit")
}
