package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	// KindTransient covers network trouble and 5xx responses. Retryable.
	KindTransient ErrorKind = "transient"
	// KindRateLimited is a 429. Retryable after the provider's wait.
	KindRateLimited ErrorKind = "rate_limited"
	// KindAuthFailure is a bad or missing credential. Not retryable.
	KindAuthFailure ErrorKind = "auth_failure"
	// KindQuotaExhausted means the account is out of credit. Not retryable.
	KindQuotaExhausted ErrorKind = "quota_exhausted"
	// KindMalformed covers rejected requests and responses that could not
	// be parsed as expected. Not retryable.
	KindMalformed ErrorKind = "malformed"
)

// ProviderError is a classified failure from the model provider.
type ProviderError struct {
	Kind ErrorKind
	// StatusCode is the HTTP status, or 0 if the failure never reached
	// the API.
	StatusCode int
	// RetryAfter is the provider-requested wait. Rate limits only.
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm: %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm: %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// Malformed wraps a response-parsing failure. Callers that demand structured
// output (the planner's task JSON, the reviewer's assessment) use this when
// the model's reply does not parse.
func Malformed(err error) *ProviderError {
	return &ProviderError{Kind: KindMalformed, Err: err}
}

// Classify maps an arbitrary error from a chat call to a ProviderError.
// Already-classified errors pass through unchanged.
func Classify(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		var retryAfter time.Duration
		if apierr.Response != nil {
			retryAfter = parseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return classifyStatus(apierr.StatusCode, retryAfter, err)
	}

	// No API response at all: connection resets, DNS, timeouts. Worth
	// another attempt.
	return &ProviderError{Kind: KindTransient, Err: err}
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(code int, retryAfter time.Duration, err error) *ProviderError {
	pe := &ProviderError{StatusCode: code, Err: err}
	switch {
	case code == http.StatusTooManyRequests:
		pe.Kind = KindRateLimited
		pe.RetryAfter = retryAfter
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		pe.Kind = KindAuthFailure
	case code == http.StatusPaymentRequired:
		pe.Kind = KindQuotaExhausted
	case code == http.StatusBadRequest && isQuotaMessage(err):
		// Anthropic reports an empty balance as a 400, not a 402.
		pe.Kind = KindQuotaExhausted
	case code == http.StatusRequestTimeout:
		pe.Kind = KindTransient
	case code >= 500:
		// Includes 529 (overloaded).
		pe.Kind = KindTransient
	default:
		pe.Kind = KindMalformed
	}
	return pe
}

func isQuotaMessage(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "credit balance")
}

// parseRetryAfter reads a Retry-After header value: either delay seconds or
// an HTTP date. Returns 0 when absent or unusable.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return 0
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
