package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/voxpoll/pkg/errorsx"
)

type TimeoutError struct {
	Provider      string
	CorrelationID string
	After         time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("llm %s: timed out after %s (correlation_id=%s)", e.Provider, e.After, e.CorrelationID)
}

func (e TimeoutError) Unwrap() error { return context.DeadlineExceeded }

type RateLimitError struct {
	Provider      string
	CorrelationID string
	RetryAfter    time.Duration
	Attempts      int
	Message       string
}

func (e RateLimitError) Error() string {
	msg := fmt.Sprintf("llm %s: rate limited", e.Provider)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

type AuthenticationError struct {
	Provider      string
	CorrelationID string
	Message       string
}

func (e AuthenticationError) Error() string {
	return fmt.Sprintf("llm %s: authentication failed: %s", e.Provider, e.Message)
}

type ProviderError struct {
	Provider      string
	CorrelationID string
	Status        int
	Message       string
}

func (e ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm %s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("llm %s: %s", e.Provider, e.Message)
}

func IsTimeout(err error) bool {
	var t TimeoutError
	return errors.As(err, &t)
}

func IsRateLimit(err error) bool {
	var r RateLimitError
	return errors.As(err, &r)
}

func IsAuthentication(err error) bool {
	var a AuthenticationError
	return errors.As(err, &a)
}

func IsProvider(err error) bool {
	var p ProviderError
	return errors.As(err, &p)
}

// ReasonCode maps a gateway error onto the reason recorded for a failed dialogue.
func ReasonCode(err error) errorsx.ReasonCode {
	switch {
	case err == nil:
		return ""
	case IsTimeout(err):
		return errorsx.ReasonLLMTimeout
	case IsRateLimit(err):
		return errorsx.ReasonLLMRateLimit
	case IsAuthentication(err):
		return errorsx.ReasonLLMAuth
	default:
		return errorsx.ReasonLLMProvider
	}
}

// FromStatus turns a non-2xx provider reply into the matching typed error.
func FromStatus(provider, correlationID string, status int, header http.Header, body string) error {
	body = strings.TrimSpace(body)
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimitError{Provider: provider, CorrelationID: correlationID, RetryAfter: ParseRetryAfter(header), Message: body}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthenticationError{Provider: provider, CorrelationID: correlationID, Message: body}
	default:
		return ProviderError{Provider: provider, CorrelationID: correlationID, Status: status, Message: body}
	}
}

// ParseRetryAfter reads the Retry-After header in either seconds or HTTP-date form.
func ParseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
