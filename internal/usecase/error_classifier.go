package usecase

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"estate-ai/internal/domain"
)

// ErrorCategory says whether a failed model call is worth another attempt.
type ErrorCategory int

const (
	ErrorCategoryUnknown ErrorCategory = iota
	ErrorCategoryRetryable
	ErrorCategoryPermanent
)

// ClassifiedError is a model error with its retry category, the domain
// sentinel it maps to (nil when none) and the upstream HTTP status (0 when
// not known).
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error
	StatusCode int
}

func (c ClassifiedError) Retryable() bool {
	return c.Category == ErrorCategoryRetryable
}

// ErrorClassifier decides which model failures the agent retries.
type ErrorClassifier struct{}

func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

type rule struct {
	category ErrorCategory
	sentinel error
}

// sentinelRules are checked in order with errors.Is. Caller cancellation
// comes first so a superseded turn never retries.
var sentinelRules = []struct {
	target error
	rule
}{
	{context.Canceled, rule{ErrorCategoryPermanent, nil}},
	{domain.ErrTurnSuperseded, rule{ErrorCategoryPermanent, nil}},
	{context.DeadlineExceeded, rule{ErrorCategoryRetryable, domain.ErrTimeout}},
	{domain.ErrTimeout, rule{ErrorCategoryRetryable, domain.ErrTimeout}},
	{domain.ErrRateLimit, rule{ErrorCategoryRetryable, domain.ErrRateLimit}},
	{domain.ErrContextOverflow, rule{ErrorCategoryPermanent, domain.ErrContextOverflow}},
	{domain.ErrInvalidInput, rule{ErrorCategoryPermanent, domain.ErrInvalidInput}},
	{domain.ErrAuthInvalid, rule{ErrorCategoryPermanent, domain.ErrAuthInvalid}},
	{domain.ErrProviderNotFound, rule{ErrorCategoryPermanent, domain.ErrProviderNotFound}},
	{domain.ErrProviderFailure, rule{ErrorCategoryRetryable, domain.ErrProviderFailure}},
}

// textRules match lowercased error text from transports that return
// neither a sentinel nor an HTTP status.
var textRules = []struct {
	needles []string
	rule
}{
	{[]string{"rate limit", "too many requests"}, rule{ErrorCategoryRetryable, domain.ErrRateLimit}},
	{[]string{"context length", "token limit", "maximum context"}, rule{ErrorCategoryPermanent, domain.ErrContextOverflow}},
	{[]string{"connection refused", "connection reset", "no such host", "timeout", "deadline exceeded", "eof", "circuit breaker is open"}, rule{ErrorCategoryRetryable, nil}},
}

// statusPattern finds the "API error NNN:" marker the llm adapters embed.
var statusPattern = regexp.MustCompile(`API error (\d{3}):`)

// Classify inspects an error returned by a provider.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}
	msg := err.Error()
	out := ClassifiedError{Original: err, StatusCode: statusOf(msg)}

	r, ok := matchSentinel(err)
	if !ok && out.StatusCode != 0 {
		r, ok = byStatus(out.StatusCode, msg), true
	}
	if !ok {
		r = matchText(strings.ToLower(msg))
	}
	out.Category, out.Sentinel = r.category, r.sentinel
	return out
}

func statusOf(msg string) int {
	m := statusPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

func matchSentinel(err error) (rule, bool) {
	for _, s := range sentinelRules {
		if errors.Is(err, s.target) {
			return s.rule, true
		}
	}
	return rule{}, false
}

func byStatus(code int, msg string) rule {
	switch {
	case code == 429:
		return rule{ErrorCategoryRetryable, domain.ErrRateLimit}
	case code == 401, code == 403:
		return rule{ErrorCategoryPermanent, domain.ErrAuthInvalid}
	case code == 413:
		return rule{ErrorCategoryPermanent, domain.ErrContextOverflow}
	case code == 400:
		if r := matchText(strings.ToLower(msg)); r.sentinel == domain.ErrContextOverflow {
			return r
		}
		return rule{ErrorCategoryPermanent, domain.ErrInvalidInput}
	case code == 408, code >= 500 && code < 600:
		return rule{ErrorCategoryRetryable, domain.ErrProviderFailure}
	default:
		return rule{ErrorCategoryPermanent, nil}
	}
}

func matchText(lower string) rule {
	for _, t := range textRules {
		for _, n := range t.needles {
			if strings.Contains(lower, n) {
				return t.rule
			}
		}
	}
	return rule{ErrorCategoryUnknown, nil}
}
