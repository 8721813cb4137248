// Package uxerror translates turn failures into terminal-friendly messages
// with recovery hints.
package uxerror

import (
	"errors"
	"fmt"
	"strings"

	"estate-ai/internal/adapter/tui/theme"
	"estate-ai/internal/domain"
)

// FriendlyError is a user-facing error with suggestions for recovery.
type FriendlyError struct {
	Title   string
	Message string
	Hints   []string
	Raw     string
}

// Render formats the FriendlyError for the message list.
func (fe FriendlyError) Render() string {
	var sb strings.Builder
	sb.WriteString(fe.Title)
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	if len(fe.Hints) > 0 {
		sb.WriteString("\n  Suggestions:")
		for _, h := range fe.Hints {
			fmt.Fprintf(&sb, "\n    %s %s", theme.SymbolBullet, h)
		}
	}
	return sb.String()
}

type errorPattern struct {
	match   func(err error) bool
	produce func(err error) FriendlyError
}

// Sentinels come first so that errors.Is sees through wrapping before any
// string matching happens.
var patterns = []errorPattern{
	{
		match: is(domain.ErrStoreUnavailable),
		produce: constantError("Conversation Store Unavailable",
			"The conversation history could not be read or saved.",
			[]string{"Check store.backend and its path or URL in config", "Try again once the store is reachable"}),
	},
	{
		match: is(domain.ErrInvalidConvID),
		produce: constantError("Invalid Conversation ID",
			"The conversation id contains characters that are not allowed.",
			[]string{"Use letters, digits, '-', '_' or '.' only"}),
	},
	{
		match: is(domain.ErrModelUnavailable),
		produce: constantError("Model Unavailable",
			"The language model did not answer.",
			[]string{"Check llm.providers in config", "Verify the provider API key"}),
	},
	{
		match: is(domain.ErrUpstreamUnavailable),
		produce: constantError("Listing Service Unavailable",
			"Property data could not be fetched.",
			[]string{"Check FIRECRAWL_API_KEY", "Try again in a minute"}),
	},
	{
		match: is(domain.ErrAuthInvalid),
		produce: constantError("Authentication Failed",
			"The API key or credentials were rejected.",
			[]string{"Check your API key environment variable", "Verify the key hasn't expired"}),
	},
	{
		match: is(domain.ErrRateLimit),
		produce: constantError("Rate Limited",
			"Too many requests were sent to the model provider.",
			[]string{"Wait a moment before retrying"}),
	},
	{
		match: containsAny("connection refused", "dial tcp", "no such host"),
		produce: constantError("Connection Failed",
			"Could not reach the remote service.",
			[]string{"Check your internet connection", "Verify the service URL in config"}),
	},
	{
		match: func(err error) bool {
			return errors.Is(err, domain.ErrTimeout) || containsAny("deadline exceeded", "timeout")(err)
		},
		produce: constantError("Request Timed Out",
			"The request took too long to complete.",
			[]string{"Try a narrower search", "Increase agent.timeout in config"}),
	},
}

// Humanize converts a raw error into a FriendlyError with recovery hints.
func Humanize(err error) FriendlyError {
	if err == nil {
		return FriendlyError{Title: "Unknown Error", Raw: "nil"}
	}
	for _, p := range patterns {
		if p.match(err) {
			return p.produce(err)
		}
	}
	return FriendlyError{
		Title:   "Unexpected Error",
		Message: err.Error(),
		Hints:   []string{"Try again", "Run with --log-level debug for more details"},
		Raw:     err.Error(),
	}
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// containsAny matches the error text case-insensitively.
func containsAny(substrs ...string) func(error) bool {
	return func(err error) bool {
		lower := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

func constantError(title, message string, hints []string) func(error) FriendlyError {
	return func(err error) FriendlyError {
		return FriendlyError{Title: title, Message: message, Hints: hints, Raw: err.Error()}
	}
}
