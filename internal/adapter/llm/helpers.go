package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/tracer"
)

// maxErrorDetail caps how much of an upstream error body ends up in logs.
const maxErrorDetail = 512

// logChatCompleted logs the standard debug message after a successful LLM chat.
func logChatCompleted(logger *slog.Logger, providerName string, result *domain.ChatResponse) {
	logger.Debug("llm chat completed",
		"provider", providerName,
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// mapHTTPError maps an HTTP status code and upstream message to a domain
// error. The "API error NNN:" prefix is what the agent's error classifier
// keys on when no sentinel matches.
func mapHTTPError(statusCode int, body string) error {
	body = strings.TrimSpace(body)
	if len(body) > maxErrorDetail {
		body = body[:maxErrorDetail] + "..."
	}
	detail := fmt.Sprintf("API error %d: %s", statusCode, body)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge, statusCode == http.StatusBadRequest && mentionsContextLimit(body):
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrProviderFailure, detail)
	default:
		return fmt.Errorf("%s", detail)
	}
}

// mentionsContextLimit reports whether a 400 body is a prompt-too-long
// rejection rather than a malformed request.
func mentionsContextLimit(body string) bool {
	lower := strings.ToLower(body)
	for _, kw := range []string{"context length", "context window", "maximum context", "too many tokens", "prompt is too long"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
