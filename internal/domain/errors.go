package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the orchestration core.
var (
	// Tool registry and dispatch.
	ErrUnknownTool     = fmt.Errorf("unknown tool")
	ErrDuplicateTool   = fmt.Errorf("duplicate tool")
	ErrRegistrySealed  = fmt.Errorf("tool registry is sealed")
	ErrInvalidToolArgs = fmt.Errorf("invalid tool arguments")

	// Property data gateway.
	ErrUpstreamUnavailable = fmt.Errorf("upstream unavailable")
	ErrUpstreamBadResponse = fmt.Errorf("upstream returned a malformed response")

	// Reasoning loop.
	ErrLoopLimitExceeded = fmt.Errorf("reasoning loop exceeded iteration cap")
	ErrTurnSuperseded    = fmt.Errorf("turn superseded by a newer message")
	ErrModelUnavailable  = fmt.Errorf("language model unavailable")

	// Conversation store.
	ErrStoreUnavailable  = fmt.Errorf("conversation store unavailable")
	ErrOrphanToolResult  = fmt.Errorf("tool result does not match an outstanding tool call")
	ErrInvalidMessage    = fmt.Errorf("invalid message")
	ErrInvalidConvID     = fmt.Errorf("invalid conversation id")
	ErrProviderNotFound  = fmt.Errorf("llm provider not found")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrChannelNotStarted = fmt.Errorf("channel not started")

	// Resilience errors raised by model providers.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrProviderFailure = fmt.Errorf("provider request failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Resolve")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRecoverable reports whether err belongs to the class of failures that
// stay inside the reasoning loop as error tool results.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrInvalidToolArgs) ||
		errors.Is(err, ErrUnknownTool) ||
		errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrUpstreamBadResponse) ||
		errors.Is(err, ErrNotFound)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeUnknownTool         ErrorCode = "UNKNOWN_TOOL"
	CodeDuplicateTool       ErrorCode = "DUPLICATE_TOOL"
	CodeRegistrySealed      ErrorCode = "REGISTRY_SEALED"
	CodeInvalidToolArgs     ErrorCode = "INVALID_TOOL_ARGS"
	CodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamBadResponse ErrorCode = "UPSTREAM_BAD_RESPONSE"
	CodeLoopLimitExceeded   ErrorCode = "LOOP_LIMIT_EXCEEDED"
	CodeTurnSuperseded      ErrorCode = "TURN_SUPERSEDED"
	CodeModelUnavailable    ErrorCode = "MODEL_UNAVAILABLE"
	CodeStoreUnavailable    ErrorCode = "STORE_UNAVAILABLE"
	CodeOrphanToolResult    ErrorCode = "ORPHAN_TOOL_RESULT"
	CodeInvalidMessage      ErrorCode = "INVALID_MESSAGE"
	CodeInvalidConvID       ErrorCode = "INVALID_CONVERSATION_ID"
	CodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeDecryption          ErrorCode = "DECRYPTION"
	CodeChannelNotStarted   ErrorCode = "CHANNEL_NOT_STARTED"
	CodeContextOverflow     ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeProviderFailure     ErrorCode = "PROVIDER_FAILURE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:            CodeNotFound,
	ErrTimeout:             CodeTimeout,
	ErrInvalidInput:        CodeInvalidInput,
	ErrUnknownTool:         CodeUnknownTool,
	ErrDuplicateTool:       CodeDuplicateTool,
	ErrRegistrySealed:      CodeRegistrySealed,
	ErrInvalidToolArgs:     CodeInvalidToolArgs,
	ErrUpstreamUnavailable: CodeUpstreamUnavailable,
	ErrUpstreamBadResponse: CodeUpstreamBadResponse,
	ErrLoopLimitExceeded:   CodeLoopLimitExceeded,
	ErrTurnSuperseded:      CodeTurnSuperseded,
	ErrModelUnavailable:    CodeModelUnavailable,
	ErrStoreUnavailable:    CodeStoreUnavailable,
	ErrOrphanToolResult:    CodeOrphanToolResult,
	ErrInvalidMessage:      CodeInvalidMessage,
	ErrInvalidConvID:       CodeInvalidConvID,
	ErrProviderNotFound:    CodeProviderNotFound,
	ErrConfigLoad:          CodeConfigLoad,
	ErrDecryption:          CodeDecryption,
	ErrChannelNotStarted:   CodeChannelNotStarted,
	ErrContextOverflow:     CodeContextOverflow,
	ErrRateLimit:           CodeRateLimit,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrProviderFailure:     CodeProviderFailure,
}

// codePrecedence lists sentinels checked in order when an error wraps more
// than one of them (e.g. an orphan result surfaced as a store failure).
var codePrecedence = []error{
	ErrStoreUnavailable,
	ErrOrphanToolResult,
	ErrLoopLimitExceeded,
	ErrTurnSuperseded,
	ErrInvalidToolArgs,
	ErrUnknownTool,
	ErrDuplicateTool,
	ErrUpstreamUnavailable,
	ErrUpstreamBadResponse,
	ErrModelUnavailable,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, sentinel := range codePrecedence {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return ErrorCodeOf(e.Err)
}
