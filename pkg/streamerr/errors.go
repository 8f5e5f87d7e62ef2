// Package streamerr provides structured error classification and retry
// configuration for the streaming collaborator boundary.
package streamerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorType represents categories of stream failures for retry logic.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeRateLimit represents rate limiting errors (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeEmptyResponse represents HTTP 200 but no content errors.
	ErrorTypeEmptyResponse
	// ErrorTypeRuntimeNotReady represents a workspace runtime that has not finished provisioning.
	ErrorTypeRuntimeNotReady
	// ErrorTypeUnknown represents default for unclassified errors.
	ErrorTypeUnknown

	// Non-retryable error types.

	// ErrorTypeAuth represents authentication errors (401/403, bad API key).
	ErrorTypeAuth
	// ErrorTypeBadRequest represents malformed request errors (violates policy, invalid params).
	ErrorTypeBadRequest
	// ErrorTypeContextExceeded represents prompt-too-long failures. Handled by
	// the escalation ladder before ordinary retry classification sees it.
	ErrorTypeContextExceeded
	// ErrorTypeAborted represents a caller-initiated interruption.
	ErrorTypeAborted
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeRuntimeNotReady:
		return "runtime_not_ready"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadRequest:
		return "bad_request"
	case ErrorTypeContextExceeded:
		return "context_exceeded"
	case ErrorTypeAborted:
		return "aborted"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// RetryConfig defines exponential backoff configuration for an error type.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Initial delay for exponential backoff
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Add random jitter to prevent thundering herd
}

// DefaultRetryConfigs provides default retry configurations for each error type.
//
//nolint:gochecknoglobals // Configuration map - acceptable for package defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeRateLimit: {
		MaxRetries:    6,
		InitialDelay:  1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeTransient: {
		MaxRetries:    4,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeEmptyResponse: {
		MaxRetries:    5,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeRuntimeNotReady: {
		MaxRetries:    8,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 1.5,
		Jitter:        true,
	},
	ErrorTypeUnknown: {
		MaxRetries:    1,
		InitialDelay:  1 * time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
}

// Error represents a classified stream failure with retry metadata.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("stream error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("stream error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("stream error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether this error type should be retried.
// Uses blocklist approach: everything is retryable UNLESS explicitly non-retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadRequest, ErrorTypeContextExceeded, ErrorTypeAborted:
		return false
	default:
		return true
	}
}

// GetRetryConfig returns the retry configuration for this error type.
func (e *Error) GetRetryConfig() RetryConfig {
	if config, exists := DefaultRetryConfigs[e.Type]; exists {
		return config
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var streamErr *Error
	if errors.As(err, &streamErr) {
		return streamErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not classified.
func TypeOf(err error) ErrorType {
	var streamErr *Error
	if errors.As(err, &streamErr) {
		return streamErr.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable reports retryability for any error; unclassified errors fall
// back to ErrorTypeUnknown semantics (retryable once).
func IsRetryable(err error) bool {
	var streamErr *Error
	if errors.As(err, &streamErr) {
		return streamErr.IsRetryable()
	}
	return true
}

// GetRetryConfig returns the retry tuning for the error's type, or nil when
// no tuning is defined for it.
func GetRetryConfig(err error) *RetryConfig {
	if cfg, ok := DefaultRetryConfigs[TypeOf(err)]; ok {
		return &cfg
	}
	return nil
}

// NewError creates a new classified stream error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithStatus creates a new classified stream error with HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewErrorWithCause creates a new classified stream error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// ClassifyHTTP maps an HTTP status code and response snippet to an error type.
func ClassifyHTTP(statusCode int, body string) *Error {
	lower := strings.ToLower(body)
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewErrorWithStatus(ErrorTypeAuth, statusCode, body)
	case statusCode == http.StatusTooManyRequests:
		return NewErrorWithStatus(ErrorTypeRateLimit, statusCode, body)
	case statusCode == http.StatusBadRequest &&
		(strings.Contains(lower, "context") && (strings.Contains(lower, "exceed") || strings.Contains(lower, "too long") || strings.Contains(lower, "maximum"))):
		return NewErrorWithStatus(ErrorTypeContextExceeded, statusCode, body)
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return NewErrorWithStatus(ErrorTypeBadRequest, statusCode, body)
	case statusCode >= 500:
		return NewErrorWithStatus(ErrorTypeTransient, statusCode, body)
	default:
		return NewErrorWithStatus(ErrorTypeUnknown, statusCode, body)
	}
}

// Classify maps an arbitrary error into the taxonomy using message heuristics.
// Already-classified errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var streamErr *Error
	if errors.As(err, &streamErr) {
		return streamErr
	}

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ErrStreamAborted) || strings.Contains(msg, "context canceled") || strings.Contains(msg, "aborted"):
		return NewErrorWithCause(ErrorTypeAborted, err, "stream aborted")
	case strings.Contains(msg, "prompt is too long"),
		strings.Contains(msg, "context length"),
		strings.Contains(msg, "context window"),
		strings.Contains(msg, "maximum context"):
		return NewErrorWithCause(ErrorTypeContextExceeded, err, "context exceeded")
	case strings.Contains(msg, "api key"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "authentication"):
		return NewErrorWithCause(ErrorTypeAuth, err, "authentication failed")
	case strings.Contains(msg, "rate") && strings.Contains(msg, "limit"), strings.Contains(msg, "429"):
		return NewErrorWithCause(ErrorTypeRateLimit, err, "rate limited")
	case strings.Contains(msg, "runtime not ready"), strings.Contains(msg, "provisioning"):
		return NewErrorWithCause(ErrorTypeRuntimeNotReady, err, "runtime not ready")
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "temporarily"):
		return NewErrorWithCause(ErrorTypeTransient, err, "transient failure")
	case strings.Contains(msg, "empty response"):
		return NewErrorWithCause(ErrorTypeEmptyResponse, err, "empty response")
	default:
		return NewErrorWithCause(ErrorTypeUnknown, err, err.Error())
	}
}

// ErrStreamAborted is the sentinel for caller-initiated interruption.
var ErrStreamAborted = errors.New("stream aborted by caller")
