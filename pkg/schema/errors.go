package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeUnknownContentType = "UNKNOWN_CONTENT_TYPE"
	ErrCodeSignatureInvalid   = "SIGNATURE_INVALID"
	ErrCodeEventNotAllowed    = "EVENT_NOT_ALLOWED"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeVault              = "VAULT_ERROR"
	ErrCodeInterpolation      = "INTERPOLATION_ERROR"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeUpstream           = "UPSTREAM_ERROR"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
)

// ActError is the structured error type used across the engine.
type ActError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	ActID   string         `json:"act_id,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ActError) Error() string {
	switch {
	case e.ActID != "" && e.StepID != "":
		return fmt.Sprintf("[%s] act %s step %s: %s", e.Code, e.ActID, e.StepID, e.Message)
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	case e.ActID != "":
		return fmt.Sprintf("[%s] act %s: %s", e.Code, e.ActID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ActError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether an operation that failed with this error may
// succeed when attempted again.
func (e *ActError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeStore, ErrCodeUpstream, ErrCodeExecution:
		return true
	default:
		return false
	}
}

// NewError creates a new ActError.
func NewError(code, message string) *ActError {
	return &ActError{Code: code, Message: message}
}

// NewErrorf creates a new ActError with a formatted message.
func NewErrorf(code, format string, args ...any) *ActError {
	return &ActError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAct attaches an act ID to the error.
func (e *ActError) WithAct(actID string) *ActError {
	e.ActID = actID
	return e
}

// WithStep attaches a step ID to the error.
func (e *ActError) WithStep(stepID string) *ActError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *ActError) WithCause(err error) *ActError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ActError) WithDetails(details map[string]any) *ActError {
	e.Details = details
	return e
}

// HasCode reports whether err wraps an ActError with the given code.
func HasCode(err error, code string) bool {
	var actErr *ActError
	if errors.As(err, &actErr) {
		return actErr.Code == code
	}
	return false
}

// IsNotFound reports whether err wraps a NOT_FOUND ActError.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}
