package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeScript            = "SCRIPT_ERROR"
	ErrCodeScriptTimeout     = "SCRIPT_TIMEOUT"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeConfig            = "CONFIG_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// IntakeError is the structured error type shared by every engine component.
type IntakeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	HookID  string         `json:"hook_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *IntakeError) Error() string {
	switch {
	case e.HookID != "":
		return fmt.Sprintf("[%s] hook %s: %s", e.Code, e.HookID, e.Message)
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *IntakeError) Unwrap() error {
	return e.Cause
}

// NewError creates a new IntakeError.
func NewError(code, message string) *IntakeError {
	return &IntakeError{Code: code, Message: message}
}

// NewErrorf creates a new IntakeError with a formatted message.
func NewErrorf(code, format string, args ...any) *IntakeError {
	return &IntakeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *IntakeError) WithStep(stepID string) *IntakeError {
	e.StepID = stepID
	return e
}

// WithHook attaches a hook or effect ID to the error.
func (e *IntakeError) WithHook(hookID string) *IntakeError {
	e.HookID = hookID
	return e
}

// WithCause attaches an underlying cause.
func (e *IntakeError) WithCause(err error) *IntakeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *IntakeError) WithDetails(details map[string]any) *IntakeError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first IntakeError in err's chain, or "".
func CodeOf(err error) string {
	var ie *IntakeError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether a failed operation may succeed if attempted again.
// Dispatch failures, open circuits and store hiccups are transient; validation,
// configuration and script defects are not.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeDispatch, ErrCodeCircuitOpen, ErrCodeStore:
		return true
	}
	return false
}
