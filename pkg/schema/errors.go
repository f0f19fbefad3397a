package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeDanglingDependency    = "DANGLING_DEPENDENCY"
	ErrCodeInvalidDecision       = "INVALID_DECISION"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeCycleDetected         = "CYCLE_DETECTED"
	ErrCodeWorkerExecution       = "WORKER_EXECUTION"
	ErrCodeCapabilityUnavailable = "CAPABILITY_UNAVAILABLE"
	ErrCodeOracleTimeout         = "ORACLE_TIMEOUT"
	ErrCodeOracleFailed          = "ORACLE_FAILED"
	ErrCodeSystemicBlock         = "SYSTEMIC_BLOCK"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeStore                 = "STORE_ERROR"
	ErrCodeExpression            = "EXPRESSION_ERROR"
	ErrCodePathDenied            = "PATH_DENIED"
)

// ConductorError is the structured error type used across the orchestrator.
type ConductorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	ItemID  string         `json:"item_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConductorError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("[%s] item %s: %s", e.Code, e.ItemID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConductorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConductorError.
func NewError(code, message string) *ConductorError {
	return &ConductorError{Code: code, Message: message}
}

// NewErrorf creates a new ConductorError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConductorError {
	return &ConductorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithItem attaches an agenda item ID to the error.
func (e *ConductorError) WithItem(itemID string) *ConductorError {
	e.ItemID = itemID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConductorError) WithCause(err error) *ConductorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConductorError) WithDetails(details map[string]any) *ConductorError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first ConductorError in err's chain, or "".
func ErrorCode(err error) string {
	var ce *ConductorError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
