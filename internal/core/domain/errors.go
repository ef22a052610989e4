package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a categorized error code for execution operations
type ErrorCode string

const (
	CodeValidation             ErrorCode = "VALIDATION"
	CodeOrderNotFound          ErrorCode = "ORDER_NOT_FOUND"
	CodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	CodeInsufficientLiquidity  ErrorCode = "INSUFFICIENT_LIQUIDITY"
	CodeStaleOrderBook         ErrorCode = "STALE_ORDER_BOOK"
	CodeNoOrderBook            ErrorCode = "NO_ORDER_BOOK"
	CodeVenueNotFound          ErrorCode = "VENUE_NOT_FOUND"
	CodeRunNotFound            ErrorCode = "RUN_NOT_FOUND"
	CodeInsufficientData       ErrorCode = "INSUFFICIENT_DATA"
	CodeSliceFailed            ErrorCode = "SLICE_FAILED"
	CodeShutdown               ErrorCode = "SHUTDOWN"
)

// ErrorCategory groups related error codes
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "VALIDATION"
	CategoryState      ErrorCategory = "STATE"
	CategoryMarket     ErrorCategory = "MARKET"
	CategorySystem     ErrorCategory = "SYSTEM"
)

// ErrorSeverity indicates how urgently an error needs attention
type ErrorSeverity string

const (
	SeverityLow    ErrorSeverity = "LOW"
	SeverityMedium ErrorSeverity = "MEDIUM"
	SeverityHigh   ErrorSeverity = "HIGH"
)

// Sentinel errors. Match with errors.Is; *EngineError values compare equal to
// the sentinel carrying the same code.
var (
	ErrValidation             = &EngineError{Code: CodeValidation, Message: "validation failed"}
	ErrOrderNotFound          = &EngineError{Code: CodeOrderNotFound, Message: "order not found"}
	ErrInvalidStateTransition = &EngineError{Code: CodeInvalidStateTransition, Message: "invalid state transition"}
	ErrInsufficientLiquidity  = &EngineError{Code: CodeInsufficientLiquidity, Message: "insufficient liquidity"}
	ErrStaleOrderBook         = &EngineError{Code: CodeStaleOrderBook, Message: "order book is stale"}
	ErrNoOrderBook            = &EngineError{Code: CodeNoOrderBook, Message: "no order book for symbol"}
	ErrVenueNotFound          = &EngineError{Code: CodeVenueNotFound, Message: "venue not found"}
	ErrRunNotFound            = &EngineError{Code: CodeRunNotFound, Message: "execution run not found"}
	ErrInsufficientData       = &EngineError{Code: CodeInsufficientData, Message: "insufficient data"}
	ErrSliceFailed            = &EngineError{Code: CodeSliceFailed, Message: "slice execution failed"}
	ErrShutdown               = &EngineError{Code: CodeShutdown, Message: "component is shut down"}
)

// EngineError is the error type returned by every execution component.
type EngineError struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Operation string         `json:"operation,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Cause     error          `json:"-"`
}

// NewError creates an EngineError for the given code and operation
func NewError(code ErrorCode, operation, format string, args ...any) *EngineError {
	return &EngineError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// Validation is shorthand for a CodeValidation error
func Validation(operation, format string, args ...any) *EngineError {
	return NewError(CodeValidation, operation, format, args...)
}

// Error implements the error interface
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation: %s)", e.Operation)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches any EngineError with the same code
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail attaches a key/value pair for debugging
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// Category returns the category of the error code
func (e *EngineError) Category() ErrorCategory {
	switch e.Code {
	case CodeValidation:
		return CategoryValidation
	case CodeOrderNotFound, CodeInvalidStateTransition, CodeRunNotFound, CodeVenueNotFound:
		return CategoryState
	case CodeInsufficientLiquidity, CodeStaleOrderBook, CodeNoOrderBook, CodeInsufficientData:
		return CategoryMarket
	default:
		return CategorySystem
	}
}

// Severity returns the severity of the error code
func (e *EngineError) Severity() ErrorSeverity {
	switch e.Code {
	case CodeValidation, CodeOrderNotFound, CodeStaleOrderBook, CodeInsufficientData:
		return SeverityLow
	case CodeInvalidStateTransition, CodeInsufficientLiquidity, CodeNoOrderBook, CodeVenueNotFound, CodeRunNotFound:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// CodeOf extracts the error code from err, or "" when err is not an EngineError
func CodeOf(err error) ErrorCode {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
