// Package errors provides a structured error system for graphfs with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for graphfs operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Storage Device Errors
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite   ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageClosed  ErrorCode = "STORAGE_CLOSED"
	ErrCodeNetworkError   ErrorCode = "NETWORK_ERROR"
	ErrCodeCircuitOpen    ErrorCode = "CIRCUIT_OPEN"

	// Resource Exhaustion Errors
	ErrCodeOutOfMemory ErrorCode = "OUT_OF_MEMORY"
	ErrCodeCacheFull   ErrorCode = "CACHE_FULL"
	ErrCodeNoGap       ErrorCode = "NO_GAP"

	// Precondition Errors
	ErrCodeOutOfRange      ErrorCode = "OUT_OF_RANGE"
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeInvalidFlag     ErrorCode = "INVALID_FLAG"
	ErrCodeInactiveElement ErrorCode = "INACTIVE_ELEMENT"

	// State Management Errors
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Operation Outcomes
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeWindowExhausted   ErrorCode = "WINDOW_EXHAUSTED"
	ErrCodeCallbackFailed    ErrorCode = "CALLBACK_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Internal System Errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
	ErrCodeUnknownError   ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryResource      ErrorCategory = "resource"
	CategoryPrecondition  ErrorCategory = "precondition"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// GraphFSError represents a structured error with context and metadata.
type GraphFSError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *GraphFSError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *GraphFSError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a GraphFSError carrying the same code.
func (e *GraphFSError) Is(target error) bool {
	if t, ok := target.(*GraphFSError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *GraphFSError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("GraphFSError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *GraphFSError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new graphfs error with default values.
func NewError(code ErrorCode, message string) *GraphFSError {
	return &GraphFSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new graphfs error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *GraphFSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeMissingConfig, ErrCodeConfigValidation,
		ErrCodeConfigLoad, ErrCodeConfigSave:
		return CategoryConfiguration
	case ErrCodeObjectNotFound, ErrCodeStorageRead, ErrCodeStorageWrite,
		ErrCodeStorageClosed, ErrCodeNetworkError, ErrCodeCircuitOpen:
		return CategoryStorage
	case ErrCodeOutOfMemory, ErrCodeCacheFull, ErrCodeNoGap:
		return CategoryResource
	case ErrCodeOutOfRange, ErrCodeInvalidArgument, ErrCodeInvalidFlag, ErrCodeInactiveElement:
		return CategoryPrecondition
	case ErrCodeAlreadyStarted, ErrCodeNotInitialized, ErrCodeInvalidState, ErrCodeShutdownInProgress:
		return CategoryState
	case ErrCodeOperationTimeout, ErrCodeOperationCanceled, ErrCodeWindowExhausted,
		ErrCodeCallbackFailed, ErrCodeRetryExhausted:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeNetworkError:     true,
		ErrCodeStorageRead:      true,
		ErrCodeStorageWrite:     true,
		ErrCodeOperationTimeout: true,
		ErrCodeInternalError:    true,
	}
	return retryableCodes[code]
}

// IsCode reports whether err, or any error it wraps, is a GraphFSError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var gerr *GraphFSError
	if !stderr.As(err, &gerr) {
		return false
	}
	return gerr.Code == code
}

// CodeOf returns the code of the first GraphFSError in err's chain, or ErrCodeUnknownError.
func CodeOf(err error) ErrorCode {
	var gerr *GraphFSError
	if stderr.As(err, &gerr) {
		return gerr.Code
	}
	return ErrCodeUnknownError
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var gerr *GraphFSError
	if stderr.As(err, &gerr) {
		return gerr.Retryable
	}
	return false
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *GraphFSError) WithContext(key, value string) *GraphFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *GraphFSError) WithDetail(key string, value interface{}) *GraphFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *GraphFSError) WithComponent(component string) *GraphFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *GraphFSError) WithOperation(operation string) *GraphFSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *GraphFSError) WithCause(cause error) *GraphFSError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint
func (e *GraphFSError) WithRetryable(retryable bool) *GraphFSError {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *GraphFSError) WithStack() *GraphFSError {
	e.Stack = CaptureStack(2)
	return e
}
