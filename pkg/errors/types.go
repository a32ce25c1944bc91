package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType int

const (
	// ErrorTypeTransport indicates a transport layer error
	ErrorTypeTransport ErrorType = iota
	// ErrorTypeProtocol indicates a malformed frame or payload
	ErrorTypeProtocol
	// ErrorTypeNotFound indicates a not found error
	ErrorTypeNotFound
	// ErrorTypeUnauthorized indicates a handshake authentication failure
	ErrorTypeUnauthorized
	// ErrorTypeForbidden indicates an access policy denial
	ErrorTypeForbidden
	// ErrorTypeUnavailable indicates a degraded external dependency
	ErrorTypeUnavailable
	// ErrorTypeHandler indicates a failure inside an event handler
	ErrorTypeHandler
	// ErrorTypeFatal indicates the gateway cannot start
	ErrorTypeFatal
	// ErrorTypeInternal indicates an internal error
	ErrorTypeInternal
	// ErrorTypeTimeout indicates a timeout error
	ErrorTypeTimeout
	// ErrorTypeValidation indicates a validation error
	ErrorTypeValidation
	// ErrorTypeRateLimited indicates the sender exceeded its event budget
	ErrorTypeRateLimited
)

// Error codes shared across packages.
const (
	CodeAuthFailed           = "AUTH_FAILED"
	CodeAuthTimeout          = "AUTH_TIMEOUT"
	CodeAccessDenied         = "ACCESS_DENIED"
	CodeBackplaneUnavailable = "BACKPLANE_UNAVAILABLE"
	CodeHandlerFailed        = "HANDLER_FAILED"
	CodeFatalInit            = "FATAL_INIT"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodeUnknownEvent         = "UNKNOWN_EVENT"
	CodeNotInRoom            = "NOT_IN_ROOM"
	CodeRateLimited          = "RATE_LIMITED"
	CodeUnknownNamespace     = "UNKNOWN_NAMESPACE"
	CodeShuttingDown         = "SHUTTING_DOWN"
	CodeRegisterFailed       = "REGISTER_FAILED"
	CodeStoreUnavailable     = "STORE_UNAVAILABLE"
	CodeNotificationNotFound = "NOTIFICATION_NOT_FOUND"
	CodeInvalidEnvelope      = "INVALID_ENVELOPE"
	CodeMarshalFailed        = "MARSHAL_ERROR"
	CodeInternal             = "INTERNAL"
)

// Error represents a structured error with metadata
type Error struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Message, e.Details, e.Cause)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same type and code.
// A target with an empty code matches on type alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Type == t.Type
	}
	return e.Type == t.Type && e.Code == t.Code
}

// New creates a new error
func New(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

// WithDetails adds details to an error
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// TypeOf returns the ErrorType of err, or ErrorTypeInternal for foreign errors.
func TypeOf(err error) ErrorType {
	if e, ok := As(err); ok {
		return e.Type
	}
	return ErrorTypeInternal
}

// Kind markers usable with errors.Is.
var (
	AuthError            = &Error{Type: ErrorTypeUnauthorized}
	AccessDenied         = &Error{Type: ErrorTypeForbidden}
	BackplaneUnavailable = &Error{Type: ErrorTypeUnavailable}
	HandlerError         = &Error{Type: ErrorTypeHandler}
	FatalInitError       = &Error{Type: ErrorTypeFatal}
)
