package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRemote     ErrorType = "remote"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeProtocol   ErrorType = "protocol"
	ErrorTypeCache      ErrorType = "cache"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeInternal   ErrorType = "internal"
)

// ErrorSeverity represents the severity level of errors
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// Codes carried by AppError. Two errors with the same code match under errors.Is.
const (
	CodeNotConnected       = "NOT_CONNECTED"
	CodeTimeout            = "CALL_TIMEOUT"
	CodeRemoteRejected     = "REMOTE_REJECTED"
	CodeMutationInProgress = "MUTATION_IN_PROGRESS"
	CodeReconnectExhausted = "RECONNECT_EXHAUSTED"
	CodeProtocol           = "PROTOCOL_ERROR"
	CodeConfiguration      = "CONFIGURATION_ERROR"
	CodeCache              = "CACHE_ERROR"
	CodeDatabase           = "DATABASE_ERROR"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeInvalidRequest     = "INVALID_REQUEST"
)

// Sentinels for errors.Is comparisons.
var (
	ErrNotConnected       = &AppError{Type: ErrorTypeNetwork, Code: CodeNotConnected, Message: "not connected"}
	ErrTimeout            = &AppError{Type: ErrorTypeTimeout, Code: CodeTimeout, Message: "call timed out"}
	ErrRemoteRejected     = &AppError{Type: ErrorTypeRemote, Code: CodeRemoteRejected, Message: "remote rejected"}
	ErrMutationInProgress = &AppError{Type: ErrorTypeConflict, Code: CodeMutationInProgress, Message: "mutation in progress"}
	ErrReconnectExhausted = &AppError{Type: ErrorTypeNetwork, Code: CodeReconnectExhausted, Message: "reconnect attempts exhausted"}
	ErrProtocol           = &AppError{Type: ErrorTypeProtocol, Code: CodeProtocol, Message: "protocol error"}
	ErrRateLimited        = &AppError{Type: ErrorTypeRateLimit, Code: CodeRateLimited, Message: "rate limited"}
	ErrInvalidRequest     = &AppError{Type: ErrorTypeValidation, Code: CodeInvalidRequest, Message: "invalid request"}
)

// AppError represents a structured application error
type AppError struct {
	Type        ErrorType     `json:"type"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Severity    ErrorSeverity `json:"severity"`
	Timestamp   time.Time     `json:"timestamp"`
	UserMessage string        `json:"user_message,omitempty"`
	Cause       error         `json:"-"`
	StackTrace  string        `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap implements the Unwrap interface for error wrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new AppError with stack trace capture
func New(errorType ErrorType, code string, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Severity:   SeverityMedium,
		Timestamp:  time.Now(),
		StackTrace: captureStackTrace(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errorType ErrorType, code string, message string) *AppError {
	appErr := New(errorType, code, message)
	appErr.Cause = err
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

// WithSeverity sets the severity level of an error
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithDetails adds additional details to an error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithUserMessage sets a user-friendly message
func (e *AppError) WithUserMessage(message string) *AppError {
	e.UserMessage = message
	return e
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first AppError in err's chain, or "" if none.
func CodeOf(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ""
}

// UserMessageOf returns a message fit for display.
func UserMessageOf(err error) string {
	appErr, ok := As(err)
	if !ok {
		return "An unexpected error occurred. Please try again."
	}
	if appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	switch appErr.Type {
	case ErrorTypeNetwork:
		return "Connection to the game server is unavailable."
	case ErrorTypeTimeout:
		return "The server took too long to respond. Please try again."
	case ErrorTypeRemote:
		return "The server rejected the action."
	case ErrorTypeConflict:
		return "A previous action is still being confirmed."
	case ErrorTypeRateLimit:
		return "Too many actions. Please slow down."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// Fields returns structured log fields describing err.
func Fields(err error) []zap.Field {
	appErr, ok := As(err)
	if !ok {
		return []zap.Field{zap.Error(err)}
	}
	fields := []zap.Field{
		zap.String("error_type", string(appErr.Type)),
		zap.String("error_code", appErr.Code),
		zap.String("severity", string(appErr.Severity)),
		zap.String("error", appErr.Message),
	}
	if appErr.Details != "" {
		fields = append(fields, zap.String("details", appErr.Details))
	}
	if appErr.Severity == SeverityCritical && appErr.StackTrace != "" {
		fields = append(fields, zap.String("stack_trace", appErr.StackTrace))
	}
	return fields
}

// Log writes err at a level chosen by its severity.
func Log(l *zap.Logger, msg string, err error, fields ...zap.Field) {
	if l == nil || err == nil {
		return
	}
	fields = append(fields, Fields(err)...)
	sev := SeverityMedium
	if appErr, ok := As(err); ok {
		sev = appErr.Severity
	}
	switch sev {
	case SeverityLow:
		l.Info(msg, fields...)
	case SeverityMedium:
		l.Warn(msg, fields...)
	default:
		l.Error(msg, fields...)
	}
}

// IsRecoverable determines if an error is recoverable (can be retried)
func IsRecoverable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Type {
	case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeCache, ErrorTypeDatabase:
		return appErr.Severity != SeverityCritical
	case ErrorTypeRateLimit, ErrorTypeConflict:
		// retry once the limiter or the pending mutation has settled
		return true
	case ErrorTypeRemote, ErrorTypeValidation, ErrorTypeProtocol:
		return false
	case ErrorTypeInternal:
		return appErr.Severity == SeverityLow || appErr.Severity == SeverityMedium
	}
	return false
}

// ShouldRetry determines if an operation should be retried based on the error
func ShouldRetry(err error, attemptCount int, maxAttempts int) bool {
	if attemptCount >= maxAttempts {
		return false
	}
	return IsRecoverable(err)
}

func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
