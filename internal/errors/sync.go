package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// NotConnected is returned by operations that need a live connection.
func NotConnected(operation string) *AppError {
	return New(ErrorTypeNetwork, CodeNotConnected, fmt.Sprintf("%s: not connected", operation)).
		WithSeverity(SeverityLow).
		WithUserMessage("Not connected to the game server.")
}

// Timeout is returned when a remote call gets no reply in time.
func Timeout(method string, after time.Duration) *AppError {
	return New(ErrorTypeTimeout, CodeTimeout, fmt.Sprintf("call %s timed out", method)).
		WithDetails(fmt.Sprintf("no reply after %s", after)).
		WithUserMessage("The server took too long to respond. Please try again.")
}

// RemoteRejected is returned when the server answers a call with an error.
func RemoteRejected(method, code, reason string) *AppError {
	e := New(ErrorTypeRemote, CodeRemoteRejected, fmt.Sprintf("call %s rejected", method)).
		WithSeverity(SeverityLow)
	if code != "" || reason != "" {
		e.Details = strings.TrimPrefix(fmt.Sprintf("%s: %s", code, reason), ": ")
	}
	if reason != "" {
		e.UserMessage = reason
	}
	return e
}

// MutationInProgress is returned when a mutation key is already pending.
func MutationInProgress(key string) *AppError {
	return New(ErrorTypeConflict, CodeMutationInProgress, "mutation already in progress").
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("key: %s", key)).
		WithUserMessage("A previous action is still being confirmed.")
}

// ReconnectExhausted reports that automatic reconnection gave up.
func ReconnectExhausted(attempts int, cause error) *AppError {
	return Wrap(cause, ErrorTypeNetwork, CodeReconnectExhausted,
		fmt.Sprintf("gave up reconnecting after %d attempts", attempts)).
		WithSeverity(SeverityCritical).
		WithUserMessage("Lost connection to the game server.")
}

// ProtocolError reports a malformed or unexpected frame.
func ProtocolError(reason string, cause error) *AppError {
	if cause == nil {
		return New(ErrorTypeProtocol, CodeProtocol, reason)
	}
	return Wrap(cause, ErrorTypeProtocol, CodeProtocol, reason)
}

// InvalidRequest is returned before anything is sent when a request is malformed.
func InvalidRequest(method, reason string) *AppError {
	return New(ErrorTypeValidation, CodeInvalidRequest, fmt.Sprintf("invalid %s request", method)).
		WithSeverity(SeverityLow).
		WithDetails(reason).
		WithUserMessage(reason)
}

// ConfigurationError creates an error for configuration issues
func ConfigurationError(field, reason string) *AppError {
	return New(ErrorTypeValidation, CodeConfiguration, fmt.Sprintf("configuration error in %s: %s", field, reason)).
		WithSeverity(SeverityCritical)
}

// CacheError wraps a snapshot cache failure.
func CacheError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeCache, CodeCache, fmt.Sprintf("cache %s failed", operation)).
		WithSeverity(SeverityLow)
}

// DatabaseError wraps a fallback source failure.
func DatabaseError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, CodeDatabase, fmt.Sprintf("database %s failed", operation)).
		WithSeverity(SeverityHigh)
}

// RateLimited is returned when the outbound call budget cannot be met.
func RateLimited(method string, cause error) *AppError {
	return Wrap(cause, ErrorTypeRateLimit, CodeRateLimited, fmt.Sprintf("call %s rate limited", method))
}

// InternalError creates an internal error
func InternalError(message string, cause error) *AppError {
	return Wrap(cause, ErrorTypeInternal, CodeInternal, message).
		WithSeverity(SeverityHigh)
}

// ConnectionError classifies a dial, read or write failure on the socket.
func ConnectionError(operation string, cause error) *AppError {
	code := "NETWORK_ERROR"
	severity := SeverityMedium

	var opErr *net.OpError
	var netErr net.Error
	switch {
	case websocket.IsCloseError(cause, websocket.CloseNormalClosure):
		code, severity = "WS_NORMAL_CLOSURE", SeverityLow
	case websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_ABNORMAL_CLOSURE"
	case stderrors.Is(cause, websocket.ErrBadHandshake):
		code, severity = "WS_BAD_HANDSHAKE", SeverityHigh
	case stderrors.Is(cause, context.DeadlineExceeded):
		code = "NETWORK_TIMEOUT"
	case stderrors.Is(cause, syscall.ECONNREFUSED):
		code = "CONNECTION_REFUSED"
	case stderrors.Is(cause, syscall.ECONNRESET):
		code = "CONNECTION_RESET"
	case stderrors.As(cause, &netErr) && netErr.Timeout():
		code = "NETWORK_TIMEOUT"
	case stderrors.As(cause, &opErr):
		switch opErr.Op {
		case "dial":
			code = "NETWORK_DIAL_FAILED"
		case "read":
			code = "NETWORK_READ_FAILED"
		case "write":
			code = "NETWORK_WRITE_FAILED"
		}
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("connection %s failed", operation)).
		WithSeverity(severity)
}
