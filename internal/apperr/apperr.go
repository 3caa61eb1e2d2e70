// Package apperr defines the domain error type and the stable wire codes
// shared between the REST surface, the turn engine, and the event stream.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Wire-stable error codes. These are part of the external contract; rename
// a constant, never its value.
const (
	CodeAuthRequired          = "AUTH_REQUIRED"
	CodeAuthInvalid           = "AUTH_INVALID"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeProviderNotEnabled    = "PROVIDER_NOT_ENABLED"
	CodeProviderAuthFailed    = "PROVIDER_AUTH_FAILED"
	CodeBridgeTimeout         = "BRIDGE_TIMEOUT"
	CodeBridgeTransport       = "BRIDGE_TRANSPORT"
	CodeBridgeProtocol        = "BRIDGE_PROTOCOL"
	CodeRateLimited           = "RATE_LIMITED"
	CodeMCPTimeout            = "MCP_TIMEOUT"
	CodeMCPError              = "MCP_ERROR"
	CodePolicyInvalid         = "POLICY_INVALID"
	CodeAttachmentRejected    = "ATTACHMENT_REJECTED"
	CodeAttachmentFetchFailed = "ATTACHMENT_FETCH_FAILED"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeSessionEnded          = "SESSION_ENDED"
	CodeSubagentNotFound      = "SUBAGENT_NOT_FOUND"
	CodeIndexOutOfRange       = "INDEX_OUT_OF_RANGE"
	CodeQueueFull             = "QUEUE_FULL"
	CodeToolBudgetExceeded    = "TOOL_BUDGET_EXCEEDED"
	CodeCancelled             = "CANCELLED"
	CodeShutdown              = "SHUTDOWN"
	CodeInternal              = "INTERNAL"
)

// Error is a domain error with a stable wire code.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Err       error // wrapped cause, optional
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a non-retryable domain error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a non-retryable domain error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Transient creates a retryable domain error.
func Transient(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: true}
}

// Wrap attaches a cause to a non-retryable domain error.
func Wrap(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WrapTransient attaches a cause to a retryable domain error.
func WrapTransient(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Retryable: true, Err: err}
}

// Code extracts the wire code from any error. Unknown errors map to INTERNAL.
func Code(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the error is a transient domain error.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// Envelope is the JSON error body returned by the REST API and embedded in
// error events on the stream.
type Envelope struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	TraceID   string `json:"trace_id,omitempty"`
	Retryable bool   `json:"retryable"`
}

// ToEnvelope builds the wire envelope for an error.
func ToEnvelope(err error, traceID string) Envelope {
	var de *Error
	if errors.As(err, &de) {
		return Envelope{ErrorCode: de.Code, Message: de.Message, TraceID: traceID, Retryable: de.Retryable}
	}
	return Envelope{ErrorCode: CodeInternal, Message: "unexpected internal error", TraceID: traceID}
}

// HTTPStatus maps a wire code to an HTTP status.
func HTTPStatus(code string) int {
	switch code {
	case CodeAuthRequired, CodeAuthInvalid:
		return http.StatusUnauthorized
	case CodeSessionNotFound, CodeSubagentNotFound:
		return http.StatusNotFound
	case CodeSessionEnded:
		return http.StatusConflict
	case CodeInvalidRequest, CodeProviderNotEnabled, CodeIndexOutOfRange, CodePolicyInvalid, CodeAttachmentRejected:
		return http.StatusBadRequest
	case CodeQueueFull:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeBridgeTimeout, CodeMCPTimeout:
		return http.StatusGatewayTimeout
	case CodeBridgeTransport, CodeBridgeProtocol, CodeProviderAuthFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
