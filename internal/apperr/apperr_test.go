package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeExtraction(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"domain error", New(CodeSessionEnded, "session is over"), CodeSessionEnded},
		{"wrapped domain error", fmt.Errorf("handler: %w", New(CodeQueueFull, "full")), CodeQueueFull},
		{"plain error", errors.New("boom"), CodeInternal},
		{"double wrap keeps inner code", Wrap(CodeBridgeTransport, "bridge", New(CodeMCPError, "mcp")), CodeBridgeTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if IsRetryable(New(CodeSessionEnded, "x")) {
		t.Error("SESSION_ENDED must not be retryable")
	}
	if !IsRetryable(Transient(CodeBridgeTimeout, "x")) {
		t.Error("transient error should be retryable")
	}
	wrapped := fmt.Errorf("engine: %w", WrapTransient(CodeMCPTimeout, "deadline", errors.New("tcp")))
	if !IsRetryable(wrapped) {
		t.Error("retryability should survive wrapping")
	}
}

func TestToEnvelope(t *testing.T) {
	env := ToEnvelope(Transient(CodeRateLimited, "slow down"), "trace-1")
	if env.ErrorCode != CodeRateLimited || !env.Retryable || env.TraceID != "trace-1" {
		t.Errorf("unexpected envelope: %+v", env)
	}

	env = ToEnvelope(errors.New("panic-adjacent"), "trace-2")
	if env.ErrorCode != CodeInternal {
		t.Errorf("plain errors must map to INTERNAL, got %q", env.ErrorCode)
	}
	if env.Message == "panic-adjacent" {
		t.Error("internal error details must not leak into the envelope")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeAuthInvalid, http.StatusUnauthorized},
		{CodeSessionNotFound, http.StatusNotFound},
		{CodeSessionEnded, http.StatusConflict},
		{CodeProviderNotEnabled, http.StatusBadRequest},
		{CodeQueueFull, http.StatusServiceUnavailable},
		{CodeBridgeTimeout, http.StatusGatewayTimeout},
		{CodeInternal, http.StatusInternalServerError},
		{"SOMETHING_NEW", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
