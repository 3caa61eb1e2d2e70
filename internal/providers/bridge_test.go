package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nextlevelbuilder/codial/internal/apperr"
)

func newTestBridge(url string) *HTTPBridge {
	return NewHTTPBridge(HTTPBridgeConfig{
		Name:    "github-copilot-sdk",
		BaseURL: url,
		Token:   "bridge-token",
		Timeout: 2 * time.Second,
		Hint:    "GitHub Copilot SDK",
	})
}

func TestGenerateRoundTrip(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer bridge-token" {
			t.Errorf("auth header = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"output_text":      "done",
			"decision_summary": "answered directly",
		})
	}))
	defer srv.Close()

	resp, err := newTestBridge(srv.URL).Generate(context.Background(), Request{
		SessionID:     "s1",
		UserID:        "u1",
		Provider:      "github-copilot-sdk",
		Model:         "gpt-5",
		Text:          "hello",
		ToolCallRound: 2,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.OutputText != "done" || resp.DecisionSummary != "answered directly" {
		t.Errorf("response = %+v", resp)
	}
	if gotPayload["session_id"] != "s1" || gotPayload["tool_call_round"] != float64(2) {
		t.Errorf("payload = %v", gotPayload)
	}
	// Slice fields must serialize as [] not null.
	if _, ok := gotPayload["mcp_tools"].([]any); !ok {
		t.Errorf("mcp_tools must be an array, got %T", gotPayload["mcp_tools"])
	}
}

func TestGenerateParsesToolRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"output_text": "",
			"tool_calls": [
				{"name": "file_read", "arguments": {"path": "a.go"}, "id": "call-1"},
				{"name": "  ", "arguments": {}},
				{"name": "grep", "call_id": "call-2"}
			]
		}`))
	}))
	defer srv.Close()

	resp, err := newTestBridge(srv.URL).Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(resp.ToolRequests) != 2 {
		t.Fatalf("tool requests = %+v", resp.ToolRequests)
	}
	if resp.ToolRequests[0].CallID != "call-1" {
		t.Errorf("legacy id field not honored: %+v", resp.ToolRequests[0])
	}
	if resp.ToolRequests[1].Arguments == nil {
		t.Error("missing arguments must default to empty map")
	}
	if resp.DecisionSummary == "" {
		t.Error("decision summary must be synthesized for tool calls")
	}
}

func TestGenerateServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestBridge(srv.URL).Generate(context.Background(), Request{})
	if apperr.Code(err) != apperr.CodeBridgeTransport {
		t.Errorf("code = %v, want BRIDGE_TRANSPORT", apperr.Code(err))
	}
	if !apperr.IsRetryable(err) {
		t.Error("5xx must be retryable")
	}
}

func TestGenerateClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newTestBridge(srv.URL).Generate(context.Background(), Request{})
	if apperr.Code(err) != apperr.CodeBridgeProtocol {
		t.Errorf("code = %v, want BRIDGE_PROTOCOL", apperr.Code(err))
	}
	if apperr.IsRetryable(err) {
		t.Error("4xx must not be retryable")
	}
}

func TestGenerateTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	bridge := NewHTTPBridge(HTTPBridgeConfig{
		Name:    "github-copilot-sdk",
		BaseURL: srv.URL,
		Timeout: 50 * time.Millisecond,
	})
	_, err := bridge.Generate(context.Background(), Request{})
	if apperr.Code(err) != apperr.CodeBridgeTimeout {
		t.Errorf("code = %v, want BRIDGE_TIMEOUT", apperr.Code(err))
	}
	if !apperr.IsRetryable(err) {
		t.Error("timeout must be retryable")
	}
}

func TestGenerateMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := newTestBridge(srv.URL).Generate(context.Background(), Request{})
	if apperr.Code(err) != apperr.CodeBridgeProtocol {
		t.Errorf("code = %v, want BRIDGE_PROTOCOL", apperr.Code(err))
	}
}
