package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nextlevelbuilder/codial/internal/apperr"
)

// HTTPBridge talks to a sidecar provider bridge over POST /v1/generate.
// The bridge owns the actual model SDK; this adapter only translates the
// generation contract and classifies failures.
type HTTPBridge struct {
	name    string
	baseURL string
	token   string
	hint    string
	client  *http.Client
}

// HTTPBridgeConfig configures an HTTPBridge.
type HTTPBridgeConfig struct {
	Name    string
	BaseURL string
	Token   string
	Timeout time.Duration
	// Hint is the human label used in error messages ("GitHub Copilot SDK").
	Hint string
}

// NewHTTPBridge creates the adapter. The timeout applies per generate call.
func NewHTTPBridge(cfg HTTPBridgeConfig) *HTTPBridge {
	hint := cfg.Hint
	if hint == "" {
		hint = cfg.Name
	}
	return &HTTPBridge{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		hint:    hint,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *HTTPBridge) Name() string { return b.name }

type bridgePayload struct {
	SessionID           string       `json:"session_id"`
	UserID              string       `json:"user_id"`
	Provider            string       `json:"provider"`
	Model               string       `json:"model"`
	Text                string       `json:"text"`
	MCPEnabled          bool         `json:"mcp_enabled"`
	MCPProfileName      string       `json:"mcp_profile_name,omitempty"`
	SystemMemorySummary string       `json:"system_memory_summary"`
	ToolCallRound       int          `json:"tool_call_round"`
	MCPTools            []ToolSpec   `json:"mcp_tools"`
	ToolResults         []ToolResult `json:"tool_results"`
	Attachments         []Attachment `json:"attachments"`
}

type bridgeResponse struct {
	OutputText      string            `json:"output_text"`
	DecisionSummary string            `json:"decision_summary"`
	ToolRequests    []json.RawMessage `json:"tool_requests"`
	ToolCalls       []json.RawMessage `json:"tool_calls"`
}

// Generate posts the request to the bridge and normalizes its response.
// Timeouts map to BRIDGE_TIMEOUT, connection failures and 5xx to
// BRIDGE_TRANSPORT (both retryable), malformed bodies to BRIDGE_PROTOCOL.
func (b *HTTPBridge) Generate(ctx context.Context, req Request) (*Response, error) {
	if b.baseURL == "" {
		return nil, apperr.Newf(apperr.CodeProviderAuthFailed, "%s bridge base URL is not configured", b.hint)
	}

	payload := bridgePayload{
		SessionID:           req.SessionID,
		UserID:              req.UserID,
		Provider:            req.Provider,
		Model:               req.Model,
		Text:                req.Text,
		MCPEnabled:          req.MCPEnabled,
		MCPProfileName:      req.MCPProfileName,
		SystemMemorySummary: req.SystemMemorySummary,
		ToolCallRound:       req.ToolCallRound,
		MCPTools:            emptyIfNilSpecs(req.ToolSpecs),
		ToolResults:         emptyIfNilResults(req.ToolResults),
		Attachments:         emptyIfNilAttachments(req.Attachments),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "encode bridge payload", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "build bridge request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, apperr.WrapTransient(apperr.CodeBridgeTimeout,
				fmt.Sprintf("%s bridge request timed out", b.hint), err)
		}
		return nil, apperr.WrapTransient(apperr.CodeBridgeTransport,
			fmt.Sprintf("%s bridge connection failed", b.hint), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, apperr.Transient(apperr.CodeBridgeTransport,
			fmt.Sprintf("%s bridge server error: status %d", b.hint, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.Newf(apperr.CodeBridgeProtocol,
			"%s bridge rejected the request: status %d", b.hint, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, apperr.WrapTransient(apperr.CodeBridgeTransport,
			fmt.Sprintf("%s bridge response read failed", b.hint), err)
	}

	var parsed bridgeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.CodeBridgeProtocol,
			fmt.Sprintf("%s bridge returned a malformed body", b.hint), err)
	}

	toolRequests := parseToolRequests(parsed)
	summary := parsed.DecisionSummary
	if summary == "" {
		if len(toolRequests) > 0 {
			summary = fmt.Sprintf("%s requested tool calls", b.hint)
		} else {
			summary = fmt.Sprintf("%s produced a response", b.hint)
		}
	}

	return &Response{
		OutputText:      parsed.OutputText,
		DecisionSummary: summary,
		ToolRequests:    toolRequests,
	}, nil
}

// parseToolRequests accepts both "tool_requests" and the legacy
// "tool_calls" key, and tolerates items with "id" instead of "call_id".
func parseToolRequests(body bridgeResponse) []ToolRequest {
	items := body.ToolRequests
	if items == nil {
		items = body.ToolCalls
	}

	var out []ToolRequest
	for _, raw := range items {
		var item struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
			CallID    string         `json:"call_id"`
			ID        string         `json:"id"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		callID := item.CallID
		if callID == "" {
			callID = item.ID
		}
		args := item.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, ToolRequest{Name: name, Arguments: args, CallID: callID})
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func emptyIfNilSpecs(s []ToolSpec) []ToolSpec {
	if s == nil {
		return []ToolSpec{}
	}
	return s
}

func emptyIfNilResults(s []ToolResult) []ToolResult {
	if s == nil {
		return []ToolResult{}
	}
	return s
}

func emptyIfNilAttachments(s []Attachment) []Attachment {
	if s == nil {
		return []Attachment{}
	}
	return s
}
