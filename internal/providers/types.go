// Package providers defines the model-provider bridge contract and the
// HTTP adapter that speaks to sidecar bridges such as the GitHub Copilot
// SDK bridge.
package providers

import "context"

// ToolSpec describes a callable tool advertised to the provider.
type ToolSpec struct {
	Name         string         `json:"name"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// ToolResult carries the outcome of one executed tool call back to the
// provider on the next round.
type ToolResult struct {
	Name   string `json:"name"`
	CallID string `json:"call_id,omitempty"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ToolRequest is a tool invocation the provider asked for.
type ToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	CallID    string         `json:"call_id,omitempty"`
}

// Attachment is the metadata of an ingested user attachment.
type Attachment struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type,omitempty"`
	Size         int64  `json:"size"`
	URL          string `json:"url,omitempty"`
}

// Request is one generation call to a provider bridge.
type Request struct {
	SessionID           string
	UserID              string
	Provider            string
	Model               string
	Text                string
	Attachments         []Attachment
	MCPEnabled          bool
	MCPProfileName      string
	SystemMemorySummary string
	ToolCallRound       int
	ToolSpecs           []ToolSpec
	ToolResults         []ToolResult
}

// Response is what a provider bridge produced for one round.
type Response struct {
	OutputText      string
	DecisionSummary string
	ToolRequests    []ToolRequest
}

// Bridge is the provider adapter contract. Implementations must honor the
// context deadline and classify failures with apperr codes.
type Bridge interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}
