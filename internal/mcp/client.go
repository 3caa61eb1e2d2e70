// Package mcp wraps the streamable-HTTP MCP client used to discover and
// invoke tools on the configured MCP server.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/codial/internal/apperr"
	"github.com/nextlevelbuilder/codial/internal/providers"
)

const clientName = "codial-core"
const clientVersion = "1.0.0"

// ClientConfig configures the MCP connection.
type ClientConfig struct {
	ServerURL string
	Token     string
	Timeout   time.Duration
}

// ServerInfo summarizes the initialize handshake result.
type ServerInfo struct {
	Name            string `json:"name,omitempty"`
	Version         string `json:"version,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Instructions    string `json:"instructions,omitempty"`
}

// PromptInfo is a discovered MCP prompt.
type PromptInfo struct {
	Name        string   `json:"name"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Arguments   []string `json:"arguments,omitempty"`
}

// ResourceInfo is a discovered MCP resource.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
}

// ResourceTemplateInfo is a discovered MCP resource template.
type ResourceTemplateInfo struct {
	URITemplate string `json:"uri_template"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
}

// Client is a connection to one MCP server. A nil *Client is valid and
// means MCP is not configured; every method no-ops or errors accordingly.
type Client struct {
	cfg    ClientConfig
	client *mcpclient.Client
	info   ServerInfo
}

// NewClient creates an unconnected client, or nil when no server URL is
// configured.
func NewClient(cfg ClientConfig) *Client {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil
	}
	return &Client{cfg: cfg}
}

// Enabled reports whether an MCP server is configured.
func (c *Client) Enabled() bool { return c != nil }

// Connect starts the transport and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) (*ServerInfo, error) {
	var opts []transport.StreamableHTTPCOption
	if c.cfg.Token != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + c.cfg.Token,
		}))
	}

	client, err := mcpclient.NewStreamableHttpClient(c.cfg.ServerURL, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeMCPError, "create MCP client", err)
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		return nil, c.classify("start transport", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}

	result, err := client.Initialize(ctx, initReq)
	if err != nil {
		_ = client.Close()
		return nil, c.classify("initialize", err)
	}

	c.client = client
	c.info = ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Instructions:    result.Instructions,
	}
	slog.Info("mcp.connected",
		"server", c.info.Name,
		"version", c.info.Version,
		"protocol", c.info.ProtocolVersion,
	)
	return &c.info, nil
}

// Info returns the handshake summary from the last Connect.
func (c *Client) Info() ServerInfo {
	if c == nil {
		return ServerInfo{}
	}
	return c.info
}

// Close shuts the transport down.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Ping checks server liveness.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	if err := c.client.Ping(ctx); err != nil {
		return c.classify("ping", err)
	}
	return nil
}

// Tools lists every tool the server advertises, following nextCursor
// pagination. A repeated cursor aborts the walk.
func (c *Client) Tools(ctx context.Context) ([]providers.ToolSpec, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var specs []providers.ToolSpec
	var cursor mcpgo.Cursor
	seen := map[mcpgo.Cursor]bool{}
	for {
		callCtx, cancel := c.callContext(ctx)
		req := mcpgo.ListToolsRequest{}
		req.Params.Cursor = cursor
		result, err := c.client.ListToolsByPage(callCtx, req)
		cancel()
		if err != nil {
			return nil, c.classify("tools/list", err)
		}

		for _, tool := range result.Tools {
			specs = append(specs, providers.ToolSpec{
				Name:        tool.Name,
				Title:       tool.Annotations.Title,
				Description: tool.Description,
				InputSchema: schemaToMap(tool.InputSchema),
			})
		}

		if result.NextCursor == "" {
			return specs, nil
		}
		if seen[result.NextCursor] {
			return nil, apperr.Transient(apperr.CodeMCPError, "MCP pagination cursor cycle detected")
		}
		seen[result.NextCursor] = true
		cursor = result.NextCursor
	}
}

// Prompts lists the server's prompts with pagination.
func (c *Client) Prompts(ctx context.Context) ([]PromptInfo, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var prompts []PromptInfo
	var cursor mcpgo.Cursor
	seen := map[mcpgo.Cursor]bool{}
	for {
		callCtx, cancel := c.callContext(ctx)
		req := mcpgo.ListPromptsRequest{}
		req.Params.Cursor = cursor
		result, err := c.client.ListPromptsByPage(callCtx, req)
		cancel()
		if err != nil {
			return nil, c.classify("prompts/list", err)
		}

		for _, p := range result.Prompts {
			info := PromptInfo{Name: p.Name, Description: p.Description}
			for _, arg := range p.Arguments {
				info.Arguments = append(info.Arguments, arg.Name)
			}
			prompts = append(prompts, info)
		}

		if result.NextCursor == "" {
			return prompts, nil
		}
		if seen[result.NextCursor] {
			return nil, apperr.Transient(apperr.CodeMCPError, "MCP pagination cursor cycle detected")
		}
		seen[result.NextCursor] = true
		cursor = result.NextCursor
	}
}

// Resources lists the server's resources with pagination.
func (c *Client) Resources(ctx context.Context) ([]ResourceInfo, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var resources []ResourceInfo
	var cursor mcpgo.Cursor
	seen := map[mcpgo.Cursor]bool{}
	for {
		callCtx, cancel := c.callContext(ctx)
		req := mcpgo.ListResourcesRequest{}
		req.Params.Cursor = cursor
		result, err := c.client.ListResourcesByPage(callCtx, req)
		cancel()
		if err != nil {
			return nil, c.classify("resources/list", err)
		}

		for _, r := range result.Resources {
			resources = append(resources, ResourceInfo{
				URI:         r.URI,
				Name:        r.Name,
				Description: r.Description,
				MIMEType:    r.MIMEType,
			})
		}

		if result.NextCursor == "" {
			return resources, nil
		}
		if seen[result.NextCursor] {
			return nil, apperr.Transient(apperr.CodeMCPError, "MCP pagination cursor cycle detected")
		}
		seen[result.NextCursor] = true
		cursor = result.NextCursor
	}
}

// ResourceTemplates lists the server's resource templates with pagination.
func (c *Client) ResourceTemplates(ctx context.Context) ([]ResourceTemplateInfo, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var templates []ResourceTemplateInfo
	var cursor mcpgo.Cursor
	seen := map[mcpgo.Cursor]bool{}
	for {
		callCtx, cancel := c.callContext(ctx)
		req := mcpgo.ListResourceTemplatesRequest{}
		req.Params.Cursor = cursor
		result, err := c.client.ListResourceTemplatesByPage(callCtx, req)
		cancel()
		if err != nil {
			return nil, c.classify("resources/templates/list", err)
		}

		for _, t := range result.ResourceTemplates {
			templates = append(templates, ResourceTemplateInfo{
				URITemplate: t.URITemplate.Raw(),
				Name:        t.Name,
				Description: t.Description,
				MIMEType:    t.MIMEType,
			})
		}

		if result.NextCursor == "" {
			return templates, nil
		}
		if seen[result.NextCursor] {
			return nil, apperr.Transient(apperr.CodeMCPError, "MCP pagination cursor cycle detected")
		}
		seen[result.NextCursor] = true
		cursor = result.NextCursor
	}
}

// CallTool invokes one tool and flattens text content into the result.
// A tool-level error surfaces as MCP_ERROR.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (any, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments

	result, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, c.classify("tools/call", err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		msg := text
		if msg == "" {
			msg = fmt.Sprintf("MCP tool %s failed", name)
		}
		return nil, apperr.New(apperr.CodeMCPError, msg)
	}
	if text != "" {
		return text, nil
	}
	return result.Content, nil
}

func (c *Client) ready() error {
	if c == nil {
		return apperr.New(apperr.CodeMCPError, "no MCP server configured")
	}
	if c.client == nil {
		return apperr.Transient(apperr.CodeMCPError, "MCP client not connected")
	}
	return nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// classify maps transport failures onto the MCP error codes: deadline
// expiry is MCP_TIMEOUT, everything else MCP_ERROR (both retryable).
func (c *Client) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.WrapTransient(apperr.CodeMCPTimeout, "MCP "+op+" timed out", err)
	}
	return apperr.WrapTransient(apperr.CodeMCPError, "MCP "+op+" failed", err)
}

func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, item := range content {
		if tc, ok := item.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
