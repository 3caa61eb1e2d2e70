package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	fetchTimeout      = 15 * time.Second
	fetchMaxBytes     = 1_000_000
	fetchMaxRedirects = 5
)

// WebFetchTool fetches text content from HTTP(S) URLs.
type WebFetchTool struct {
	client *http.Client
}

// NewWebFetchTool creates the tool with its own redirect-capped client.
func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{client: &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			return nil
		},
	}}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch text content from a URL: web pages, API responses, remote files."
}

func (t *WebFetchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL to fetch; must start with http:// or https://",
			},
			"method": map[string]any{
				"type":        "string",
				"enum":        []string{"GET", "POST"},
				"description": "HTTP method; defaults to GET",
			},
			"headers": map[string]any{
				"type":                 "object",
				"description":          "Extra HTTP headers",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body for POST",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) *Result {
	rawURL := argString(args, "url")
	if rawURL == "" {
		return Fail("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Fail(fmt.Sprintf("invalid url: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Fail("url must start with http:// or https://")
	}

	method := argString(args, "method")
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return Fail("method must be GET or POST")
	}

	var body io.Reader
	if method == http.MethodPost {
		if s, ok := args["body"].(string); ok {
			body = strings.NewReader(s)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return Fail(fmt.Sprintf("build request: %v", err))
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for name, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(name, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Fail("request timed out")
		}
		return Fail(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	// Read one byte past the cap so truncation is detectable.
	data, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes+1))
	if err != nil {
		return Fail(fmt.Sprintf("read response: %v", err))
	}
	truncated := len(data) > fetchMaxBytes
	if truncated {
		data = data[:fetchMaxBytes]
	}

	return OkMeta(string(data), map[string]any{
		"status_code":  resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"byte_count":   len(data),
		"truncated":    truncated,
	})
}
