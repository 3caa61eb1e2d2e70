package tools

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebFetchGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Custom") != "yes" {
			t.Errorf("header not forwarded: %v", r.Header)
		}
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "fetched body")
	}))
	defer srv.Close()

	tool := NewWebFetchTool()
	res := tool.Execute(context.Background(), map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Custom": "yes"},
	})
	if !res.OK {
		t.Fatalf("Execute: %s", res.Error)
	}
	if res.Output != "fetched body" {
		t.Errorf("output = %q", res.Output)
	}
	if res.Metadata["status_code"].(int) != http.StatusOK {
		t.Errorf("metadata = %v", res.Metadata)
	}
	if res.Metadata["content_type"].(string) != "text/plain" {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestWebFetchPostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method != http.MethodPost || string(body) != `{"k":1}` {
			t.Errorf("got %s body %q", r.Method, body)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tool := NewWebFetchTool()
	res := tool.Execute(context.Background(), map[string]any{
		"url": srv.URL, "method": "POST", "body": `{"k":1}`,
	})
	if !res.OK {
		t.Fatalf("Execute: %s", res.Error)
	}
	if res.Metadata["status_code"].(int) != http.StatusCreated {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestWebFetchRejectsScheme(t *testing.T) {
	tool := NewWebFetchTool()
	for _, bad := range []string{"ftp://host/file", "file:///etc/passwd", ""} {
		res := tool.Execute(context.Background(), map[string]any{"url": bad})
		if res.OK {
			t.Errorf("url %q must be rejected", bad)
		}
	}

	res := tool.Execute(context.Background(), map[string]any{
		"url": "http://example.invalid", "method": "DELETE",
	})
	if res.OK || !strings.Contains(res.Error, "GET or POST") {
		t.Errorf("bad method = %+v", res)
	}
}
