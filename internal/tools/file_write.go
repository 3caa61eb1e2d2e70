package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileWriteTool writes content to a workspace file, creating parent
// directories as needed.
type FileWriteTool struct {
	workspace string
}

// NewFileWriteTool creates the tool rooted at the workspace.
func NewFileWriteTool(workspace string) *FileWriteTool {
	return &FileWriteTool{workspace: workspace}
}

func (t *FileWriteTool) Name() string { return "file_write" }

func (t *FileWriteTool) Description() string {
	return "Write text content to a file, replacing any existing content."
}

func (t *FileWriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path, absolute or workspace-relative",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *FileWriteTool) Execute(_ context.Context, args map[string]any) *Result {
	target, err := resolvePath(t.workspace, argString(args, "path"))
	if err != nil {
		return Fail(err.Error())
	}
	content, ok := args["content"].(string)
	if !ok {
		return Fail("content is required")
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Fail(fmt.Sprintf("cannot create parent directory: %v", err))
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return Fail(fmt.Sprintf("cannot write file: %v", err))
	}
	return OkMeta(fmt.Sprintf("wrote %d bytes to %s", len(content), target), map[string]any{
		"bytes": len(content),
		"path":  target,
	})
}
