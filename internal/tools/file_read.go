package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	readMaxLines = 2000
	readMaxBytes = 500_000
)

// FileReadTool reads file contents in hashline form (lineno:hash| content),
// or lists a directory. Reads are recorded in the ledger hashline_edit
// checks before editing.
type FileReadTool struct {
	workspace string
	reads     *readLedger
}

// NewFileReadTool creates the tool rooted at the workspace.
func NewFileReadTool(workspace string, reads *readLedger) *FileReadTool {
	return &FileReadTool{workspace: workspace, reads: reads}
}

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Description() string {
	return "Read a file's text content in hashline form (lineno:hash| content); " +
		"the hashes anchor hashline_edit calls. Directory paths list their entries. " +
		"Use offset and limit to read a range."
}

func (t *FileReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File or directory path, absolute or workspace-relative",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "First line to read (1-indexed, default 1)",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of lines (default 2000)",
			},
		},
		"required": []string{"path"},
	}
}

func (t *FileReadTool) Execute(_ context.Context, args map[string]any) *Result {
	target, err := resolvePath(t.workspace, argString(args, "path"))
	if err != nil {
		return Fail(err.Error())
	}

	info, err := os.Stat(target)
	if err != nil {
		return Fail(fmt.Sprintf("path not found: %s", target))
	}
	if info.IsDir() {
		return t.readDirectory(target)
	}
	return t.readFile(target, info.ModTime(), args)
}

func (t *FileReadTool) readDirectory(target string) *Result {
	entries, err := os.ReadDir(target)
	if err != nil {
		return Fail(fmt.Sprintf("cannot list directory: %v", err))
	}
	// Directories first, then files, each alphabetical.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
	}
	return OkMeta(strings.Join(lines, "\n"), map[string]any{
		"type":        "directory",
		"entry_count": len(lines),
	})
}

func (t *FileReadTool) readFile(target string, mtime time.Time, args map[string]any) *Result {
	offset := argInt(args, "offset", 1)
	if offset < 1 {
		offset = 1
	}
	limit := argInt(args, "limit", readMaxLines)
	if limit < 1 {
		limit = readMaxLines
	}
	if limit > readMaxLines {
		limit = readMaxLines
	}

	raw, err := os.ReadFile(target)
	if err != nil {
		return Fail(fmt.Sprintf("cannot read file: %v", err))
	}
	truncated := len(raw) > readMaxBytes
	if truncated {
		raw = raw[:readMaxBytes]
	}

	all := strings.Split(string(raw), "\n")
	total := len(all)
	start := offset - 1
	if start >= total {
		return OkMeta("", map[string]any{"type": "file", "total_lines": total, "lines_returned": 0})
	}
	end := start + limit
	if end > total {
		end = total
	}

	t.reads.note(target, mtime)

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%d:%s| %s\n", i+1, lineHash(all[i]), all[i])
	}
	return OkMeta(strings.TrimSuffix(b.String(), "\n"), map[string]any{
		"type":           "file",
		"total_lines":    total,
		"offset":         offset,
		"lines_returned": end - start,
		"truncated":      truncated,
	})
}
