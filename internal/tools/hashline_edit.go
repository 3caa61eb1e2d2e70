package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const editPreviewContext = 2

// HashlineEditTool replaces or inserts line ranges addressed by the hash
// anchors file_read prints. It refuses to touch a file whose current
// content has not been read, which is what makes the anchors trustworthy.
type HashlineEditTool struct {
	workspace string
	reads     *readLedger
}

// NewHashlineEditTool creates the tool. The ledger must be the one the
// workspace's file_read tool records into.
func NewHashlineEditTool(workspace string, reads *readLedger) *HashlineEditTool {
	return &HashlineEditTool{workspace: workspace, reads: reads}
}

func (t *HashlineEditTool) Name() string { return "hashline_edit" }

func (t *HashlineEditTool) Description() string {
	return "Edit a file using the hash anchors from file_read output (lineno:hash| content). " +
		"Requires a prior file_read of the file; re-read after every change. " +
		"Set start_hash and end_hash to replace that range with new_content " +
		"(equal hashes edit one line, empty new_content deletes the range), " +
		"or set insert_after_hash to insert new_content after that line."
}

func (t *HashlineEditTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File to edit, absolute or workspace-relative",
			},
			"start_hash": map[string]any{
				"type":        "string",
				"description": "Hash of the first line to replace",
			},
			"end_hash": map[string]any{
				"type":        "string",
				"description": "Hash of the last line to replace; equal to start_hash for one line",
			},
			"new_content": map[string]any{
				"type":        "string",
				"description": "Replacement text; empty deletes the range",
			},
			"insert_after_hash": map[string]any{
				"type":        "string",
				"description": "Insert new_content after this line instead of replacing",
			},
			"start_lineno": map[string]any{
				"type":        "integer",
				"description": "1-indexed line hint to disambiguate a duplicated start_hash",
			},
			"end_lineno": map[string]any{
				"type":        "integer",
				"description": "1-indexed line hint to disambiguate a duplicated end_hash",
			},
		},
		"required": []string{"path", "new_content"},
	}
}

func (t *HashlineEditTool) Execute(_ context.Context, args map[string]any) *Result {
	target, err := resolvePath(t.workspace, argString(args, "path"))
	if err != nil {
		return Fail(err.Error())
	}
	info, err := os.Stat(target)
	if err != nil {
		return Fail(fmt.Sprintf("file not found: %s", target))
	}
	if info.IsDir() {
		return Fail(fmt.Sprintf("%s is a directory", target))
	}
	if reason := t.reads.editDenial(target, info.ModTime()); reason != "" {
		return Fail(reason)
	}

	raw, err := os.ReadFile(target)
	if err != nil {
		return Fail(fmt.Sprintf("cannot read file: %v", err))
	}
	content := string(raw)
	trailingNewline := strings.HasSuffix(content, "\n")
	lines := strings.Split(content, "\n")
	if trailingNewline {
		lines = lines[:len(lines)-1]
	}
	index := hashIndex(lines)

	newContent, ok := args["new_content"].(string)
	if !ok {
		return Fail("new_content is required")
	}
	newLines := splitContentLines(newContent)

	if insertAfter := argString(args, "insert_after_hash"); insertAfter != "" {
		return t.insert(target, lines, index, insertAfter, newLines, args, trailingNewline, info.Mode().Perm())
	}
	return t.replace(target, lines, index, newLines, args, trailingNewline, info.Mode().Perm())
}

func (t *HashlineEditTool) insert(target string, lines []string, index map[string][]int,
	insertAfter string, newLines []string, args map[string]any, trailingNewline bool, perm os.FileMode) *Result {

	idx, ok := resolveHash(insertAfter, index, hintIndex(args, "start_lineno"))
	if !ok {
		return Fail(fmt.Sprintf("no line matches insert_after_hash %q", insertAfter))
	}

	result := make([]string, 0, len(lines)+len(newLines))
	result = append(result, lines[:idx+1]...)
	result = append(result, newLines...)
	result = append(result, lines[idx+1:]...)
	return t.write(target, result, "inserted", idx+1, len(newLines), trailingNewline, perm)
}

func (t *HashlineEditTool) replace(target string, lines []string, index map[string][]int,
	newLines []string, args map[string]any, trailingNewline bool, perm os.FileMode) *Result {

	startHash := argString(args, "start_hash")
	endHash := argString(args, "end_hash")
	if startHash == "" {
		return Fail("start_hash is required (use insert_after_hash to insert)")
	}
	if endHash == "" {
		return Fail("end_hash is required")
	}

	start, ok := resolveHash(startHash, index, hintIndex(args, "start_lineno"))
	if !ok {
		return Fail(fmt.Sprintf("no line matches start_hash %q", startHash))
	}
	end, ok := resolveHash(endHash, index, hintIndex(args, "end_lineno"))
	if !ok {
		return Fail(fmt.Sprintf("no line matches end_hash %q", endHash))
	}
	if start > end {
		start, end = end, start
	}

	action := "replaced"
	if len(newLines) == 0 {
		action = "deleted"
	}
	replaced := end - start + 1
	result := make([]string, 0, len(lines)-replaced+len(newLines))
	result = append(result, lines[:start]...)
	result = append(result, newLines...)
	result = append(result, lines[end+1:]...)
	return t.write(target, result, action, start, replaced, trailingNewline, perm)
}

// write stores the result and answers with a hashline preview around the
// affected range. The edit bumps the mtime, so the next edit is refused
// until the file is read again.
func (t *HashlineEditTool) write(target string, result []string, action string,
	affectedStart, affectedCount int, trailingNewline bool, perm os.FileMode) *Result {

	out := strings.Join(result, "\n")
	if trailingNewline {
		out += "\n"
	}
	if err := os.WriteFile(target, []byte(out), perm); err != nil {
		return Fail(fmt.Sprintf("cannot write file: %v", err))
	}

	previewStart := affectedStart - editPreviewContext
	if previewStart < 0 {
		previewStart = 0
	}
	previewEnd := affectedStart + affectedCount + editPreviewContext
	if previewEnd > len(result) {
		previewEnd = len(result)
	}
	preview := formatHashLines(result[previewStart:previewEnd], previewStart+1)

	return OkMeta(
		fmt.Sprintf("%s %d lines\n--- updated preview ---\n%s",
			action, affectedCount, strings.Join(preview, "\n")),
		map[string]any{
			"action":         action,
			"affected_start": affectedStart + 1,
			"affected_count": affectedCount,
			"total_lines":    len(result),
		})
}

// splitContentLines turns replacement text into line units; empty text
// means delete.
func splitContentLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// hintIndex reads a 1-indexed line hint, returning -1 when absent.
func hintIndex(args map[string]any, key string) int {
	if v := argInt(args, key, 0); v >= 1 {
		return v - 1
	}
	return -1
}
