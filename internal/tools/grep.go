package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	grepMaxMatches  = 500
	grepMaxLineSize = 64 * 1024
)

// GrepTool searches workspace files line by line with a regular expression.
type GrepTool struct {
	workspace string
}

// NewGrepTool creates the tool rooted at the workspace.
func NewGrepTool(workspace string) *GrepTool {
	return &GrepTool{workspace: workspace}
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search file contents with a regular expression; returns path:line: text matches."
}

func (t *GrepTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory or file to search; defaults to the workspace root",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any) *Result {
	pattern := argString(args, "pattern")
	if pattern == "" {
		return Fail("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Fail(fmt.Sprintf("bad pattern: %v", err))
	}

	root := t.workspace
	if sub := argString(args, "path"); sub != "" {
		resolved, err := resolvePath(t.workspace, sub)
		if err != nil {
			return Fail(err.Error())
		}
		root = resolved
	}

	var matches []string
	truncated := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if len(matches) >= grepMaxMatches {
			truncated = true
			return fs.SkipAll
		}
		t.grepFile(path, re, &matches)
		return nil
	})
	if walkErr != nil && walkErr != fs.SkipAll {
		return Fail(fmt.Sprintf("search aborted: %v", walkErr))
	}

	output := strings.Join(matches, "\n")
	if output == "" {
		output = "(no matches)"
	}
	return OkMeta(output, map[string]any{
		"match_count": len(matches),
		"truncated":   truncated,
	})
}

func (t *GrepTool) grepFile(path string, re *regexp.Regexp, matches *[]string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), grepMaxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		// Binary-looking content is skipped wholesale.
		if strings.ContainsRune(line, '\x00') {
			return
		}
		if re.MatchString(line) {
			rel, err := filepath.Rel(t.workspace, path)
			if err != nil {
				rel = path
			}
			*matches = append(*matches, fmt.Sprintf("%s:%d: %s", rel, lineNo, line))
			if len(*matches) >= grepMaxMatches {
				return
			}
		}
	}
}
