package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const globMaxResults = 1000

// GlobTool finds files by doublestar glob pattern.
type GlobTool struct {
	workspace string
}

// NewGlobTool creates the tool rooted at the workspace.
func NewGlobTool(workspace string) *GlobTool {
	return &GlobTool{workspace: workspace}
}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Find files matching a glob pattern, e.g. **/*.go or src/**/*.ts."
}

func (t *GlobTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern (doublestar ** supported)",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search from; defaults to the workspace root",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GlobTool) Execute(_ context.Context, args map[string]any) *Result {
	pattern := argString(args, "pattern")
	if pattern == "" {
		return Fail("pattern is required")
	}

	root := t.workspace
	if sub := argString(args, "path"); sub != "" {
		resolved, err := resolvePath(t.workspace, sub)
		if err != nil {
			return Fail(err.Error())
		}
		root = resolved
	}

	matches, err := doublestar.Glob(os.DirFS(root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		if errors.Is(err, doublestar.ErrBadPattern) {
			return Fail(fmt.Sprintf("bad glob pattern: %v", err))
		}
		return Fail(fmt.Sprintf("glob failed: %v", err))
	}
	sort.Strings(matches)

	total := len(matches)
	truncated := total > globMaxResults
	if truncated {
		matches = matches[:globMaxResults]
	}

	output := strings.Join(matches, "\n")
	if output == "" {
		output = "(no matching files)"
	}
	return OkMeta(output, map[string]any{
		"match_count": total,
		"truncated":   truncated,
	})
}
