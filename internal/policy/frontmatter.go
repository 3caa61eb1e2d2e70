package policy

import (
	"strings"

	"github.com/goccy/go-yaml"
)

// splitFrontmatter separates a markdown document into its YAML frontmatter
// map and body. Documents without a frontmatter block return an empty map
// and the full text. A malformed block returns the parse error so callers
// can warn and skip the file.
func splitFrontmatter(text string) (map[string]any, string, error) {
	if !strings.HasPrefix(text, "---\n") && !strings.HasPrefix(text, "---\r\n") {
		return map[string]any{}, text, nil
	}

	rest := text[strings.Index(text, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return map[string]any{}, text, nil
	}

	raw := rest[:end]
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\r")
	body = strings.TrimPrefix(body, "\n")

	fm := map[string]any{}
	if err := yaml.Unmarshal([]byte(raw), &fm); err != nil {
		return nil, "", err
	}
	return fm, body, nil
}

// fmString reads a string-valued frontmatter key, trimmed. Missing or
// non-string values yield "".
func fmString(fm map[string]any, key string) string {
	if v, ok := fm[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// fmInt reads an integer-valued frontmatter key. YAML decoders surface
// numbers under several Go types depending on sign and size.
func fmInt(fm map[string]any, key string) int {
	switch v := fm[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// fmStringList accepts both a YAML sequence and a comma-separated scalar,
// matching how agent files are written in the wild.
func fmStringList(fm map[string]any, key string) []string {
	switch v := fm[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	default:
		return nil
	}
}
