package policy

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadSubagents discovers subagent definitions from the global and
// workspace agent directories. Workspace definitions override global ones
// with the same name.
func (l *Loader) LoadSubagents() []Subagent {
	found := map[string]Subagent{}

	for _, dir := range l.subagentSearchPaths() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			path := filepath.Join(dir, name)
			sa, err := parseSubagentFile(path)
			if err != nil {
				slog.Warn("policy.subagent_skipped", "path", path, "error", err)
				continue
			}
			found[sa.Name] = sa
		}
	}

	out := make([]Subagent, 0, len(found))
	for _, sa := range found {
		out = append(out, sa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// subagentSearchPaths returns [global, workspace] so that workspace
// definitions win on name collision.
func (l *Loader) subagentSearchPaths() []string {
	var paths []string
	if l.home != "" {
		paths = append(paths, filepath.Join(l.home, ".claude", "agents"))
	}
	paths = append(paths, filepath.Join(l.workspace, ".claude", "agents"))
	return paths
}

func parseSubagentFile(path string) (Subagent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Subagent{}, err
	}

	fm, prompt, err := splitFrontmatter(string(data))
	if err != nil {
		return Subagent{}, err
	}

	name := fmString(fm, "name")
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".md")
	}

	model := fmString(fm, "model")
	if model == "" {
		model = "inherit"
	}

	maxTurns := fmInt(fm, "maxTurns")

	return Subagent{
		Name:        name,
		Description: fmString(fm, "description"),
		Prompt:      strings.TrimSpace(prompt),
		Model:       model,
		Tools:       fmStringList(fm, "tools"),
		Skills:      fmStringList(fm, "skills"),
		MCPServers:  fmStringList(fm, "mcpServers"),
		MaxTurns:    maxTurns,
		Memory:      fmString(fm, "memory"),
		SourcePath:  path,
	}, nil
}
