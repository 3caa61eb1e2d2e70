// Package policy loads the workspace policy surface — memory files, agent
// defaults, rules, skills, and subagent definitions — into an immutable
// content-hashed snapshot consumed by session creation and the turn engine.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

// Snapshot is an immutable view of the policy surface at load time.
// Loading twice over an unchanged filesystem yields an identical Hash.
type Snapshot struct {
	MemoryText string // merged CLAUDE.md chain (user-global + workspace-upward)
	AgentsText string // AGENTS.md verbatim
	RulesText  string // RULES.md verbatim plus CODIAL.md rule bullets

	Skills    []Skill
	Subagents []Subagent

	Defaults AgentDefaults

	Hash string // hex SHA-256 over all loaded content
}

// AgentDefaults are session seed values declared in AGENTS.md.
type AgentDefaults struct {
	Provider       string
	Model          string
	MCPEnabled     *bool // nil = not declared
	MCPProfileName string
}

// Skill is a summarized skill definition.
type Skill struct {
	Name         string
	Description  string
	Path         string
	AllowedTools []string
	Model        string
}

// Subagent is a named agent profile selectable per session.
type Subagent struct {
	Name        string
	Description string
	Prompt      string
	Model       string // "inherit" when unset
	Tools       []string
	Skills      []string
	MCPServers  []string
	MaxTurns    int
	Memory      string
	SourcePath  string
}

// Loader reads the policy surface under a workspace root. It is stateless;
// wrap it in a Cache for snapshot reuse.
type Loader struct {
	workspace string
	home      string // user home; overridable in tests
}

// NewLoader creates a Loader rooted at the workspace directory.
func NewLoader(workspace string) *Loader {
	home, _ := os.UserHomeDir()
	return &Loader{workspace: workspace, home: home}
}

// WithHome overrides the user home directory (tests).
func (l *Loader) WithHome(home string) *Loader {
	l.home = home
	return l
}

// Load reads every policy source and assembles the snapshot.
func (l *Loader) Load() (*Snapshot, error) {
	snap := &Snapshot{}

	snap.MemoryText = l.loadMemoryChain()
	snap.AgentsText = readFileOrEmpty(filepath.Join(l.workspace, "AGENTS.md"))
	snap.RulesText = l.loadRulesText()
	snap.Skills = l.loadSkills()
	snap.Subagents = l.LoadSubagents()
	snap.Defaults = ParseAgentDefaults(snap.AgentsText)
	snap.Hash = hashSnapshot(snap)

	return snap, nil
}

// loadMemoryChain merges ~/.claude/CLAUDE.md and every CLAUDE.md from the
// workspace upward to the filesystem root, in that order.
func (l *Loader) loadMemoryChain() string {
	var parts []string

	if l.home != "" {
		if text := readFileOrEmpty(filepath.Join(l.home, ".claude", "CLAUDE.md")); text != "" {
			parts = append(parts, text)
		}
	}

	dir, err := filepath.Abs(l.workspace)
	if err != nil {
		dir = l.workspace
	}
	for {
		if text := readFileOrEmpty(filepath.Join(dir, "CLAUDE.md")); text != "" {
			parts = append(parts, text)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return strings.Join(parts, "\n\n")
}

// loadRulesText merges RULES.md with the bullet rules in CODIAL.md.
func (l *Loader) loadRulesText() string {
	rules := readFileOrEmpty(filepath.Join(l.workspace, "RULES.md"))
	codial := readFileOrEmpty(filepath.Join(l.workspace, "CODIAL.md"))
	if codial == "" {
		return rules
	}

	var bullets []string
	for _, line := range strings.Split(codial, "\n") {
		if stripped := strings.TrimSpace(line); strings.HasPrefix(stripped, "- ") {
			bullets = append(bullets, stripped)
		}
	}
	if len(bullets) == 0 {
		return rules
	}
	if rules == "" {
		return strings.Join(bullets, "\n")
	}
	return rules + "\n" + strings.Join(bullets, "\n")
}

// loadSkills collects .claude/skills/*/SKILL.md (frontmatter markdown) and
// skills/*.yaml summaries. Malformed files are skipped with a warning.
func (l *Loader) loadSkills() []Skill {
	var skills []Skill

	skillDirs, _ := filepath.Glob(filepath.Join(l.workspace, ".claude", "skills", "*", "SKILL.md"))
	sort.Strings(skillDirs)
	for _, path := range skillDirs {
		text := readFileOrEmpty(path)
		if text == "" {
			continue
		}
		fm, body, err := splitFrontmatter(text)
		if err != nil {
			slog.Warn("policy.skill_skipped", "path", path, "error", err)
			continue
		}
		name := fmString(fm, "name")
		if name == "" {
			name = filepath.Base(filepath.Dir(path))
		}
		description := fmString(fm, "description")
		if description == "" {
			description = firstNonEmptyLine(body)
		}
		skills = append(skills, Skill{
			Name:         name,
			Description:  description,
			Path:         path,
			AllowedTools: fmStringList(fm, "allowed-tools"),
			Model:        fmString(fm, "model"),
		})
	}

	yamlSkills, _ := filepath.Glob(filepath.Join(l.workspace, "skills", "*.yaml"))
	sort.Strings(yamlSkills)
	for _, path := range yamlSkills {
		text := readFileOrEmpty(path)
		if text == "" {
			continue
		}
		fm := map[string]any{}
		if err := yaml.Unmarshal([]byte(text), &fm); err != nil {
			slog.Warn("policy.skill_skipped", "path", path, "error", err)
			continue
		}
		name := fmString(fm, "name")
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), ".yaml")
		}
		skills = append(skills, Skill{
			Name:        name,
			Description: fmString(fm, "description"),
			Path:        path,
		})
	}

	return skills
}

// SkillNames returns the names of all loaded skills on the snapshot.
func (s *Snapshot) SkillNames() []string {
	names := make([]string, 0, len(s.Skills))
	for _, sk := range s.Skills {
		names = append(names, sk.Name)
	}
	return names
}

// FindSubagent returns the subagent definition with the given name.
func (s *Snapshot) FindSubagent(name string) (Subagent, bool) {
	for _, sa := range s.Subagents {
		if sa.Name == name {
			return sa, true
		}
	}
	return Subagent{}, false
}

// RulesSummary returns the first content line of the rules text.
func (s *Snapshot) RulesSummary() string { return headline(s.RulesText) }

// AgentsSummary returns the first content line of AGENTS.md.
func (s *Snapshot) AgentsSummary() string { return headline(s.AgentsText) }

// MemorySummary returns the first content line of the memory chain.
func (s *Snapshot) MemorySummary() string { return headline(s.MemoryText) }

// SkillsSummary lists skill names, or a placeholder when none exist.
func (s *Snapshot) SkillsSummary() string {
	if len(s.Skills) == 0 {
		return "no skills"
	}
	return strings.Join(s.SkillNames(), ", ")
}

// ParseAgentDefaults extracts default_* key declarations from AGENTS.md.
func ParseAgentDefaults(agentsText string) AgentDefaults {
	var d AgentDefaults
	for _, raw := range strings.Split(agentsText, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, ":") {
			continue
		}
		key, value, _ := strings.Cut(line, ":")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch key {
		case "default_provider":
			d.Provider = value
		case "default_model":
			d.Model = value
		case "default_mcp_enabled":
			switch strings.ToLower(value) {
			case "true", "yes", "1":
				v := true
				d.MCPEnabled = &v
			case "false", "no", "0":
				v := false
				d.MCPEnabled = &v
			}
		case "default_mcp_profile":
			d.MCPProfileName = value
		}
	}
	return d
}

func hashSnapshot(s *Snapshot) string {
	h := sha256.New()
	section := func(label, content string) {
		fmt.Fprintf(h, "%s:%d\n", label, len(content))
		io.WriteString(h, content)
	}
	section("memory", s.MemoryText)
	section("agents", s.AgentsText)
	section("rules", s.RulesText)
	for _, sk := range s.Skills {
		section("skill:"+sk.Name, sk.Description+"|"+strings.Join(sk.AllowedTools, ","))
	}
	for _, sa := range s.Subagents {
		section("subagent:"+sa.Name, sa.Prompt+"|"+sa.Model+"|"+strings.Join(sa.MCPServers, ","))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func headline(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if stripped := strings.TrimSpace(line); stripped != "" {
			if len(stripped) > 200 {
				return stripped[:200]
			}
			return stripped
		}
	}
	return "empty"
}

func firstNonEmptyLine(text string) string { return headline(text) }
