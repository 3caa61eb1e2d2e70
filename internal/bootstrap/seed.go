// Package bootstrap seeds starter policy files into a fresh workspace.
package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// Workspace file names the policy loader reads.
const (
	MemoryFile = "CLAUDE.md"
	AgentsFile = "AGENTS.md"
	RulesFile  = "CODIAL.md"
)

// templateFiles lists the templates to seed, in order.
var templateFiles = []string{
	MemoryFile,
	AgentsFile,
	RulesFile,
}

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureWorkspaceFiles seeds template files into a workspace directory.
// Only writes files that don't already exist (will not overwrite).
// Returns the list of files that were created.
func EnsureWorkspaceFiles(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range templateFiles {
		ok, err := seedTemplate(workspaceDir, name)
		if err != nil {
			slog.Warn("bootstrap.seed_failed", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedTemplate writes a template file to the workspace if it doesn't exist.
// Returns true if the file was created, false if it already exists.
func seedTemplate(workspaceDir, name string) (bool, error) {
	dstPath := filepath.Join(workspaceDir, name)

	// Only create if the file doesn't exist (O_EXCL).
	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}

	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
