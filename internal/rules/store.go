// Package rules manages the persistent rule list kept as "- " bullets in
// the workspace CODIAL.md file.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/codial/internal/apperr"
)

const rulesFileName = "CODIAL.md"

const fileHeader = "# Codial Rules\n"

// Store reads and mutates the workspace rule file. All mutations rewrite
// the file atomically under a single lock, so concurrent appends and
// removals serialize.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a Store over <workspace>/CODIAL.md.
func NewStore(workspace string) *Store {
	return &Store{path: filepath.Join(workspace, rulesFileName)}
}

// List returns the current rules in file order. A missing file is an
// empty list, not an error.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Append adds a rule to the end of the list and returns its 1-based index.
func (s *Store) Append(text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, apperr.New(apperr.CodePolicyInvalid, "rule text must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil {
		return 0, err
	}
	current = append(current, text)
	if err := s.write(current); err != nil {
		return 0, err
	}
	return len(current), nil
}

// Remove deletes the rule at the given 1-based index and returns its text.
func (s *Store) Remove(index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil {
		return "", err
	}
	if index < 1 || index > len(current) {
		return "", apperr.Newf(apperr.CodeIndexOutOfRange,
			"rule index %d out of range (have %d rules)", index, len(current))
	}

	removed := current[index-1]
	current = append(current[:index-1], current[index:]...)
	if err := s.write(current); err != nil {
		return "", err
	}
	return removed, nil
}

func (s *Store) read() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "read rules file", err)
	}

	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if stripped := strings.TrimSpace(line); strings.HasPrefix(stripped, "- ") {
			out = append(out, strings.TrimSpace(strings.TrimPrefix(stripped, "- ")))
		}
	}
	return out, nil
}

// write replaces the rules file via temp-file-and-rename so readers never
// see a partial list.
func (s *Store) write(list []string) error {
	var b strings.Builder
	b.WriteString(fileHeader)
	b.WriteString("\n")
	for _, rule := range list {
		fmt.Fprintf(&b, "- %s\n", rule)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "create rules dir", err)
	}
	tmp, err := os.CreateTemp(dir, ".codial-rules-*")
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "create temp rules file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.Wrap(apperr.CodeInternal, "write rules file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperr.Wrap(apperr.CodeInternal, "close rules file", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return apperr.Wrap(apperr.CodeInternal, "replace rules file", err)
	}
	return nil
}
