package providers

import (
	"sort"
	"strings"

	"github.com/nextlevelbuilder/codial/internal/apperr"
)

// Manager resolves provider names to their adapters.
type Manager struct {
	adapters map[string]Bridge
}

// NewManager indexes the given adapters by name.
func NewManager(adapters []Bridge) *Manager {
	m := &Manager{adapters: make(map[string]Bridge, len(adapters))}
	for _, a := range adapters {
		m.adapters[a.Name()] = a
	}
	return m
}

// Resolve returns the adapter for name, or PROVIDER_NOT_ENABLED.
func (m *Manager) Resolve(name string) (Bridge, error) {
	if a, ok := m.adapters[name]; ok {
		return a, nil
	}
	return nil, apperr.Newf(apperr.CodeProviderNotEnabled,
		"provider %q is not enabled (enabled: %s)", name, strings.Join(m.Names(), ", "))
}

// Names lists the enabled provider names, sorted.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
