package providers

import (
	"sort"
	"strings"

	"github.com/nextlevelbuilder/codial/internal/apperr"
	"github.com/nextlevelbuilder/codial/internal/config"
)

// factory builds an adapter from the runtime config, with an optional
// bridge token override from the auth bootstrapper.
type factory func(cfg *config.Config, tokenOverride string) Bridge

// New providers register here; nothing else needs to change.
var factories = map[string]factory{
	"github-copilot-sdk": func(cfg *config.Config, tokenOverride string) Bridge {
		token := cfg.CopilotBridgeToken
		if tokenOverride != "" {
			token = tokenOverride
		}
		return NewHTTPBridge(HTTPBridgeConfig{
			Name:    "github-copilot-sdk",
			BaseURL: cfg.CopilotBridgeBaseURL,
			Token:   token,
			Timeout: cfg.ProviderBridgeTimeout,
			Hint:    "GitHub Copilot SDK",
		})
	},
}

// KnownProviderNames lists every provider the catalog can build, sorted.
func KnownProviderNames() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveEnabled validates the configured provider list against the
// catalog. An empty list falls back to the default provider.
func ResolveEnabled(names []string, fallbackDefault string) ([]string, error) {
	resolved := names
	if len(resolved) == 0 {
		resolved = []string{fallbackDefault}
	}

	var unknown []string
	for _, name := range resolved {
		if _, ok := factories[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, apperr.Newf(apperr.CodeProviderNotEnabled,
			"unknown providers configured: %s (known: %s)",
			strings.Join(unknown, ", "), strings.Join(KnownProviderNames(), ", "))
	}
	return resolved, nil
}

// ChooseDefault picks the session default provider: the preferred name if
// enabled, otherwise the first enabled provider.
func ChooseDefault(preferred string, enabled []string) string {
	for _, name := range enabled {
		if name == preferred {
			return preferred
		}
	}
	return enabled[0]
}

// BuildAdapters constructs one adapter per enabled provider.
func BuildAdapters(cfg *config.Config, enabled []string, copilotTokenOverride string) []Bridge {
	adapters := make([]Bridge, 0, len(enabled))
	for _, name := range enabled {
		if f, ok := factories[name]; ok {
			adapters = append(adapters, f(cfg, copilotTokenOverride))
		}
	}
	return adapters
}
