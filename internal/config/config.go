// Package config holds the runtime configuration for the Codial core
// service. Values come from defaults, an optional JSON5 config file, and
// the CORE_* environment, in that order — env always wins.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the agent core service.
type Config struct {
	ServiceName string `json:"service_name,omitempty"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`

	// APIToken guards the /v1 REST surface. Never persisted to the config
	// file; env only.
	APIToken string `json:"-"`

	GatewayBaseURL string `json:"gateway_base_url,omitempty"`
	// GatewayInternalToken is sent as x-internal-token on event pushes.
	GatewayInternalToken string        `json:"-"`
	RequestTimeout       time.Duration `json:"-"`

	TurnWorkerCount   int `json:"turn_worker_count,omitempty"`
	TurnQueueCapacity int `json:"turn_queue_capacity,omitempty"`
	MaxToolRounds     int `json:"max_tool_rounds,omitempty"`

	DefaultProviderName  string   `json:"default_provider_name,omitempty"`
	EnabledProviderNames []string `json:"enabled_provider_names,omitempty"`

	CopilotBridgeBaseURL    string        `json:"copilot_bridge_base_url,omitempty"`
	CopilotBridgeToken      string        `json:"-"`
	CopilotAutoLoginEnabled bool          `json:"copilot_auto_login_enabled,omitempty"`
	CopilotAuthCachePath    string        `json:"copilot_auth_cache_path,omitempty"`
	CopilotLoginEndpoint    string        `json:"copilot_login_endpoint,omitempty"`
	ProviderBridgeTimeout   time.Duration `json:"-"`

	MCPServerURL      string        `json:"mcp_server_url,omitempty"`
	MCPServerToken    string        `json:"-"`
	MCPRequestTimeout time.Duration `json:"-"`

	AttachmentDownloadEnabled  bool   `json:"attachment_download_enabled,omitempty"`
	AttachmentDownloadMaxBytes int64  `json:"attachment_download_max_bytes,omitempty"`
	AttachmentStorageDir       string `json:"attachment_storage_dir,omitempty"`

	WorkspaceRoot string `json:"workspace_root,omitempty"`

	// SessionStore selects the SessionRepo backend: "memory" (default) or
	// "sqlite".
	SessionStore string `json:"session_store,omitempty"`
	SQLitePath   string `json:"sqlite_path,omitempty"`

	// EventPushRPS paces pushes to the gateway. 0 = unlimited.
	EventPushRPS float64 `json:"event_push_rps,omitempty"`

	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// TelemetryConfig configures optional OTLP trace export. Disabled unless
// Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// Default returns a Config with the service's stock settings.
func Default() *Config {
	return &Config{
		ServiceName:                "codial-core",
		Host:                       "0.0.0.0",
		Port:                       8081,
		APIToken:                   "dev-core-token",
		GatewayBaseURL:             "http://localhost:8080",
		GatewayInternalToken:       "dev-internal-token",
		RequestTimeout:             10 * time.Second,
		TurnWorkerCount:            2,
		TurnQueueCapacity:          256,
		MaxToolRounds:              5,
		DefaultProviderName:        "github-copilot-sdk",
		EnabledProviderNames:       []string{"github-copilot-sdk"},
		CopilotAutoLoginEnabled:    true,
		CopilotAuthCachePath:       ".runtime/copilot-auth.json",
		CopilotLoginEndpoint:       "/v1/auth/login",
		ProviderBridgeTimeout:      30 * time.Second,
		MCPRequestTimeout:          15 * time.Second,
		AttachmentDownloadMaxBytes: 10_000_000,
		AttachmentStorageDir:       ".runtime/attachments",
		WorkspaceRoot:              ".",
		SessionStore:               "memory",
		SQLitePath:                 ".runtime/codial.db",
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.TurnWorkerCount <= 0 {
		return fmt.Errorf("turn worker count must be positive, got %d", c.TurnWorkerCount)
	}
	if c.TurnQueueCapacity <= 0 {
		return fmt.Errorf("turn queue capacity must be positive, got %d", c.TurnQueueCapacity)
	}
	if c.MaxToolRounds <= 0 {
		return fmt.Errorf("max tool rounds must be positive, got %d", c.MaxToolRounds)
	}
	if len(c.EnabledProviderNames) == 0 {
		c.EnabledProviderNames = []string{c.DefaultProviderName}
	}
	switch c.SessionStore {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("unknown session store %q (want memory or sqlite)", c.SessionStore)
	}
	return nil
}

// InsecureTokens returns the names of auth tokens still set to their dev
// defaults. Callers log a warning per name on startup.
func (c *Config) InsecureTokens() []string {
	var names []string
	if c.APIToken == "" || c.APIToken == "dev-core-token" {
		names = append(names, "CORE_API_TOKEN")
	}
	if c.GatewayInternalToken == "" || c.GatewayInternalToken == "dev-internal-token" {
		names = append(names, "CORE_GATEWAY_INTERNAL_TOKEN")
	}
	return names
}

// splitCSV parses a comma-separated env value into a trimmed slice.
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
