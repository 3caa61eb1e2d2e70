package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Load builds the effective configuration: defaults, then the JSON5 config
// file at path (missing file is fine), then the CORE_* environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CORE_CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("CORE_HOST", &cfg.Host)
	envInt("CORE_PORT", &cfg.Port)
	envStr("CORE_API_TOKEN", &cfg.APIToken)
	envStr("CORE_GATEWAY_BASE_URL", &cfg.GatewayBaseURL)
	envStr("CORE_GATEWAY_INTERNAL_TOKEN", &cfg.GatewayInternalToken)
	envSeconds("CORE_REQUEST_TIMEOUT_SECONDS", &cfg.RequestTimeout)
	envInt("CORE_TURN_WORKER_COUNT", &cfg.TurnWorkerCount)
	envInt("CORE_TURN_QUEUE_CAPACITY", &cfg.TurnQueueCapacity)
	envInt("CORE_MAX_TOOL_ROUNDS", &cfg.MaxToolRounds)
	envStr("CORE_DEFAULT_PROVIDER_NAME", &cfg.DefaultProviderName)
	if v := os.Getenv("CORE_ENABLED_PROVIDER_NAMES"); v != "" {
		cfg.EnabledProviderNames = splitCSV(v)
	}
	envStr("CORE_COPILOT_BRIDGE_BASE_URL", &cfg.CopilotBridgeBaseURL)
	envStr("CORE_COPILOT_BRIDGE_TOKEN", &cfg.CopilotBridgeToken)
	envBool("CORE_COPILOT_AUTO_LOGIN_ENABLED", &cfg.CopilotAutoLoginEnabled)
	envStr("CORE_COPILOT_AUTH_CACHE_PATH", &cfg.CopilotAuthCachePath)
	envStr("CORE_COPILOT_LOGIN_ENDPOINT", &cfg.CopilotLoginEndpoint)
	envSeconds("CORE_PROVIDER_BRIDGE_TIMEOUT_SECONDS", &cfg.ProviderBridgeTimeout)
	envStr("CORE_MCP_SERVER_URL", &cfg.MCPServerURL)
	envStr("CORE_MCP_SERVER_TOKEN", &cfg.MCPServerToken)
	envSeconds("CORE_MCP_REQUEST_TIMEOUT_SECONDS", &cfg.MCPRequestTimeout)
	envBool("CORE_ATTACHMENT_DOWNLOAD_ENABLED", &cfg.AttachmentDownloadEnabled)
	envInt64("CORE_ATTACHMENT_DOWNLOAD_MAX_BYTES", &cfg.AttachmentDownloadMaxBytes)
	envStr("CORE_ATTACHMENT_STORAGE_DIR", &cfg.AttachmentStorageDir)
	envStr("CORE_WORKSPACE_ROOT", &cfg.WorkspaceRoot)
	envStr("CORE_SESSION_STORE", &cfg.SessionStore)
	envStr("CORE_SQLITE_PATH", &cfg.SQLitePath)
	envFloat("CORE_EVENT_PUSH_RPS", &cfg.EventPushRPS)
	envStr("CORE_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	envStr("CORE_OTEL_PROTOCOL", &cfg.Telemetry.Protocol)
	envBool("CORE_OTEL_INSECURE", &cfg.Telemetry.Insecure)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

// envSeconds parses a float number of seconds into a duration, matching the
// *_SECONDS naming of the env contract.
func envSeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}
