package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/codial/internal/apperr"
)

// CopilotAuthConfig configures the token bootstrap chain.
type CopilotAuthConfig struct {
	BridgeBaseURL    string
	BridgeToken      string
	Timeout          time.Duration
	CachePath        string
	WorkspaceRoot    string
	AutoLoginEnabled bool
	LoginEndpoint    string
}

// CopilotAuth resolves the bridge token through a three-step chain:
// configured token, cached token, auto-login against the bridge.
type CopilotAuth struct {
	cfg    CopilotAuthConfig
	client *http.Client
}

// NewCopilotAuth creates the bootstrapper.
func NewCopilotAuth(cfg CopilotAuthConfig) *CopilotAuth {
	return &CopilotAuth{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// EnsureToken returns a usable bridge token. A configured token is cached
// and returned as-is; otherwise the cache is consulted; otherwise, when
// auto-login is enabled, the bridge login endpoint is called and the
// result cached.
func (a *CopilotAuth) EnsureToken(ctx context.Context) (string, error) {
	if a.cfg.BridgeToken != "" {
		a.writeCache(a.cfg.BridgeToken)
		slog.Info("copilot_auth.ready", "source", "env", "cache_path", a.cachePath())
		return a.cfg.BridgeToken, nil
	}

	if token := a.readCache(); token != "" {
		slog.Info("copilot_auth.ready", "source", "cache", "cache_path", a.cachePath())
		return token, nil
	}

	if !a.cfg.AutoLoginEnabled {
		return "", apperr.New(apperr.CodeProviderAuthFailed,
			"no Copilot bridge token configured and auto-login is disabled")
	}

	token, err := a.login(ctx)
	if err != nil {
		return "", err
	}
	a.writeCache(token)
	slog.Info("copilot_auth.ready", "source", "login", "cache_path", a.cachePath())
	return token, nil
}

func (a *CopilotAuth) cachePath() string {
	path := a.cfg.CachePath
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(a.cfg.WorkspaceRoot, path)
}

type tokenCache struct {
	Token      string `json:"token"`
	ObtainedAt string `json:"obtained_at,omitempty"`
}

func (a *CopilotAuth) readCache() string {
	data, err := os.ReadFile(a.cachePath())
	if err != nil {
		return ""
	}
	var cache tokenCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return ""
	}
	return cache.Token
}

// writeCache persists the token at mode 0600 via temp-and-rename. Cache
// failures are logged, never fatal.
func (a *CopilotAuth) writeCache(token string) {
	path := a.cachePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Warn("copilot_auth.cache_write_failed", "path", path, "error", err)
		return
	}
	data, _ := json.Marshal(tokenCache{
		Token:      token,
		ObtainedAt: time.Now().UTC().Format(time.RFC3339),
	})
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Warn("copilot_auth.cache_write_failed", "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		slog.Warn("copilot_auth.cache_write_failed", "path", path, "error", err)
	}
}

func (a *CopilotAuth) login(ctx context.Context) (string, error) {
	base := strings.TrimRight(a.cfg.BridgeBaseURL, "/")
	if base == "" {
		return "", apperr.New(apperr.CodeProviderAuthFailed,
			"Copilot bridge base URL is not configured, cannot auto-login")
	}
	endpoint := strings.TrimSpace(a.cfg.LoginEndpoint)
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "build login request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", apperr.WrapTransient(apperr.CodeBridgeTimeout, "Copilot auto-login timed out", err)
		}
		return "", apperr.WrapTransient(apperr.CodeBridgeTransport, "Copilot auto-login network failure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", apperr.Transient(apperr.CodeBridgeTransport, "Copilot auto-login server error")
	}
	if resp.StatusCode >= 400 {
		return "", apperr.Newf(apperr.CodeProviderAuthFailed,
			"Copilot auto-login rejected: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", apperr.WrapTransient(apperr.CodeBridgeTransport, "Copilot auto-login response read failed", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", apperr.Wrap(apperr.CodeProviderAuthFailed, "Copilot auto-login response is not JSON", err)
	}
	token := extractToken(body)
	if token == "" {
		return "", apperr.New(apperr.CodeProviderAuthFailed, "Copilot auto-login response contained no token")
	}
	return token, nil
}

// extractToken scans the well-known token keys, then recurses one level
// into a "data" object.
func extractToken(body map[string]any) string {
	for _, key := range []string{"token", "access_token", "bearer_token", "api_key"} {
		if v, ok := body[key].(string); ok && v != "" {
			return v
		}
	}
	if nested, ok := body["data"].(map[string]any); ok {
		return extractToken(nested)
	}
	return ""
}
