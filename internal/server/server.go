// Package server assembles the core service: storage, providers, MCP,
// policy, the turn pool, and the REST surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/codial/internal/attachments"
	"github.com/nextlevelbuilder/codial/internal/bootstrap"
	"github.com/nextlevelbuilder/codial/internal/config"
	"github.com/nextlevelbuilder/codial/internal/events"
	"github.com/nextlevelbuilder/codial/internal/httpapi"
	"github.com/nextlevelbuilder/codial/internal/mcp"
	"github.com/nextlevelbuilder/codial/internal/policy"
	"github.com/nextlevelbuilder/codial/internal/providers"
	"github.com/nextlevelbuilder/codial/internal/rules"
	"github.com/nextlevelbuilder/codial/internal/store"
	"github.com/nextlevelbuilder/codial/internal/store/sqlite"
	"github.com/nextlevelbuilder/codial/internal/telemetry"
	"github.com/nextlevelbuilder/codial/internal/tools"
	"github.com/nextlevelbuilder/codial/internal/turns"
)

const (
	idempotencyTTL = 15 * time.Minute
	// turnBudget caps a single turn end to end, tool rounds included.
	turnBudget = 5 * time.Minute
	// defaultSessionModel seeds sessions when AGENTS.md declares no default_model.
	defaultSessionModel = "gpt-5-mini"
)

// Server is the assembled core service.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	pool       *turns.Pool
	policy     *policy.Cache
	mcpClient  *mcp.Client

	closeSessions     func() error
	shutdownTelemetry func(context.Context) error
}

// New builds the service from config. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, name := range cfg.InsecureTokens() {
		slog.Warn("server.insecure_token", "name", name)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	workspace, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if seeded, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		slog.Warn("server.workspace_seed_failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("server.workspace_seeded", "files", seeded)
	}

	sessions, closeSessions, err := buildSessionRepo(cfg)
	if err != nil {
		return nil, err
	}
	turnRepo := store.NewMemoryTurnRepo()
	runs := store.NewRunRegistry()
	idem := store.NewIdempotencyIndex(idempotencyTTL)

	enabled, err := providers.ResolveEnabled(cfg.EnabledProviderNames, cfg.DefaultProviderName)
	if err != nil {
		return nil, err
	}

	tokenOverride := ""
	auth := providers.NewCopilotAuth(providers.CopilotAuthConfig{
		BridgeBaseURL:    cfg.CopilotBridgeBaseURL,
		BridgeToken:      cfg.CopilotBridgeToken,
		Timeout:          cfg.ProviderBridgeTimeout,
		CachePath:        cfg.CopilotAuthCachePath,
		WorkspaceRoot:    workspace,
		AutoLoginEnabled: cfg.CopilotAutoLoginEnabled,
		LoginEndpoint:    cfg.CopilotLoginEndpoint,
	})
	if token, err := auth.EnsureToken(ctx); err != nil {
		slog.Warn("server.copilot_auth_unavailable", "error", err)
	} else {
		tokenOverride = token
	}

	manager := providers.NewManager(providers.BuildAdapters(cfg, enabled, tokenOverride))

	mcpClient := mcp.NewClient(mcp.ClientConfig{
		ServerURL: cfg.MCPServerURL,
		Token:     cfg.MCPServerToken,
		Timeout:   cfg.MCPRequestTimeout,
	})
	if mcpClient.Enabled() {
		if info, err := mcpClient.Connect(ctx); err != nil {
			// Turns degrade to builtin tools; the connection retries lazily.
			slog.Warn("server.mcp_connect_failed", "url", cfg.MCPServerURL, "error", err)
		} else {
			slog.Info("server.mcp_connected", "server", info.Name, "protocol", info.ProtocolVersion)
		}
	}

	policyCache := policy.NewCache(policy.NewLoader(workspace))

	publisher := events.NewPublisher(events.PublisherConfig{
		GatewayBaseURL: cfg.GatewayBaseURL,
		InternalToken:  cfg.GatewayInternalToken,
		Timeout:        cfg.RequestTimeout,
		PushRPS:        cfg.EventPushRPS,
	})

	engine := turns.NewEngine(turns.EngineConfig{
		Sink: publisher,
		Ingestor: attachments.NewIngestor(attachments.IngestorConfig{
			DownloadEnabled: cfg.AttachmentDownloadEnabled,
			MaxBytes:        cfg.AttachmentDownloadMaxBytes,
			StorageDir:      cfg.AttachmentStorageDir,
			Timeout:         cfg.RequestTimeout,
		}),
		MCP:        mcpClient,
		Providers:  manager,
		Policy:     policyCache,
		Tools:      tools.DefaultRegistry(workspace),
		MaxRounds:  cfg.MaxToolRounds,
		TurnBudget: turnBudget,
	})

	pool := turns.NewPool(turns.PoolConfig{
		Capacity: cfg.TurnQueueCapacity,
		Workers:  cfg.TurnWorkerCount,
		Sessions: sessions,
		Turns:    turnRepo,
		Runs:     runs,
		Engine:   engine,
	})

	mux := http.NewServeMux()
	httpapi.NewSessionsHandler(httpapi.SessionsHandlerConfig{
		Sessions:         sessions,
		Turns:            turnRepo,
		Idempotency:      idem,
		Pool:             pool,
		Runs:             runs,
		Policy:           policyCache,
		EnabledProviders: enabled,
		DefaultConfig: store.SessionConfig{
			Provider: providers.ChooseDefault(cfg.DefaultProviderName, enabled),
			Model:    defaultSessionModel,
		},
		Token: cfg.APIToken,
	}).RegisterRoutes(mux)
	httpapi.NewRulesHandler(rules.NewStore(workspace), cfg.APIToken).RegisterRoutes(mux)
	httpapi.NewHealthHandler(cfg.APIToken, cfg.GatewayBaseURL).RegisterRoutes(mux)

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		pool:              pool,
		policy:            policyCache,
		mcpClient:         mcpClient,
		closeSessions:     closeSessions,
		shutdownTelemetry: shutdownTelemetry,
	}, nil
}

func buildSessionRepo(cfg *config.Config) (store.SessionRepo, func() error, error) {
	switch cfg.SessionStore {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		repo, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("server.session_store", "backend", "sqlite", "path", cfg.SQLitePath)
		return repo, repo.Close, nil
	default:
		slog.Info("server.session_store", "backend", "memory")
		return store.NewMemorySessionRepo(), func() error { return nil }, nil
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	// The pool outlives the signal context: Stop drains it on shutdown.
	s.pool.Start(context.Background())

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server.listening", "addr", s.httpServer.Addr, "service", s.cfg.ServiceName)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.shutdown(context.Background())
		return err
	case <-ctx.Done():
		slog.Info("server.shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
		defer cancel()
		s.shutdown(shutdownCtx)
		return nil
	}
}

func (s *Server) shutdown(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("server.http_shutdown", "error", err)
	}
	s.pool.Stop()
	if err := s.mcpClient.Close(); err != nil {
		slog.Warn("server.mcp_close", "error", err)
	}
	if err := s.policy.Close(); err != nil {
		slog.Warn("server.policy_close", "error", err)
	}
	if err := s.closeSessions(); err != nil {
		slog.Warn("server.session_store_close", "error", err)
	}
	if err := s.shutdownTelemetry(ctx); err != nil {
		slog.Warn("server.telemetry_shutdown", "error", err)
	}
	slog.Info("server.stopped")
}
