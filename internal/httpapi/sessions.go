package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/codial/internal/apperr"
	"github.com/nextlevelbuilder/codial/internal/policy"
	"github.com/nextlevelbuilder/codial/internal/providers"
	"github.com/nextlevelbuilder/codial/internal/store"
	"github.com/nextlevelbuilder/codial/internal/turns"
)

// SessionsHandler serves session lifecycle, per-session configuration, and
// turn submission.
type SessionsHandler struct {
	sessions    store.SessionRepo
	turnRepo    store.TurnRepo
	idem        *store.IdempotencyIndex
	pool        *turns.Pool
	runs        *store.RunRegistry
	policy      *policy.Cache
	enabled     map[string]bool
	enabledList []string
	defaults    store.SessionConfig
	token       string
}

// SessionsHandlerConfig wires the handler.
type SessionsHandlerConfig struct {
	Sessions         store.SessionRepo
	Turns            store.TurnRepo
	Idempotency      *store.IdempotencyIndex
	Pool             *turns.Pool
	Runs             *store.RunRegistry
	Policy           *policy.Cache
	EnabledProviders []string
	DefaultConfig    store.SessionConfig
	Token            string
}

// NewSessionsHandler creates the handler.
func NewSessionsHandler(cfg SessionsHandlerConfig) *SessionsHandler {
	enabled := make(map[string]bool, len(cfg.EnabledProviders))
	for _, name := range cfg.EnabledProviders {
		enabled[name] = true
	}
	return &SessionsHandler{
		sessions:    cfg.Sessions,
		turnRepo:    cfg.Turns,
		idem:        cfg.Idempotency,
		pool:        cfg.Pool,
		runs:        cfg.Runs,
		policy:      cfg.Policy,
		enabled:     enabled,
		enabledList: cfg.EnabledProviders,
		defaults:    cfg.DefaultConfig,
		token:       cfg.Token,
	}
}

// RegisterRoutes registers the session routes on the given mux.
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", requireBearer(h.token, h.handleCreate))
	mux.HandleFunc("POST /v1/sessions/{id}/bind-channel", requireBearer(h.token, h.handleBindChannel))
	mux.HandleFunc("POST /v1/sessions/{id}/end", requireBearer(h.token, h.handleEnd))
	mux.HandleFunc("POST /v1/sessions/{id}/provider", requireBearer(h.token, h.handleSetProvider))
	mux.HandleFunc("POST /v1/sessions/{id}/model", requireBearer(h.token, h.handleSetModel))
	mux.HandleFunc("POST /v1/sessions/{id}/mcp", requireBearer(h.token, h.handleSetMCP))
	mux.HandleFunc("POST /v1/sessions/{id}/subagent", requireBearer(h.token, h.handleSetSubagent))
	mux.HandleFunc("POST /v1/sessions/{id}/turns", requireBearer(h.token, h.handleSubmitTurn))
}

type sessionConfigResponse struct {
	SessionID      string `json:"session_id"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	MCPEnabled     bool   `json:"mcp_enabled"`
	MCPProfileName string `json:"mcp_profile_name"`
	SubagentName   string `json:"subagent_name"`
}

func configResponse(s store.Session) sessionConfigResponse {
	return sessionConfigResponse{
		SessionID:      s.ID,
		Provider:       s.Config.Provider,
		Model:          s.Config.Model,
		MCPEnabled:     s.Config.MCPEnabled,
		MCPProfileName: s.Config.MCPProfileName,
		SubagentName:   s.Config.SubagentName,
	}
}

// seedConfig layers the AGENTS.md default_* declarations over the service
// defaults. A declared provider only applies when it is enabled.
func (h *SessionsHandler) seedConfig() store.SessionConfig {
	cfg := h.defaults
	snap, err := h.policy.Snapshot()
	if err != nil {
		slog.Warn("httpapi.policy_defaults_unavailable", "error", err)
		return cfg
	}
	d := snap.Defaults
	if d.Provider != "" {
		if h.enabled[d.Provider] {
			cfg.Provider = d.Provider
		} else {
			slog.Warn("httpapi.default_provider_not_enabled", "provider", d.Provider)
		}
	}
	if d.Model != "" {
		cfg.Model = d.Model
	}
	if d.MCPEnabled != nil {
		cfg.MCPEnabled = *d.MCPEnabled
	}
	if d.MCPProfileName != "" {
		cfg.MCPProfileName = d.MCPProfileName
	}
	return cfg
}

func (h *SessionsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	var req struct {
		GuildID        string `json:"guild_id"`
		RequesterID    string `json:"requester_id"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, traceID, err)
		return
	}

	resp, cached, err := h.idem.Do(store.ScopeSessionCreate, req.IdempotencyKey, func() (any, error) {
		session, err := h.sessions.Create(req.GuildID, req.RequesterID, h.seedConfig())
		if err != nil {
			return nil, err
		}
		return map[string]string{"session_id": session.ID, "status": session.Status}, nil
	})
	if err != nil {
		writeError(w, r, traceID, err)
		return
	}
	if cached {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *SessionsHandler) handleBindChannel(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	var req struct {
		ChannelID string `json:"channel_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, traceID, err)
		return
	}

	session, err := h.sessions.BindChannel(r.PathValue("id"), req.ChannelID)
	if err != nil {
		writeError(w, r, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": session.ID,
		"channel_id": session.ChannelID,
		"status":     session.Status,
	})
}

func (h *SessionsHandler) handleEnd(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	session, err := h.sessions.End(r.PathValue("id"))
	if err != nil {
		writeError(w, r, traceID, err)
		return
	}
	// Ending a session aborts any turn still running on it.
	h.runs.Cancel(session.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": session.ID,
		"status":     store.StatusEnded,
	})
}

func (h *SessionsHandler) handleSetProvider(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	var req struct {
		Provider string `json:"provider"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, traceID, err)
		return
	}
	if !h.enabled[req.Provider] {
		writeError(w, r, traceID, apperr.Newf(apperr.CodeProviderNotEnabled,
			"provider %q is not enabled (enabled: %s)", req.Provider, strings.Join(h.enabledList, ", ")))
		return
	}

	session, err := h.sessions.SetProvider(r.PathValue("id"), req.Provider)
	if err != nil {
		writeError(w, r, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse(session))
}

func (h *SessionsHandler) handleSetModel(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	var req struct {
		Model string `json:"model"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, traceID, err)
		return
	}

	session, err := h.sessions.SetModel(r.PathValue("id"), req.Model)
	if err != nil {
		writeError(w, r, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse(session))
}

func (h *SessionsHandler) handleSetMCP(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	var req struct {
		Enabled     bool   `json:"enabled"`
		ProfileName string `json:"profile_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, traceID, err)
		return
	}

	session, err := h.sessions.SetMCP(r.PathValue("id"), req.Enabled, req.ProfileName)
	if err != nil {
		writeError(w, r, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse(session))
}

func (h *SessionsHandler) handleSetSubagent(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	var req struct {
		Name *string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, traceID, err)
		return
	}

	name := ""
	if req.Name != nil {
		name = *req.Name
	}
	if name != "" {
		snap, err := h.policy.Snapshot()
		if err != nil {
			writeError(w, r, traceID, err)
			return
		}
		if _, ok := snap.FindSubagent(name); !ok {
			writeError(w, r, traceID, apperr.Newf(apperr.CodeSubagentNotFound,
				"subagent %q is not defined", name))
			return
		}
	}

	session, err := h.sessions.SetSubagent(r.PathValue("id"), name)
	if err != nil {
		writeError(w, r, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse(session))
}

func (h *SessionsHandler) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	var req struct {
		UserID         string                 `json:"user_id"`
		ChannelID      string                 `json:"channel_id"`
		Text           string                 `json:"text"`
		Attachments    []providers.Attachment `json:"attachments"`
		IdempotencyKey string                 `json:"idempotency_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, traceID, err)
		return
	}

	sessionID := r.PathValue("id")
	session, err := h.sessions.Get(sessionID)
	if err != nil {
		writeError(w, r, traceID, err)
		return
	}
	if session.Status == store.StatusEnded {
		writeError(w, r, traceID, apperr.Newf(apperr.CodeSessionEnded,
			"session %s has ended", sessionID))
		return
	}

	resp, _, err := h.idem.Do(store.ScopeTurnSubmit, req.IdempotencyKey, func() (any, error) {
		turn := store.Turn{
			ID:             uuid.NewString(),
			SessionID:      sessionID,
			UserID:         req.UserID,
			ChannelID:      req.ChannelID,
			Text:           req.Text,
			Attachments:    req.Attachments,
			IdempotencyKey: req.IdempotencyKey,
			TraceID:        traceID,
			Status:         store.TurnQueued,
			CreatedAt:      time.Now().UTC(),
		}
		if err := h.turnRepo.Create(turn); err != nil {
			return nil, err
		}
		if err := h.pool.TryEnqueue(turn); err != nil {
			// Close the record out; a rejected turn must not linger queued.
			if markErr := h.turnRepo.MarkDone(turn.ID, store.TurnFailed, apperr.Code(err)); markErr != nil {
				slog.Warn("httpapi.turn_mark_failed", "turn_id", turn.ID, "error", markErr)
			}
			return nil, err
		}
		return map[string]string{
			"status":   "accepted",
			"trace_id": turn.TraceID,
			"turn_id":  turn.ID,
		}, nil
	})
	if err != nil {
		writeError(w, r, traceID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}
