package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/codial/internal/rules"
)

// RulesHandler serves the persistent rules list backed by CODIAL.md.
type RulesHandler struct {
	store *rules.Store
	token string
}

// NewRulesHandler creates the handler.
func NewRulesHandler(store *rules.Store, token string) *RulesHandler {
	return &RulesHandler{store: store, token: token}
}

// RegisterRoutes registers the rules routes on the given mux.
func (h *RulesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/codial/rules", requireBearer(h.token, h.handleList))
	mux.HandleFunc("POST /v1/codial/rules", requireBearer(h.token, h.handleAppend))
	mux.HandleFunc("DELETE /v1/codial/rules", requireBearer(h.token, h.handleRemove))
}

func (h *RulesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	list, err := h.store.List()
	if err != nil {
		writeError(w, r, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list, "count": len(list)})
}

func (h *RulesHandler) handleAppend(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	var req struct {
		Rule string `json:"rule"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, traceID, err)
		return
	}

	index, err := h.store.Append(req.Rule)
	if err != nil {
		writeError(w, r, traceID, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"index": index, "rule": req.Rule})
}

func (h *RulesHandler) handleRemove(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	var req struct {
		Index int `json:"index"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, traceID, err)
		return
	}

	removed, err := h.store.Remove(req.Index)
	if err != nil {
		writeError(w, r, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": req.Index, "removed": removed})
}
