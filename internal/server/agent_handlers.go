package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/cellar/internal/agent"
)

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Dispatcher.List())
}

// handleCallTool dispatches one capability. Role enforcement, the dry-run
// default, confirmation and idempotency all live in the dispatcher.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Params  map[string]interface{} `json:"params,omitempty"`
		Options *agent.Options         `json:"options,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	result, err := s.deps.Dispatcher.Call(r.Context(), chi.URLParam(r, "toolName"), req.Params, roleFrom(r), req.Options)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
