package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/cellar/internal/modules/experiments"
)

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var input experiments.CreateInput
	if err := decodeJSON(r, &input); err != nil {
		respondError(w, err)
		return
	}
	exp, err := s.deps.Experiments.Create(r.Context(), &input)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Experiments.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.deps.Experiments.Get(r.Context(), chi.URLParam(r, "experimentID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleStartExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.deps.Experiments.Start(r.Context(), chi.URLParam(r, "experimentID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handlePauseExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.deps.Experiments.Pause(r.Context(), chi.URLParam(r, "experimentID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleCompleteExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WinnerVariantID string `json:"winner_variant_id,omitempty"`
		Conclusion      string `json:"conclusion,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	exp, err := s.deps.Experiments.Complete(r.Context(), chi.URLParam(r, "experimentID"), req.WinnerVariantID, req.Conclusion)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleArchiveExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.deps.Experiments.Archive(r.Context(), chi.URLParam(r, "experimentID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleExperimentAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentID string `json:"experiment_id"`
		UserID       string `json:"user_id,omitempty"`
		SessionID    string `json:"session_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.UserID == "" {
		req.UserID = userIDFrom(r)
	}
	assignment, err := s.deps.Experiments.Assign(r.Context(), req.ExperimentID, req.UserID, req.SessionID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, assignment)
}

// handleExperimentEvents records a metric batch. With async=true the
// batch is queued and flushed by the background writer.
func (s *Server) handleExperimentEvents(w http.ResponseWriter, r *http.Request) {
	var batch []experiments.Event
	if err := decodeJSON(r, &batch); err != nil {
		respondError(w, err)
		return
	}
	if r.URL.Query().Get("async") == "true" {
		if err := s.deps.Experiments.Enqueue(batch); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]interface{}{"queued": len(batch)})
		return
	}
	recorded, err := s.deps.Experiments.RecordEvents(r.Context(), batch)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"recorded": recorded})
}

func (s *Server) handleAnalyzeExperiment(w http.ResponseWriter, r *http.Request) {
	var req experiments.AnalysisRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	result, err := s.deps.Experiments.Analyze(r.Context(), chi.URLParam(r, "experimentID"), &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleAnalysisHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Experiments.AnalysisHistory(r.Context(), chi.URLParam(r, "experimentID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}
