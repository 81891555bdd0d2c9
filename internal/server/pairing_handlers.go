package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/cellar/internal/events"
	"github.com/aristath/cellar/internal/modules/learning"
	"github.com/aristath/cellar/internal/modules/pairing"
	"github.com/aristath/cellar/internal/modules/vintage"
)

type pairingRequest struct {
	Dish        *pairing.DishInput   `json:"dish"`
	Context     *pairing.Context     `json:"context,omitempty"`
	Preferences *pairing.Preferences `json:"preferences,omitempty"`
	Options     *pairing.Options     `json:"options,omitempty"`
}

func (s *Server) handleGeneratePairings(w http.ResponseWriter, r *http.Request) {
	var req pairingRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	result, err := s.deps.Pairing.GeneratePairings(r.Context(), req.Dish, req.Context, req.Preferences, req.Options, userIDFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleQuickPairing(w http.ResponseWriter, r *http.Request) {
	var req pairingRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	result, err := s.deps.Pairing.QuickPairing(r.Context(), req.Dish, req.Context, req.Preferences, userIDFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePairingFeedback(w http.ResponseWriter, r *http.Request) {
	var feedback learning.Feedback
	if err := decodeJSON(r, &feedback); err != nil {
		respondError(w, err)
		return
	}
	if feedback.UserID == "" {
		feedback.UserID = userIDFrom(r)
	}
	id, err := s.deps.Learning.RecordFeedback(r.Context(), &feedback)
	if err != nil {
		respondError(w, err)
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(events.PairingFeedback, map[string]interface{}{
			"feedback_id":       id,
			"recommendation_id": feedback.RecommendationID,
			"rating":            feedback.Rating,
		})
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func (s *Server) handlePairingWeights(w http.ResponseWriter, r *http.Request) {
	weights, err := s.deps.Learning.EnhancedPairingWeights(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, weights)
}

func (s *Server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	sessions, err := s.deps.Learning.RecentSessions(limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleUserProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.deps.Learning.GetUserProfile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// handleEnrichWine runs ad-hoc vintage intelligence for a wine that is
// not necessarily in the catalog yet.
func (s *Server) handleEnrichWine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WineID        string   `json:"wine_id,omitempty"`
		VintageID     string   `json:"vintage_id,omitempty"`
		Name          string   `json:"name"`
		Producer      string   `json:"producer,omitempty"`
		Region        string   `json:"region"`
		VineyardAlias string   `json:"vineyard_alias,omitempty"`
		Year          int      `json:"year"`
		BaseScore     *float64 `json:"base_score,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	enrichment, err := s.deps.Vintage.EnrichWineData(r.Context(), &vintage.WineInput{
		WineID:        req.WineID,
		VintageID:     req.VintageID,
		Name:          req.Name,
		Producer:      req.Producer,
		Region:        req.Region,
		VineyardAlias: req.VineyardAlias,
		Year:          req.Year,
		BaseScore:     req.BaseScore,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, enrichment)
}
