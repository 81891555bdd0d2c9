package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/cellar/internal/modules/inventory"
)

// stockMutationRequest covers receive, consume, reserve, unreserve and
// move. Move uses From/To instead of Location.
type stockMutationRequest struct {
	VintageID   string   `json:"vintage_id"`
	Location    string   `json:"location,omitempty"`
	From        string   `json:"from,omitempty"`
	To          string   `json:"to,omitempty"`
	Quantity    int      `json:"quantity"`
	UnitCost    *float64 `json:"unit_cost,omitempty"`
	ReferenceID string   `json:"reference_id,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// actorFrom attributes ledger entries to the caller. The user ID wins
// over the coarser role label.
func actorFrom(r *http.Request) string {
	if id := userIDFrom(r); id != "" {
		return id
	}
	return roleFrom(r)
}

func (s *Server) handleAvailableStock(w http.ResponseWriter, r *http.Request) {
	stock, err := s.deps.Inventory.Repo().AvailableStock()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stock)
}

func (s *Server) handleStockForVintage(w http.ResponseWriter, r *http.Request) {
	stock, err := s.deps.Inventory.Repo().StockForVintage(chi.URLParam(r, "vintageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stock)
}

func (s *Server) handleStockHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	history, err := s.deps.Inventory.Repo().History(chi.URLParam(r, "vintageID"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req stockMutationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	result, err := s.deps.Inventory.Receive(r.Context(), req.VintageID, req.Location, req.Quantity, req.UnitCost, req.ReferenceID, req.Notes, actorFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req stockMutationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	level, err := s.deps.Inventory.Consume(r.Context(), req.VintageID, req.Location, req.Quantity, req.Notes, actorFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, level)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req stockMutationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	level, err := s.deps.Inventory.Move(r.Context(), req.VintageID, req.From, req.To, req.Quantity, req.Notes, actorFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, level)
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req stockMutationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	level, err := s.deps.Inventory.Reserve(r.Context(), req.VintageID, req.Location, req.Quantity, req.Notes, actorFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, level)
}

func (s *Server) handleUnreserve(w http.ResponseWriter, r *http.Request) {
	var req stockMutationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	level, err := s.deps.Inventory.Unreserve(r.Context(), req.VintageID, req.Location, req.Quantity, req.Notes, actorFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, level)
}

// handleIntake parses a delivery (manual list, invoice text, scan or
// spreadsheet rows) into a pending intake for review.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var req inventory.IntakeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	intake, err := inventory.ParseIntake(&req)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.deps.Inventory.RecordIntake(intake); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, intake)
}

// handleIntakeCommit turns a reviewed intake into receive operations.
func (s *Server) handleIntakeCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Intake          inventory.Intake `json:"intake"`
		DefaultLocation string           `json:"default_location"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	results, err := s.deps.Inventory.CommitIntake(r.Context(), &req.Intake, s.deps.Resolver, req.DefaultLocation, actorFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}
