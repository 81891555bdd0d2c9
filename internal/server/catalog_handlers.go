package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/cellar/internal/apperrors"
	"github.com/aristath/cellar/internal/modules/catalog"
)

func (s *Server) handleListWines(w http.ResponseWriter, r *http.Request) {
	wines, err := s.deps.Wines.GetAll()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wines)
}

func (s *Server) handleSearchWines(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		respondError(w, apperrors.Validation("query parameter q is required"))
		return
	}
	wines, err := s.deps.Wines.Search(query)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wines)
}

func (s *Server) handleGetWine(w http.ResponseWriter, r *http.Request) {
	wine, err := s.deps.Wines.Get(chi.URLParam(r, "wineID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wine)
}

func (s *Server) handleCreateWine(w http.ResponseWriter, r *http.Request) {
	var wine catalog.Wine
	if err := decodeJSON(r, &wine); err != nil {
		respondError(w, err)
		return
	}
	if err := s.deps.Wines.Create(&wine); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, wine)
}

func (s *Server) handleUpdateWine(w http.ResponseWriter, r *http.Request) {
	var wine catalog.Wine
	if err := decodeJSON(r, &wine); err != nil {
		respondError(w, err)
		return
	}
	wine.ID = chi.URLParam(r, "wineID")
	if err := s.deps.Wines.Update(&wine); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wine)
}

func (s *Server) handleAddAlias(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alias string `json:"alias"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if strings.TrimSpace(req.Alias) == "" {
		respondError(w, apperrors.Validation("alias is required"))
		return
	}
	wineID := chi.URLParam(r, "wineID")
	if err := s.deps.Wines.AddAlias(wineID, req.Alias); err != nil {
		respondError(w, err)
		return
	}
	aliases, err := s.deps.Wines.Aliases(wineID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"aliases": aliases})
}

func (s *Server) handleWineVintages(w http.ResponseWriter, r *http.Request) {
	vintages, err := s.deps.Vintages.ForWine(chi.URLParam(r, "wineID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, vintages)
}

func (s *Server) handleGetVintage(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Vintages.Get(chi.URLParam(r, "vintageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleCreateVintage(w http.ResponseWriter, r *http.Request) {
	var v catalog.Vintage
	if err := decodeJSON(r, &v); err != nil {
		respondError(w, err)
		return
	}
	if err := s.deps.Vintages.Create(&v); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, v)
}

// handleEnrichVintage kicks weather-driven enrichment for one stocked
// vintage. The write happens inside the vintage service.
func (s *Server) handleEnrichVintage(w http.ResponseWriter, r *http.Request) {
	vintageID := chi.URLParam(r, "vintageID")
	if err := s.deps.Vintage.EnrichOnReceive(r.Context(), vintageID); err != nil {
		respondError(w, err)
		return
	}
	v, err := s.deps.Vintages.Get(vintageID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleVintagePrices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.deps.Suppliers.PricesForVintage(chi.URLParam(r, "vintageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, prices)
}

func (s *Server) handleBestOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := s.deps.Suppliers.BestOffer(chi.URLParam(r, "vintageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, offer)
}

func (s *Server) handleListSuppliers(w http.ResponseWriter, r *http.Request) {
	suppliers, err := s.deps.Suppliers.GetActive()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, suppliers)
}

func (s *Server) handleCreateSupplier(w http.ResponseWriter, r *http.Request) {
	var supplier catalog.Supplier
	if err := decodeJSON(r, &supplier); err != nil {
		respondError(w, err)
		return
	}
	if err := s.deps.Suppliers.Create(&supplier); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, supplier)
}

func (s *Server) handleUpsertPrice(w http.ResponseWriter, r *http.Request) {
	var entry catalog.PriceEntry
	if err := decodeJSON(r, &entry); err != nil {
		respondError(w, err)
		return
	}
	if err := s.deps.Suppliers.UpsertPrice(&entry); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}
