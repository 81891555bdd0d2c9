package di

import (
	"context"
	"strings"

	"github.com/aristath/cellar/internal/apperrors"
	"github.com/aristath/cellar/internal/modules/catalog"
	"github.com/aristath/cellar/internal/modules/inventory"
	"github.com/aristath/cellar/internal/modules/pairing"
)

// candidateSource joins ledger stock levels with catalog metadata to
// produce the pairing engine's candidate list. Stock is aggregated per
// vintage across locations; vintages with no available bottles are
// skipped.
type candidateSource struct {
	stock    *inventory.Repository
	wines    *catalog.WineRepository
	vintages *catalog.VintageRepository
}

func newCandidateSource(stock *inventory.Repository, wines *catalog.WineRepository, vintages *catalog.VintageRepository) *candidateSource {
	return &candidateSource{stock: stock, wines: wines, vintages: vintages}
}

func (s *candidateSource) AvailableWines(ctx context.Context) ([]pairing.CandidateWine, error) {
	levels, err := s.stock.AvailableStock()
	if err != nil {
		return nil, err
	}

	available := make(map[string]int)
	var order []string
	for _, level := range levels {
		if level.Available <= 0 {
			continue
		}
		if _, seen := available[level.VintageID]; !seen {
			order = append(order, level.VintageID)
		}
		available[level.VintageID] += level.Available
	}

	wineCache := make(map[string]*catalog.Wine)
	candidates := make([]pairing.CandidateWine, 0, len(order))
	for _, vintageID := range order {
		v, err := s.vintages.Get(vintageID)
		if err != nil {
			// Stock referencing an unknown vintage is a data problem in
			// the catalog, not a reason to fail the whole pairing.
			if apperrors.CodeOf(err) == apperrors.CodeNotFound {
				continue
			}
			return nil, err
		}

		wine, ok := wineCache[v.WineID]
		if !ok {
			wine, err = s.wines.Get(v.WineID)
			if err != nil {
				if apperrors.CodeOf(err) == apperrors.CodeNotFound {
					continue
				}
				return nil, err
			}
			wineCache[v.WineID] = wine
		}

		candidates = append(candidates, pairing.CandidateWine{
			WineID:       wine.ID,
			VintageID:    v.ID,
			Name:         wine.Name,
			Producer:     wine.Producer,
			Region:       wine.Region,
			WineType:     wine.WineType,
			Year:         v.Year,
			Quantity:     available[vintageID],
			QualityScore: v.QualityScore,
			TastingNotes: wine.TastingNotes,
		})
	}
	return candidates, nil
}

// wineMetaAdapter answers the learning store's wine metadata lookups
// from the catalog.
type wineMetaAdapter struct {
	wines    *catalog.WineRepository
	vintages *catalog.VintageRepository
}

func newWineMetaAdapter(wines *catalog.WineRepository, vintages *catalog.VintageRepository) *wineMetaAdapter {
	return &wineMetaAdapter{wines: wines, vintages: vintages}
}

func (a *wineMetaAdapter) WineMeta(wineID string) (string, string, error) {
	wine, err := a.wines.Get(wineID)
	if err != nil {
		return "", "", err
	}
	return wine.WineType, wine.Region, nil
}

// catalogResolver maps intake lines onto catalog rows, creating wines
// and vintages on first sight so a delivery can never be blocked by a
// missing catalog entry.
type catalogResolver struct {
	wines    *catalog.WineRepository
	vintages *catalog.VintageRepository
}

func newCatalogResolver(wines *catalog.WineRepository, vintages *catalog.VintageRepository) *catalogResolver {
	return &catalogResolver{wines: wines, vintages: vintages}
}

func (r *catalogResolver) ResolveVintage(ctx context.Context, name, producer string, year int, region, wineType string) (string, error) {
	wine, err := r.findWine(name, producer)
	if err != nil {
		return "", err
	}
	if wine == nil {
		wine = &catalog.Wine{
			Name:     strings.TrimSpace(name),
			Producer: strings.TrimSpace(producer),
			Region:   region,
			WineType: wineType,
		}
		if err := r.wines.Create(wine); err != nil {
			return "", err
		}
	}

	// GetByWineYear reports a missing vintage as (nil, nil).
	v, err := r.vintages.GetByWineYear(wine.ID, year)
	if err == nil && v != nil {
		return v.ID, nil
	}
	if err != nil && apperrors.CodeOf(err) != apperrors.CodeNotFound {
		return "", err
	}

	created := &catalog.Vintage{WineID: wine.ID, Year: year}
	if err := r.vintages.Create(created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// findWine matches by name plus producer, falling back to a name-only
// match when the intake line carries no producer.
func (r *catalogResolver) findWine(name, producer string) (*catalog.Wine, error) {
	matches, err := r.wines.Search(strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	wantName := strings.ToLower(strings.TrimSpace(name))
	wantProducer := strings.ToLower(strings.TrimSpace(producer))
	for i := range matches {
		if strings.ToLower(matches[i].Name) != wantName {
			continue
		}
		if wantProducer == "" || strings.ToLower(matches[i].Producer) == wantProducer {
			return &matches[i], nil
		}
	}
	return nil, nil
}
