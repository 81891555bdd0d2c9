// Package catalog manages the wine catalog: wines, their aliases, vintages,
// suppliers and the price book.
package catalog

// Wine types accepted by the catalog.
const (
	TypeRed       = "Red"
	TypeWhite     = "White"
	TypeRose      = "Rosé"
	TypeSparkling = "Sparkling"
	TypeDessert   = "Dessert"
	TypeFortified = "Fortified"
	TypeOther     = "Other"
)

// Wine is a catalog entry independent of any particular vintage.
type Wine struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Producer       string   `json:"producer"`
	Region         string   `json:"region"`
	Country        string   `json:"country"`
	WineType       string   `json:"wine_type"`
	GrapeVarieties []string `json:"grape_varieties"`
	Style          string   `json:"style"`
	TastingNotes   string   `json:"tasting_notes"`
	StorageNotes   string   `json:"storage_notes"`
	Aliases        []string `json:"aliases,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

// Vintage is one year's release of a wine. Weather and procurement payloads
// are enrichment results stored as typed JSON.
type Vintage struct {
	ID                string   `json:"id"`
	WineID            string   `json:"wine_id"`
	Year              int      `json:"year"`
	QualityScore      *float64 `json:"quality_score,omitempty"`
	WeatherScore      *float64 `json:"weather_score,omitempty"`
	CriticScore       *float64 `json:"critic_score,omitempty"`
	PeakDrinkingStart *int     `json:"peak_drinking_start,omitempty"`
	PeakDrinkingEnd   *int     `json:"peak_drinking_end,omitempty"`
	WeatherJSON       string   `json:"weather_json,omitempty"`
	ProcurementJSON   string   `json:"procurement_json,omitempty"`
	Notes             string   `json:"notes"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
}

// Supplier is a wine merchant the cellar buys from.
type Supplier struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Rating    int    `json:"rating"` // 1..5
	Contact   string `json:"contact"`
	CreatedAt string `json:"created_at"`
}

// Availability statuses for price book entries.
const (
	AvailabilityInStock   = "In Stock"
	AvailabilityLimited   = "Limited"
	AvailabilityAllocated = "Allocated"
	AvailabilityOut       = "Out"
)

// PriceEntry is one supplier's current offer for a vintage.
type PriceEntry struct {
	VintageID      string  `json:"vintage_id"`
	SupplierID     string  `json:"supplier_id"`
	PricePerBottle float64 `json:"price_per_bottle"`
	Availability   string  `json:"availability_status"`
	LastUpdated    string  `json:"last_updated"`
}
