// Package inventory implements the cellar stock ledger: transactional
// consume/receive/move/reserve operations over per-location stock rows,
// an append-only audit trail, and intake parsing from heterogeneous
// sources.
package inventory

// Ledger entry types.
const (
	EntryIn        = "IN"
	EntryOut       = "OUT"
	EntryMove      = "MOVE"
	EntryReserve   = "RESERVE"
	EntryUnreserve = "UNRESERVE"
)

// StockLevel is one (vintage, location) row.
type StockLevel struct {
	VintageID     string   `json:"vintage_id"`
	Location      string   `json:"location"`
	Quantity      int      `json:"quantity"`
	Reserved      int      `json:"reserved_quantity"`
	Available     int      `json:"available"`
	CostPerBottle *float64 `json:"cost_per_bottle,omitempty"`
	CurrentValue  *float64 `json:"current_value,omitempty"`
	UpdatedAt     string   `json:"updated_at"`
}

// LedgerEntry is one append-only audit record. Entries are never mutated.
type LedgerEntry struct {
	ID            int64    `json:"id"`
	EntryType     string   `json:"entry_type"`
	VintageID     string   `json:"vintage_id"`
	Location      string   `json:"location"`
	ToLocation    string   `json:"to_location,omitempty"`
	Quantity      int      `json:"quantity"`
	UnitCost      *float64 `json:"unit_cost,omitempty"`
	ReferenceID   string   `json:"reference_id,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Notes         string   `json:"notes"`
	Actor         string   `json:"actor"`
	CreatedAt     string   `json:"created_at"`
}

// ReceiveResult is the outcome of a receive operation. Enrichment runs
// after the stock mutation commits and never fails the receive; its error,
// if any, is reported here.
type ReceiveResult struct {
	Stock           StockLevel `json:"stock"`
	EnrichmentError string     `json:"enrichment_error,omitempty"`
}

// Intake source types.
const (
	SourceManual  = "manual"
	SourcePDF     = "pdf_invoice"
	SourceScanned = "scanned_document"
	SourceExcel   = "excel"
)

// Intake is one parsed delivery document.
type Intake struct {
	ID            string       `json:"id"`
	SourceType    string       `json:"source_type"`
	Status        string       `json:"status"`
	OCRConfidence *float64     `json:"ocr_confidence,omitempty"`
	Items         []IntakeItem `json:"items"`
	CreatedAt     string       `json:"created_at"`
}

// IntakeItem is one line of an intake.
type IntakeItem struct {
	Name     string   `json:"name"`
	Producer string   `json:"producer"`
	Year     int      `json:"year"`
	Quantity int      `json:"quantity"`
	UnitCost *float64 `json:"unit_cost,omitempty"`
	Location string   `json:"location,omitempty"`
	Region   string   `json:"region,omitempty"`
	WineType string   `json:"wine_type,omitempty"`
}

// IntakeRequest is the raw input to intake parsing. Exactly one of Items,
// Text or Rows is consulted depending on SourceType.
type IntakeRequest struct {
	SourceType    string          `json:"source_type"`
	Items         []IntakeItem    `json:"items,omitempty"`
	Text          string          `json:"text,omitempty"`
	OCRConfidence *float64        `json:"ocr_confidence,omitempty"`
	Rows          [][]interface{} `json:"rows,omitempty"`
}
