package inventory

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/aristath/cellar/internal/apperrors"
)

// VintageResolver maps an intake line to a vintage id, creating catalog
// rows as needed. Implemented by the catalog wiring.
type VintageResolver interface {
	ResolveVintage(ctx context.Context, name, producer string, year int, region, wineType string) (string, error)
}

// invoiceLine matches "name - producer - year - qty - unit_cost" with
// permissive whitespace. Producer may be empty.
var invoiceLine = regexp.MustCompile(`^\s*(.+?)\s*-\s*(.*?)\s*-\s*(\d{4})\s*-\s*(\d+)\s*-\s*(\d+(?:\.\d+)?)\s*$`)

// ParseIntake validates and normalizes an intake request into items. The
// intake is not persisted and no stock is touched; see RecordIntake and
// CommitIntake.
func ParseIntake(req *IntakeRequest) (*Intake, error) {
	intake := &Intake{
		ID:            uuid.NewString(),
		SourceType:    req.SourceType,
		Status:        "parsed",
		OCRConfidence: req.OCRConfidence,
	}

	var err error
	switch req.SourceType {
	case SourceManual:
		intake.Items, err = validateManualItems(req.Items)
	case SourcePDF:
		intake.Items, err = parseInvoiceText(req.Text)
	case SourceScanned:
		if req.OCRConfidence == nil || *req.OCRConfidence < 0.5 {
			return nil, apperrors.ErrLowOCRConfidence
		}
		intake.Items, err = parseInvoiceText(req.Text)
	case SourceExcel:
		intake.Items, err = parseExcelRows(req.Rows)
	default:
		return nil, apperrors.Validation("unknown intake source type: %q", req.SourceType)
	}
	if err != nil {
		return nil, err
	}

	if len(intake.Items) == 0 {
		return nil, apperrors.Validation("intake yielded no valid items")
	}
	return intake, nil
}

func validateManualItems(items []IntakeItem) ([]IntakeItem, error) {
	var out []IntakeItem
	for i, item := range items {
		item.Name = strings.TrimSpace(item.Name)
		if item.Name == "" {
			return nil, apperrors.Validation("item %d: name is required", i)
		}
		if item.Quantity <= 0 {
			return nil, apperrors.Validation("item %d: quantity must be positive", i)
		}
		if item.Year < 1800 || item.Year > 2200 {
			return nil, apperrors.Validation("item %d: implausible year %d", i, item.Year)
		}
		out = append(out, item)
	}
	return out, nil
}

// parseInvoiceText extracts items line by line. Lines that do not yield a
// positive quantity and a 4-digit year are skipped.
func parseInvoiceText(text string) ([]IntakeItem, error) {
	var items []IntakeItem
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := invoiceLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		year, _ := strconv.Atoi(m[3])
		qty, _ := strconv.Atoi(m[4])
		cost, _ := strconv.ParseFloat(m[5], 64)
		if qty <= 0 {
			continue
		}

		items = append(items, IntakeItem{
			Name:     m[1],
			Producer: m[2],
			Year:     year,
			Quantity: qty,
			UnitCost: &cost,
		})
	}
	return items, nil
}

// parseExcelRows coerces rows of [name, year, qty, unit_cost, location,
// producer, region, wine_type]. Short rows are padded; rows without a name
// or positive quantity are rejected.
func parseExcelRows(rows [][]interface{}) ([]IntakeItem, error) {
	var items []IntakeItem
	for i, row := range rows {
		get := func(idx int) interface{} {
			if idx < len(row) {
				return row[idx]
			}
			return nil
		}

		name := strings.TrimSpace(asString(get(0)))
		if name == "" {
			return nil, apperrors.Validation("row %d: name is required", i)
		}
		year := asInt(get(1))
		qty := asInt(get(2))
		if qty <= 0 {
			return nil, apperrors.Validation("row %d: quantity must be positive", i)
		}

		item := IntakeItem{
			Name:     name,
			Year:     year,
			Quantity: qty,
			Location: strings.TrimSpace(asString(get(4))),
			Producer: strings.TrimSpace(asString(get(5))),
			Region:   strings.TrimSpace(asString(get(6))),
			WineType: strings.TrimSpace(asString(get(7))),
		}
		if cost := asFloat(get(3)); cost > 0 {
			item.UnitCost = &cost
		}
		items = append(items, item)
	}
	return items, nil
}

// RecordIntake persists a parsed intake and its items.
func (s *Service) RecordIntake(intake *Intake) error {
	_, err := s.db.Exec(
		"INSERT INTO intakes (id, source_type, status, ocr_confidence, item_count) VALUES (?, ?, ?, ?, ?)",
		intake.ID, intake.SourceType, intake.Status, intake.OCRConfidence, len(intake.Items),
	)
	if err != nil {
		return apperrors.Database("failed to record intake", err)
	}

	for _, item := range intake.Items {
		_, err := s.db.Exec(
			`INSERT INTO intake_items (intake_id, name, producer, year, quantity, unit_cost, location, region, wine_type)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			intake.ID, item.Name, item.Producer, item.Year, item.Quantity, item.UnitCost, item.Location, item.Region, item.WineType,
		)
		if err != nil {
			return apperrors.Database("failed to record intake item", err)
		}
	}
	return nil
}

// CommitIntake resolves each item to a vintage and receives it into stock.
// defaultLocation is used for items that carry none. Returns one receive
// result per item.
func (s *Service) CommitIntake(ctx context.Context, intake *Intake, resolver VintageResolver, defaultLocation, actor string) ([]ReceiveResult, error) {
	if resolver == nil {
		return nil, apperrors.Validation("vintage resolver is required")
	}

	var results []ReceiveResult
	for i, item := range intake.Items {
		vintageID, err := resolver.ResolveVintage(ctx, item.Name, item.Producer, item.Year, item.Region, item.WineType)
		if err != nil {
			return results, fmt.Errorf("failed to resolve item %d (%s): %w", i, item.Name, err)
		}

		location := item.Location
		if location == "" {
			location = defaultLocation
		}

		result, err := s.Receive(ctx, vintageID, location, item.Quantity, item.UnitCost, intake.ID, "intake "+intake.SourceType, actor)
		if err != nil {
			return results, fmt.Errorf("failed to receive item %d (%s): %w", i, item.Name, err)
		}
		results = append(results, *result)
	}

	if _, err := s.db.Exec("UPDATE intakes SET status = 'committed' WHERE id = ?", intake.ID); err != nil {
		return results, apperrors.Database("failed to mark intake committed", err)
	}
	return results, nil
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	default:
		return 0
	}
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	default:
		return 0
	}
}
