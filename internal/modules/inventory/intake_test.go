package inventory

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cellar/internal/apperrors"
)

func floatPtr(f float64) *float64 { return &f }

func TestParseIntakeManual(t *testing.T) {
	intake, err := ParseIntake(&IntakeRequest{
		SourceType: SourceManual,
		Items: []IntakeItem{
			{Name: "Clos de Tart", Producer: "Mommessin", Year: 2019, Quantity: 6, UnitCost: floatPtr(240)},
		},
	})
	require.NoError(t, err)
	require.Len(t, intake.Items, 1)
	assert.Equal(t, "parsed", intake.Status)
}

func TestParseIntakeManualValidation(t *testing.T) {
	_, err := ParseIntake(&IntakeRequest{
		SourceType: SourceManual,
		Items:      []IntakeItem{{Name: "Nameless", Year: 2019, Quantity: 0}},
	})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestParseIntakePDFInvoice(t *testing.T) {
	text := `Clos de Tart - Mommessin - 2019 - 6 - 240.00
garbage line without structure
Meursault Perrières -  Coche-Dury  - 2018 - 3 - 410
Zero Qty Wine - Nobody - 2017 - 0 - 10.00`

	intake, err := ParseIntake(&IntakeRequest{SourceType: SourcePDF, Text: text})
	require.NoError(t, err)
	require.Len(t, intake.Items, 2, "unparseable and zero-qty lines are skipped")

	assert.Equal(t, "Clos de Tart", intake.Items[0].Name)
	assert.Equal(t, "Mommessin", intake.Items[0].Producer)
	assert.Equal(t, 2019, intake.Items[0].Year)
	assert.Equal(t, 6, intake.Items[0].Quantity)
	assert.Equal(t, 240.0, *intake.Items[0].UnitCost)

	assert.Equal(t, "Coche-Dury", intake.Items[1].Producer)
}

func TestParseIntakeScannedLowConfidence(t *testing.T) {
	_, err := ParseIntake(&IntakeRequest{
		SourceType:    SourceScanned,
		OCRConfidence: floatPtr(0.2),
		Text:          "Clos de Tart - Mommessin - 2019 - 6 - 240.00",
	})
	assert.ErrorIs(t, err, apperrors.ErrLowOCRConfidence)
}

func TestParseIntakeScannedGoodConfidence(t *testing.T) {
	intake, err := ParseIntake(&IntakeRequest{
		SourceType:    SourceScanned,
		OCRConfidence: floatPtr(0.9),
		Text:          "Clos de Tart - Mommessin - 2019 - 6 - 240.00",
	})
	require.NoError(t, err)
	assert.Len(t, intake.Items, 1)
}

func TestParseIntakeExcelCoercesNumerics(t *testing.T) {
	intake, err := ParseIntake(&IntakeRequest{
		SourceType: SourceExcel,
		Rows: [][]interface{}{
			{"Clos de Tart", "2019", " 6 ", "240.5", "cellar", "Mommessin", "Burgundy", "Red"},
			{"Meursault", 2018.0, 3.0, 410, "", "Coche-Dury"},
		},
	})
	require.NoError(t, err)
	require.Len(t, intake.Items, 2)

	assert.Equal(t, 2019, intake.Items[0].Year)
	assert.Equal(t, 6, intake.Items[0].Quantity)
	assert.Equal(t, 240.5, *intake.Items[0].UnitCost)
	assert.Equal(t, "Burgundy", intake.Items[0].Region)

	assert.Equal(t, 2018, intake.Items[1].Year)
	assert.Equal(t, 410.0, *intake.Items[1].UnitCost)
	assert.Equal(t, "", intake.Items[1].Region)
}

func TestParseIntakeUnknownSource(t *testing.T) {
	_, err := ParseIntake(&IntakeRequest{SourceType: "carrier_pigeon"})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestParseIntakeEmptyYield(t *testing.T) {
	_, err := ParseIntake(&IntakeRequest{SourceType: SourcePDF, Text: "nothing useful here"})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

type resolverStub struct {
	ids map[string]string
}

func (r *resolverStub) ResolveVintage(ctx context.Context, name, producer string, year int, region, wineType string) (string, error) {
	return r.ids[name], nil
}

func TestRecordAndCommitIntake(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db, zerolog.Nop())
	svc := NewService(db, repo, nil, nil, zerolog.Nop())

	intake, err := ParseIntake(&IntakeRequest{
		SourceType:    SourceScanned,
		OCRConfidence: floatPtr(0.9),
		Text: `Clos de Tart - Mommessin - 2019 - 6 - 240.00
Meursault - Coche-Dury - 2018 - 3 - 410.00`,
	})
	require.NoError(t, err)
	require.NoError(t, svc.RecordIntake(intake))

	var count int
	require.NoError(t, db.QueryRow("SELECT item_count FROM intakes WHERE id = ?", intake.ID).Scan(&count))
	assert.Equal(t, 2, count)

	resolver := &resolverStub{ids: map[string]string{"Clos de Tart": "v-1", "Meursault": "v-2"}}
	results, err := svc.CommitIntake(context.Background(), intake, resolver, "main-cellar", "crew")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 6, results[0].Stock.Quantity)

	var status string
	require.NoError(t, db.QueryRow("SELECT status FROM intakes WHERE id = ?", intake.ID).Scan(&status))
	assert.Equal(t, "committed", status)

	stock, err := repo.GetStock("v-2", "main-cellar")
	require.NoError(t, err)
	assert.Equal(t, 3, stock.Quantity)
}
