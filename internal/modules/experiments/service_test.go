package experiments

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cellar/internal/apperrors"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	schema, err := os.ReadFile(filepath.Join("..", "..", "database", "schemas", "learning_schema.sql"))
	require.NoError(t, err)

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)
	return db
}

func newTestService(t *testing.T, db *sql.DB) *Service {
	t.Helper()
	svc := NewService(db, zerolog.Nop())
	t.Cleanup(svc.Stop)
	return svc
}

func twoArmInput(name string) *CreateInput {
	return &CreateInput{
		Name:         name,
		TargetMetric: "conversion_rate",
		Variants: []VariantInput{
			{Name: "control", IsControl: true, AllocationPct: 50},
			{Name: "treatment", AllocationPct: 50},
		},
	}
}

func runningExperiment(t *testing.T, svc *Service, name string) *Experiment {
	t.Helper()
	exp, err := svc.Create(context.Background(), twoArmInput(name))
	require.NoError(t, err)
	exp, err = svc.Start(context.Background(), exp.ID)
	require.NoError(t, err)
	return exp
}

func TestCreateAndGet(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))

	exp, err := svc.Create(context.Background(), twoArmInput("bolder-explanations"))
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, exp.Status)
	assert.Equal(t, AllocationUser, exp.AllocationUnit)
	require.Len(t, exp.Variants, 2)
	assert.True(t, exp.Variants[0].IsControl, "control sorts first")

	_, err = svc.Create(context.Background(), twoArmInput("bolder-explanations"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))

	_, err = svc.Create(context.Background(), &CreateInput{Name: "  "})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	_, err = svc.Get(context.Background(), "missing")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestStartValidatesArms(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))
	ctx := context.Background()

	oneArm, err := svc.Create(ctx, &CreateInput{
		Name:     "one-arm",
		Variants: []VariantInput{{Name: "control", IsControl: true, AllocationPct: 100}},
	})
	require.NoError(t, err)
	_, err = svc.Start(ctx, oneArm.ID)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	twoControls, err := svc.Create(ctx, &CreateInput{
		Name: "two-controls",
		Variants: []VariantInput{
			{Name: "a", IsControl: true, AllocationPct: 50},
			{Name: "b", IsControl: true, AllocationPct: 50},
		},
	})
	require.NoError(t, err)
	_, err = svc.Start(ctx, twoControls.ID)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	badSplit, err := svc.Create(ctx, &CreateInput{
		Name: "bad-split",
		Variants: []VariantInput{
			{Name: "control", IsControl: true, AllocationPct: 50},
			{Name: "treatment", AllocationPct: 40},
		},
	})
	require.NoError(t, err)
	_, err = svc.Start(ctx, badSplit.ID)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestLifecycleTransitions(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))
	ctx := context.Background()
	exp := runningExperiment(t, svc, "lifecycle")

	// Idempotent start.
	again, err := svc.Start(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, again.Status)

	paused, err := svc.Pause(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	// Paused experiments resume.
	resumed, err := svc.Start(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, resumed.Status)

	// Running experiments cannot be archived directly.
	_, err = svc.Archive(ctx, exp.ID)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))

	winner := resumed.Variants[1].ID
	completed, err := svc.Complete(ctx, exp.ID, winner, "treatment lifted conversion by 12%")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, winner, completed.WinnerVariantID)
	assert.NotEmpty(t, completed.EndDate)

	// Idempotent complete keeps the first conclusion.
	completed, err = svc.Complete(ctx, exp.ID, "", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "treatment lifted conversion by 12%", completed.Conclusion)

	archived, err := svc.Archive(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, archived.Status)

	archived, err = svc.Archive(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, archived.Status)

	// Archived experiments stay archived.
	_, err = svc.Start(ctx, exp.ID)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestCompleteUnknownWinner(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))
	exp := runningExperiment(t, svc, "unknown-winner")

	_, err := svc.Complete(context.Background(), exp.ID, "no-such-variant", "")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestAssignIsSticky(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))
	ctx := context.Background()
	exp := runningExperiment(t, svc, "sticky")

	first, err := svc.Assign(ctx, exp.ID, "user-42", "")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := svc.Assign(ctx, exp.ID, "user-42", "")
		require.NoError(t, err)
		assert.Equal(t, first.VariantID, again.VariantID)
	}
}

func TestAssignConcurrentCallsConverge(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))
	ctx := context.Background()
	exp := runningExperiment(t, svc, "concurrent")

	var wg sync.WaitGroup
	variantIDs := make([]string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := svc.Assign(ctx, exp.ID, "user-42", "")
			if err == nil {
				variantIDs[i] = a.VariantID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range variantIDs {
		assert.Equal(t, variantIDs[0], id, "every caller sees the same variant")
	}

	var rows int
	require.NoError(t, svc.db.QueryRow(`
		SELECT COUNT(*) FROM experiment_assignments WHERE experiment_id = ? AND unit_id = 'user-42'`,
		exp.ID).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestAssignDistributionTracksAllocations(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))
	ctx := context.Background()
	exp := runningExperiment(t, svc, "distribution")

	counts := make(map[string]int)
	const n = 1000
	for i := 0; i < n; i++ {
		a, err := svc.Assign(ctx, exp.ID, fmt.Sprintf("user-%d", i), "")
		require.NoError(t, err)
		counts[a.VariantID]++
	}

	require.Len(t, counts, 2)
	for _, c := range counts {
		share := float64(c) / n
		assert.InDelta(t, 0.5, share, 0.05)
	}
}

func TestAssignGuestsUseSessionID(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))
	ctx := context.Background()
	exp := runningExperiment(t, svc, "guests")

	a, err := svc.Assign(ctx, exp.ID, "", "session-abc")
	require.NoError(t, err)
	b, err := svc.Assign(ctx, exp.ID, "", "session-abc")
	require.NoError(t, err)
	assert.Equal(t, a.VariantID, b.VariantID)

	_, err = svc.Assign(ctx, exp.ID, "", "")
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestAssignRequiresRunning(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))
	ctx := context.Background()

	exp, err := svc.Create(ctx, twoArmInput("draft-only"))
	require.NoError(t, err)

	_, err = svc.Assign(ctx, exp.ID, "user-1", "")
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestRecordEventsValidation(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))
	ctx := context.Background()
	exp := runningExperiment(t, svc, "events")
	variant := exp.Variants[0].ID

	oversized := make([]Event, maxEventBatch+1)
	for i := range oversized {
		oversized[i] = Event{ExperimentID: exp.ID, VariantID: variant, EventType: EventImpression}
	}
	_, err := svc.RecordEvents(ctx, oversized)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	_, err = svc.RecordEvents(ctx, []Event{{ExperimentID: exp.ID, VariantID: variant, EventType: "hover"}})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestRecordEventsDeduplicatesByTimestamp(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))
	ctx := context.Background()
	exp := runningExperiment(t, svc, "dedup")
	variant := exp.Variants[0].ID

	at := time.Date(2026, 8, 20, 19, 30, 0, 0, time.UTC)
	event := Event{
		ExperimentID: exp.ID, VariantID: variant, UserID: "user-1",
		EventType: EventConversion, Value: 1, OccurredAt: &at,
	}

	inserted, err := svc.RecordEvents(ctx, []Event{event})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	// Redelivery of the same observation is absorbed.
	inserted, err = svc.RecordEvents(ctx, []Event{event})
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	// Without a collaborator timestamp each delivery is a fresh observation.
	bare := Event{ExperimentID: exp.ID, VariantID: variant, UserID: "user-2", EventType: EventClick}
	for i := 0; i < 2; i++ {
		inserted, err = svc.RecordEvents(ctx, []Event{bare})
		require.NoError(t, err)
		assert.Equal(t, 1, inserted)
	}
}

func TestEnqueueIngestsInBackground(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db, zerolog.Nop())
	exp := runningExperiment(t, svc, "async")
	variant := exp.Variants[0].ID

	require.NoError(t, svc.Enqueue([]Event{
		{ExperimentID: exp.ID, VariantID: variant, UserID: "user-1", EventType: EventImpression},
		{ExperimentID: exp.ID, VariantID: variant, UserID: "user-1", EventType: EventClick},
	}))
	svc.Stop()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM experiment_events WHERE experiment_id = ?`, exp.ID).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestListFiltersByStatus(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))
	ctx := context.Background()

	runningExperiment(t, svc, "running-one")
	_, err := svc.Create(ctx, twoArmInput("draft-one"))
	require.NoError(t, err)

	running, err := svc.List(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "running-one", running[0].Name)

	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
