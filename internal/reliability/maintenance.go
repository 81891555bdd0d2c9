package reliability

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/database"
)

// MaintenanceService runs the periodic database upkeep jobs. The ledger
// database is append-only and is never vacuumed.
type MaintenanceService struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewMaintenanceService creates a maintenance service over the named
// databases.
func NewMaintenanceService(databases map[string]*database.DB, log zerolog.Logger) *MaintenanceService {
	return &MaintenanceService{
		databases: databases,
		log:       log.With().Str("service", "maintenance").Logger(),
	}
}

// RunDaily checks integrity and truncates WAL files for every database.
// An integrity failure aborts immediately; checkpoint failures are logged
// and skipped.
func (s *MaintenanceService) RunDaily() error {
	s.log.Info().Msg("Starting daily maintenance")
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for name, db := range s.databases {
		if err := db.HealthCheck(ctx); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("Integrity check failed")
			return err
		}
	}

	for name, db := range s.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			s.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}

	s.reportSizes()
	s.log.Info().Dur("duration_ms", time.Since(startTime)).Msg("Daily maintenance completed")
	return nil
}

// RunWeekly vacuums every database except the append-only ledger.
func (s *MaintenanceService) RunWeekly() error {
	s.log.Info().Msg("Starting weekly maintenance")
	startTime := time.Now()

	for name, db := range s.databases {
		if name == "ledger" {
			continue
		}

		before := s.sizeMB(db)
		if err := db.Vacuum(); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("VACUUM failed")
			continue
		}
		after := s.sizeMB(db)
		s.log.Info().
			Str("database", name).
			Float64("size_before_mb", before).
			Float64("size_after_mb", after).
			Float64("space_reclaimed_mb", before-after).
			Msg("VACUUM completed")
	}

	s.log.Info().Dur("duration_ms", time.Since(startTime)).Msg("Weekly maintenance completed")
	return nil
}

func (s *MaintenanceService) reportSizes() {
	for name, db := range s.databases {
		stats, err := db.GetStats()
		if err != nil {
			s.log.Warn().Err(err).Str("database", name).Msg("Failed to read database stats")
			continue
		}
		s.log.Info().
			Str("database", name).
			Float64("size_mb", float64(stats.SizeBytes)/1024/1024).
			Float64("wal_size_mb", float64(stats.WALSizeBytes)/1024/1024).
			Msg("Database size")
	}
}

func (s *MaintenanceService) sizeMB(db *database.DB) float64 {
	stats, err := db.GetStats()
	if err != nil {
		return 0
	}
	return float64(stats.PageCount*stats.PageSize) / 1024 / 1024
}
