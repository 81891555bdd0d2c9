package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/aristath/cellar/internal/apperrors"
	"github.com/aristath/cellar/internal/observability"
	"github.com/aristath/cellar/internal/scheduler"
)

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Cache.GetStats())
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if strings.TrimSpace(req.Pattern) == "" {
		respondError(w, apperrors.Validation("pattern is required"))
		return
	}
	removed := s.deps.Cache.InvalidatePattern(req.Pattern)
	respondJSON(w, http.StatusOK, map[string]interface{}{"invalidated": removed})
}

func (s *Server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	removed := s.deps.Cache.Cleanup()
	respondJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// handleCacheExport streams the cache snapshot as raw msgpack.
func (s *Server) handleCacheExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.deps.Cache.Export()
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/msgpack")
	w.Header().Set("Content-Disposition", `attachment; filename="cache-export.msgpack"`)
	_, _ = w.Write(data)
}

func (s *Server) handleCacheImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, apperrors.Validation("failed to read import payload: %v", err))
		return
	}
	imported, err := s.deps.Cache.Import(data)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"imported": imported})
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Scheduler.GetStats())
}

func (s *Server) handleSchedulerPause(w http.ResponseWriter, r *http.Request) {
	s.deps.Scheduler.Pause()
	respondJSON(w, http.StatusOK, s.deps.Scheduler.GetStats())
}

func (s *Server) handleSchedulerResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Scheduler.Resume()
	respondJSON(w, http.StatusOK, s.deps.Scheduler.GetStats())
}

func (s *Server) handleSchedulerEnqueue(w http.ResponseWriter, r *http.Request) {
	var task scheduler.Task
	if err := decodeJSON(r, &task); err != nil {
		respondError(w, err)
		return
	}
	accepted := s.deps.Scheduler.Enqueue(task)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": accepted,
		"stats":    s.deps.Scheduler.GetStats(),
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"system": s.deps.System.Snapshot(),
	}
	if s.deps.Cache != nil {
		status["cache"] = s.deps.Cache.GetStats()
	}
	if s.deps.Scheduler != nil {
		status["scheduler"] = s.deps.Scheduler.GetStats()
	}
	if s.deps.Bus != nil {
		status["stream_subscribers"] = s.deps.Bus.SubscriberCount()
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]interface{}, len(s.deps.Databases))
	for name, db := range s.deps.Databases {
		dbStats, err := db.GetStats()
		if err != nil {
			stats[name] = map[string]interface{}{"error": err.Error()}
			continue
		}
		stats[name] = dbStats
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRUMIngest(w http.ResponseWriter, r *http.Request) {
	var batch []observability.RUMEntry
	if err := decodeJSON(r, &batch); err != nil {
		respondError(w, err)
		return
	}
	if err := s.deps.RUM.Ingest(batch); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": len(batch)})
}

func (s *Server) handleRUMSummary(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.RUM.Summaries())
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backups == nil {
		respondError(w, apperrors.New(apperrors.CodeServiceUnavailable, "backups are not configured"))
		return
	}
	backups, err := s.deps.Backups.ListBackups(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, backups)
}

func (s *Server) handleRunBackup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backups == nil {
		respondError(w, apperrors.New(apperrors.CodeServiceUnavailable, "backups are not configured"))
		return
	}
	if err := s.deps.Backups.CreateAndUploadBackup(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	backups, err := s.deps.Backups.ListBackups(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, backups)
}
