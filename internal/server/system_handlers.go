package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ergetie/darkstar-sub001/internal/database"
)

// SystemHandlers serves host and database health endpoints.
type SystemHandlers struct {
	dataDir   string
	databases map[string]*database.DB
	log       zerolog.Logger
	startedAt time.Time
}

// NewSystemHandlers creates the system handlers.
func NewSystemHandlers(dataDir string, databases map[string]*database.DB, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		dataDir:   dataDir,
		databases: databases,
		log:       log.With().Str("component", "system_handlers").Logger(),
		startedAt: time.Now(),
	}
}

// HandleSystemHealth returns host resource usage and database reachability.
func (h *SystemHandlers) HandleSystemHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		response["cpu_percent"] = cpuPercent[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU usage")
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		response["memory"] = map[string]interface{}{
			"total_mb":     memStat.Total / 1024 / 1024,
			"used_mb":      memStat.Used / 1024 / 1024,
			"used_percent": memStat.UsedPercent,
		}
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
	}

	if diskStat, err := disk.Usage(h.dataDir); err == nil {
		response["disk"] = map[string]interface{}{
			"total_mb":     diskStat.Total / 1024 / 1024,
			"free_mb":      diskStat.Free / 1024 / 1024,
			"used_percent": diskStat.UsedPercent,
		}
	} else {
		h.log.Warn().Err(err).Msg("Failed to read disk usage")
	}

	dbStatus := make(map[string]string, len(h.databases))
	healthy := true
	for name, db := range h.databases {
		if err := db.QuickCheck(r.Context()); err != nil {
			dbStatus[name] = "unreachable"
			healthy = false
			continue
		}
		dbStatus[name] = "ok"
	}
	response["databases"] = dbStatus

	status := http.StatusOK
	if !healthy {
		response["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(h.log, w, status, response)
}

// HandleDatabaseStats returns size and page statistics per database.
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]interface{}, len(h.databases))
	for name, db := range h.databases {
		s, err := db.GetStats()
		if err != nil {
			writeError(h.log, w, http.StatusInternalServerError, err)
			return
		}
		stats[name] = map[string]interface{}{
			"size_bytes":     s.SizeBytes,
			"wal_size_bytes": s.WALSizeBytes,
			"page_count":     s.PageCount,
			"page_size":      s.PageSize,
			"freelist_count": s.FreelistCount,
		}
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{"databases": stats})
}
