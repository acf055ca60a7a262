package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/perivale/allocator/internal/database"
)

// SystemHandlers serves process and database health endpoints.
type SystemHandlers struct {
	runsDB    *database.DB
	startedAt time.Time
	log       zerolog.Logger
}

// NewSystemHandlers creates the system handlers. runsDB may be nil when the
// run store is disabled.
func NewSystemHandlers(log zerolog.Logger, runsDB *database.DB) *SystemHandlers {
	return &SystemHandlers{
		runsDB:    runsDB,
		startedAt: time.Now(),
		log:       log.With().Str("handler", "system").Logger(),
	}
}

// HandleHealth handles GET /health and GET /api/system/health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"

	dbStatus := "disabled"
	if h.runsDB != nil {
		dbStatus = "ok"
		if err := h.runsDB.QuickCheck(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Run store ping failed")
			dbStatus = "unreachable"
			status = "degraded"
		}
	}

	cpuAvg := 0.0
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		cpuAvg = percents[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	}

	memPercent := 0.0
	if memStat, err := mem.VirtualMemory(); err == nil {
		memPercent = memStat.UsedPercent
	} else {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"database":       dbStatus,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"cpu_percent":    cpuAvg,
		"memory_percent": memPercent,
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),
	})
}

// HandleDatabaseStats handles GET /api/system/database/stats
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	if h.runsDB == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}

	stats, err := h.runsDB.GetStats()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to collect database stats")
		http.Error(w, "failed to collect database stats", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"name":    h.runsDB.Name(),
		"stats":   stats,
	})
}

// writeJSON writes a JSON response in the standard envelope.
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
