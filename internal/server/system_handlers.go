package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// handleSystemStatus reports process health: CPU/memory, hub fan-out
// counters, aggregator buffer depth, broker breaker state, and per-database
// size statistics.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"service":        "strikeline",
		"uptime_seconds": int64(time.Since(s.startupTime).Seconds()),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		status["cpu_percent"] = cpuPercent[0]
	} else if err != nil {
		s.log.Debug().Err(err).Msg("Failed to read CPU usage")
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		status["memory"] = map[string]interface{}{
			"total_bytes": memStat.Total,
			"used_bytes":  memStat.Used,
			"percent":     memStat.UsedPercent,
		}
	} else {
		s.log.Debug().Err(err).Msg("Failed to read memory usage")
	}

	if s.hub != nil {
		status["hub"] = s.hub.GetStats()
	}
	if s.aggregator != nil {
		status["aggregator"] = map[string]interface{}{
			"timeframes":       s.aggregator.Timeframes(),
			"buffered_buckets": s.aggregator.BufferedBuckets(),
		}
	}
	if s.broker != nil {
		status["broker_breaker"] = s.broker.State()
	}
	if s.tracker != nil {
		status["tracked_accounts"] = s.tracker.Accounts()
	}

	dbStats := make(map[string]interface{}, len(s.databases))
	for name, db := range s.databases {
		if db == nil {
			continue
		}
		stats, err := db.GetStats()
		if err != nil {
			dbStats[name] = map[string]string{"error": err.Error()}
			continue
		}
		dbStats[name] = map[string]interface{}{
			"size_bytes":     stats.SizeBytes,
			"wal_size_bytes": stats.WALSizeBytes,
			"page_count":     stats.PageCount,
		}
	}
	status["databases"] = dbStats

	s.writeJSON(w, http.StatusOK, status)
}
