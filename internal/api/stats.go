package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-hass/internal/hass"
	"github.com/nerrad567/gray-logic-hass/internal/journal"
	"github.com/nerrad567/gray-logic-hass/internal/relay"
)

// StatsResponse is returned by GET /api/v1/stats.
type StatsResponse struct {
	Timestamp     string                 `json:"timestamp"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Runtime       RuntimeMetrics         `json:"runtime"`
	WebSocket     hass.WSStats           `json:"websocket"`
	REST          hass.RESTStats         `json:"rest"`
	Relay         *relay.Stats           `json:"relay,omitempty"`
	Journal       *journal.RecorderStats `json:"journal,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := StatsResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: s.session.Stats(),
		REST:      s.rest.Stats(),
	}

	if s.relay != nil {
		stats := s.relay.Stats()
		resp.Relay = &stats
	}
	if s.recorder != nil {
		stats := s.recorder.Stats()
		resp.Journal = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}
