package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/telemetry-bridge/internal/session"
)

// StatusDocument is the /api/v1/status response.
type StatusDocument struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	Mode          string          `json:"mode,omitempty"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	Feed          HubStats        `json:"feed"`
	Session       *session.Status `json:"session,omitempty"`
	Components    map[string]any  `json:"components,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// handleStatus returns a point-in-time view of the bridge.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	doc := StatusDocument{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		Mode:          s.mode,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Feed: s.hub.Stats(),
	}

	if s.session != nil {
		st := s.session.Status()
		doc.Session = &st
	}
	if s.stats != nil {
		doc.Components = s.stats()
	}

	writeJSON(w, http.StatusOK, doc)
}
