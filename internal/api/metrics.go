package api

import (
	"net/http"
	"runtime"
	"time"
)

// AgentMetrics is the /metrics response.
type AgentMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	Session       SessionMetrics  `json:"session"`
	Outbound      OutboundMetrics `json:"outbound"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// SessionMetrics summarises the management session.
type SessionMetrics struct {
	Managed         bool `json:"managed"`
	PendingRequests int  `json:"pending_requests"`
	Handlers        int  `json:"handlers"`
	Observed        int  `json:"observed"`
}

// OutboundMetrics describes the publish queue.
type OutboundMetrics struct {
	Pending int `json:"pending"`
}

const bytesPerMB = 1024 * 1024

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	st := s.session.SessionState()
	metrics := AgentMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / bytesPerMB,
			MemoryTotalMB: float64(memStats.TotalAlloc) / bytesPerMB,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Session: SessionMetrics{
			Managed:         st.Managed,
			PendingRequests: st.PendingRequests,
			Handlers:        len(st.Handlers),
			Observed:        len(st.Observed),
		},
	}
	if s.queue != nil {
		metrics.Outbound.Pending = s.queue.Pending()
	}

	respondJSON(w, http.StatusOK, metrics)
}
