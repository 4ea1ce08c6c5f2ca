package server

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/beamdrop/beamdrop/internal/broker"
)

type healthzBody struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	LiveSessions    int    `json:"liveSessions"`
	LiveConnections int    `json:"liveConnections"`
	Timestamp       int64  `json:"timestamp"`
}

// handleHealthz is the liveness probe: cheap, unauthenticated, and
// carrying only aggregate counts.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthzBody{
		Status:          "ok",
		UptimeSeconds:   int64(s.clock.Since(s.startedAt).Seconds()),
		LiveSessions:    s.registry.SessionCount(),
		LiveConnections: s.ConnCount(),
		Timestamp:       s.codec.Now(),
	})
}

type statszBody struct {
	Status          string         `json:"status"`
	UptimeSeconds   int64          `json:"uptimeSeconds"`
	Timestamp       int64          `json:"timestamp"`
	LiveSessions    int            `json:"liveSessions"`
	LiveConnections int            `json:"liveConnections"`
	Sessions        broker.Stats   `json:"sessions"`
	Health          map[string]any `json:"health"`
	Process         map[string]any `json:"process"`
}

// handleStatsz is the operator view: lifetime totals, component health,
// and a process resource sample. Hidden entirely when expose_stats is
// off.
func (s *Server) handleStatsz(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.ExposeStats {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, statszBody{
		Status:          "ok",
		UptimeSeconds:   int64(s.clock.Since(s.startedAt).Seconds()),
		Timestamp:       s.codec.Now(),
		LiveSessions:    s.registry.SessionCount(),
		LiveConnections: s.ConnCount(),
		Sessions:        s.registry.Stats(),
		Health:          s.monitor.Summary(),
		Process:         processStats(),
	})
}

// processStats samples the running process and host. Fields that fail
// to sample are omitted rather than failing the whole response.
func processStats() map[string]any {
	out := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil {
			out["rssBytes"] = mi.RSS
		}
		if pct, err := proc.CPUPercent(); err == nil {
			out["cpuPercent"] = pct
		}
		if n, err := proc.NumThreads(); err == nil {
			out["threads"] = n
		}
	}
	if up, err := host.Uptime(); err == nil {
		out["hostUptimeSeconds"] = up
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("diagnostics write failed", "error", err)
	}
}
