package api

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"kptv-player/work/types"
	"kptv-player/work/utils"
)

// StatsResponse is the operational overview served at /stats.
type StatsResponse struct {
	Uptime           string              `json:"uptime"`
	MemoryUsage      string              `json:"memoryUsage"`
	TotalAllocated   string              `json:"totalAllocated"`
	Goroutines       int                 `json:"goroutines"`
	SessionStatus    types.SessionStatus `json:"sessionStatus"`
	PipStatus        types.PipStatus     `json:"pipStatus"`
	BindingsCreated  int64               `json:"bindingsCreated"`
	BindingsReleased int64               `json:"bindingsReleased"`
	ActiveBindings   int                 `json:"activeBindings"`
	WorkersRunning   int                 `json:"workersRunning"`
	WorkerCapacity   int                 `json:"workerCapacity"`
	Storage          map[string]any      `json:"storage,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := StatsResponse{
		Uptime:         formatDuration(time.Since(s.started)),
		MemoryUsage:    utils.FormatBytes(int64(m.Alloc)),
		TotalAllocated: utils.FormatBytes(int64(m.TotalAlloc)),
		Goroutines:     runtime.NumGoroutine(),
		SessionStatus:  s.deps.Session.Snapshot().Status,
		PipStatus:      s.deps.PiP.Snapshot().Status,
	}
	if s.deps.Bindings != nil {
		stats.BindingsCreated, stats.BindingsReleased, stats.ActiveBindings = s.deps.Bindings()
	}
	if s.deps.Workers != nil {
		stats.WorkersRunning, stats.WorkerCapacity = s.deps.Workers()
	}
	if s.deps.Stats != nil {
		storage, err := s.deps.Stats()
		if err != nil {
			writeError(w, err)
			return
		}
		stats.Storage = storage
	}
	writeJSON(w, http.StatusOK, stats)
}

// formatDuration renders an uptime as "45s", "12m", "3h 4m" or "2d 5h".
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
