package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports how the service is wired and its queue depths.
type StatusHandler struct {
	Mode       string
	Storage    string
	Settlement string
	StartedAt  time.Time
	// SettlementQueue and DroppedEvents are optional gauges.
	SettlementQueue func() int
	DroppedEvents   func() int64
}

// GetStatus responds with the backend mode, adapters and gauges.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.Mode,
		"storage":        h.Storage,
		"settlement":     h.Settlement,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	}
	if h.SettlementQueue != nil {
		resp["settlement_queue"] = h.SettlementQueue()
	}
	if h.DroppedEvents != nil {
		resp["dropped_events"] = h.DroppedEvents()
	}
	writeJSON(w, http.StatusOK, resp)
}
