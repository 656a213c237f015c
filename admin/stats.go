package admin

import (
	"net/http"
)

// handleProcesses returns the open connections.
func (h *Handlers) handleProcesses(w http.ResponseWriter, r *http.Request) {
	visible, err := h.visibleTo(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSONResponse(w, h.processes.Processes(visible))
}

// handleHistory returns the most recent completed commands, newest last.
func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	visible, err := h.visibleTo(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	records := h.processes.History(visible)
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	writeJSONResponse(w, records)
}

// handleStats returns the request counters with pool and scheduler state.
func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	st := h.processes.Stats()
	response := map[string]interface{}{
		"concurrency":        st.Concurrency,
		"max_concurrency":    st.MaxConcurrency,
		"total_requests":     st.TotalRequests,
		"total_time_ms":      st.TotalTime.Milliseconds(),
		"total_connections":  st.TotalConnections,
		"active_processes":   st.ActiveProcesses,
		"cache_listeners":    h.hub.Len(),
		"background_pending": 0,
	}
	if h.scheduler != nil {
		response["background_pending"] = h.scheduler.Depth()
	}
	if h.pool != nil {
		ps := h.pool.Stats()
		response["pool"] = map[string]interface{}{
			"driver":      h.pool.Driver(),
			"open":        ps.OpenConnections,
			"in_use":      ps.InUse,
			"idle":        ps.Idle,
			"wait_count":  ps.WaitCount,
			"wait_ms":     ps.WaitDuration.Milliseconds(),
			"max_open":    ps.MaxOpenConnections,
			"max_closed":  ps.MaxLifetimeClosed,
			"idle_closed": ps.MaxIdleClosed,
		}
	}
	writeJSONResponse(w, response)
}

// handleListeners returns the connections in LISTEN_CACHES.
func (h *Handlers) handleListeners(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.hub.Listeners())
}
