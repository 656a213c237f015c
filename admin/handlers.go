// Package admin serves the read-only operator HTTP surface: open
// processes, command history, counters and cache listeners.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ao-apps/aoserv-master/account"
	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/db"
	"github.com/ao-apps/aoserv-master/notify"
	"github.com/ao-apps/aoserv-master/process"
	"github.com/rs/zerolog/log"
)

// Handlers answers admin API requests.
type Handlers struct {
	processes *process.Registry
	hub       *notify.Hub
	caches    *account.Caches
	scheduler *coordinator.Scheduler
	pool      *db.Pool
}

// NewHandlers creates admin handlers. scheduler and pool may be nil.
func NewHandlers(processes *process.Registry, hub *notify.Hub, caches *account.Caches, scheduler *coordinator.Scheduler, pool *db.Pool) *Handlers {
	return &Handlers{
		processes: processes,
		hub:       hub,
		caches:    caches,
		scheduler: scheduler,
		pool:      pool,
	}
}

// visibleTo returns the record filter for the "as" query parameter. Without
// it every record is returned.
func (h *Handlers) visibleTo(r *http.Request) (func(string) bool, error) {
	username := r.URL.Query().Get("as")
	if username == "" {
		return nil, nil
	}
	acc, err := h.caches.Access(r.Context(), nil, username)
	if err != nil {
		return nil, err
	}
	if acc.Account() == "" {
		return nil, fmt.Errorf("unknown administrator: %s", username)
	}
	return acc.CanAccessUser, nil
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > 10000 {
		return 0, fmt.Errorf("limit cannot exceed 10000")
	}
	return limit, nil
}
