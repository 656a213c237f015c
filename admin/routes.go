package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Router builds the HTTP handler served next to the protocol. metrics may be
// nil when Prometheus is disabled.
func Router(h *Handlers, secret string, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(AuthMiddleware(secret))
		r.Get("/processes", h.handleProcesses)
		r.Get("/history", h.handleHistory)
		r.Get("/stats", h.handleStats)
		r.Get("/listeners", h.handleListeners)
	})

	log.Info().Bool("metrics", metrics != nil).Bool("auth", secret != "").Msg("Admin endpoints enabled at /admin/*")
	return r
}
