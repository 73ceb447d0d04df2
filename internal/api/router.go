package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter mounts the API under /api/v1. Only /health is reachable
// without a token.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.traceMiddleware, s.recoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/session", s.handleSession)
			r.Get("/metrics", s.handleMetrics)

			r.Route("/resources", func(r chi.Router) {
				r.Get("/", s.handleListResources)
				r.Get("/{name}", s.handleGetResource)
			})

			r.Get("/journal", s.handleListJournal)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}
