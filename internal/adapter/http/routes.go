package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. submit
// wraps the mutating submission routes, e.g. with idempotency replay.
func MountRoutes(r chi.Router, h *Handlers, submit ...func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})
		r.Get("/config", h.GetConfig)

		// Partitions
		r.Get("/partitions", h.ListPartitions)
		r.Post("/partitions", h.CreatePartitions)

		// Sessions
		r.With(submit...).Post("/sessions", h.CreateSession)
		r.Get("/sessions/{id}", h.GetSession)
		r.Post("/sessions/{id}/cancel", h.CancelSession)

		// Tasks (nested under sessions)
		r.With(submit...).Post("/sessions/{id}/tasks", h.SubmitTasks)
		r.Get("/sessions/{id}/tasks", h.ListTasks)
		r.Post("/sessions/{id}/wait", h.WaitForCompletion)

		// Tasks (direct access)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/dispatches", h.ListDispatches)

		// Results (nested under sessions)
		r.Get("/sessions/{id}/results", h.ListResults)
		r.Get("/sessions/{id}/results/{resultID}", h.DownloadResult)
		r.Put("/sessions/{id}/results/{resultID}", h.UploadResult)
		r.Post("/sessions/{id}/results/{resultID}/wait", h.WaitForAvailability)
	})
}
