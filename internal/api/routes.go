package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/pipesync/internal/ratelimit"
)

// NewRouter creates a new router with all routes configured. The
// webhook limiter bounds deliveries per workspace; nil disables
// server-side limiting.
func NewRouter(h *Handler, webhookLimiter ratelimit.Limiter) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Route("/workspaces", func(r chi.Router) {
				r.Get("/", h.ListWorkspaces)
				r.Post("/", h.CreateWorkspace)

				r.Route("/{workspace}", func(r chi.Router) {
					r.Delete("/", h.DeleteWorkspace)

					r.Group(func(r chi.Router) {
						r.Use(WorkspaceCtx(h.manager))

						// Webhooks carry their own per-workspace budget so a
						// flood cannot starve the rest of the API
						r.Group(func(r chi.Router) {
							r.Use(WebhookRateLimit(webhookLimiter))
							r.Post("/webhooks/crm", h.CRMWebhook)
							r.Post("/webhooks/reply", h.ReplyWebhook)
						})

						r.Get("/sync/status", h.SyncStatus)
						r.Post("/sync/{entity}", h.TriggerSync)

						r.Get("/conflicts", h.ListConflicts)
						r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
					})
				})
			})
		})
	})

	return r
}
