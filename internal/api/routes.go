package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/segflow/segflow/internal/auth"
)

// SetupRoutes configures the router: middleware, the unauthenticated health
// endpoint, and every engine route under /api behind the bearer-key guard.
func SetupRoutes(h *Handlers, manager *auth.Manager) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(manager.RequireAuth)

		r.Route("/user", func(r chi.Router) {
			r.Post("/{id}", h.CreateUser)
			r.Patch("/{id}", h.UpdateUser)
			r.Get("/{id}", h.GetUser)
			r.Delete("/{id}", h.DeleteUser)
			r.Post("/{id}/event/{name}", h.EmitEvent)
			r.Get("/{id}/event", h.ListUserEvents)
			r.Get("/{id}/segment", h.ListUserSegments)
		})

		r.Route("/segment", func(r chi.Router) {
			r.Get("/", h.ListSegments)
			r.Post("/{id}", h.CreateSegment)
			r.Patch("/{id}", h.UpdateSegment)
			r.Get("/{id}", h.GetSegment)
			r.Delete("/{id}", h.DeleteSegment)
			r.Get("/{id}/user", h.ListSegmentMembers)
		})

		r.Route("/campaign", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/{id}", h.CreateCampaign)
			r.Get("/{id}", h.GetCampaign)
			r.Delete("/{id}", h.DeleteCampaign)
		})

		r.Route("/template", func(r chi.Router) {
			r.Get("/", h.ListTemplates)
			r.Post("/{id}", h.CreateTemplate)
			r.Patch("/{id}", h.UpdateTemplate)
			r.Get("/{id}", h.GetTemplate)
			r.Delete("/{id}", h.DeleteTemplate)
		})

		r.Route("/transaction", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Post("/{id}", h.CreateTransaction)
			r.Patch("/{id}", h.UpdateTransaction)
			r.Get("/{id}", h.GetTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
		})

		r.Route("/email", func(r chi.Router) {
			r.Post("/config", h.SetEmailProvider)
			r.Get("/config", h.GetEmailProvider)
		})

		r.Post("/config", h.PushConfig)
		r.Get("/config", h.GetConfig)
	})

	return r
}
