package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/darrentmorgan/singura-sub016/internal/api/handlers"
	"github.com/darrentmorgan/singura-sub016/internal/api/middleware"
	"github.com/darrentmorgan/singura-sub016/internal/config"
	"github.com/darrentmorgan/singura-sub016/pkg/contracts"
)

// NewRouter creates the HTTP router with all API routes.
//
// Middleware order matters: the org slug is extracted before auth so an
// org-scoped identity can override it, and API key enforcement runs
// before the provider chain so rejected requests never reach handlers.
func NewRouter(cfg *config.Config, h *handlers.Handlers, chain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.OrgExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Org-Slug", "X-Request-Id", "X-Service-Token"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	apikey := middleware.NewAPIKeyAuth()
	r.Use(apikey.Middleware)
	if chain != nil {
		r.Use(middleware.NewAuthMiddleware(chain).Handler)
	}

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Platform connections
		r.Route("/connections", func(r chi.Router) {
			r.Get("/", h.ListConnections)
			r.Post("/", h.CreateConnection)
			r.Route("/{connectionID}", func(r chi.Router) {
				r.Get("/", h.GetConnection)
				r.Delete("/", h.RevokeConnection)

				// Discovery lifecycle
				r.Post("/discover", h.StartDiscovery)
				r.Get("/discovery", h.GetDiscovery)
				r.Delete("/discovery", h.CancelDiscovery)

				// Progress stream
				r.Get("/events", h.StreamEvents)
			})
		})

		// Automation inventory
		r.Route("/automations", func(r chi.Router) {
			r.Get("/", h.ListAutomations)
			r.Get("/stats", h.AutomationStats)
			r.Get("/vendors", h.AutomationVendors)
			r.Get("/{automationID}", h.GetAutomation)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "singura-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "singura-control-plane",
		})
	}
}
