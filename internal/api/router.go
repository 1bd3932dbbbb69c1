package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentrelay/agentrelay/internal/api/handlers"
	"github.com/agentrelay/agentrelay/internal/api/middleware"
	"github.com/agentrelay/agentrelay/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Request routing
		r.Post("/requests", h.SubmitRequest)

		// Live agent instances
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/health", h.AgentHealth)
				r.Delete("/", h.UnregisterAgent)
			})
		})

		// Capability catalog
		r.Route("/capabilities", func(r chi.Router) {
			r.Get("/{agentType}", h.GetCapability)
			r.Post("/reload", h.ReloadCapabilities)
		})

		// Human approval gate
		r.Post("/approvals/{approvalID}/grant", h.GrantApproval)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "agentrelay-core",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agentrelay-core",
		})
	}
}
