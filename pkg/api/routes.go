package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.cfg.Server.RateLimit.Enabled {
		r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.RequestsPerMinute))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Reads may be open depending on config; writes always require
		// auth when it is enabled.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth(false))

			r.Get("/tests", s.handleListTests)
			r.Get("/tests/{id}/health", s.handleTestHealth)
			r.Post("/tests/{id}/skip-check", s.handleSkipCheck)
			r.Get("/tests/{id}/skip-rules", s.handleListSkipRules)
			r.Get("/runs/{runID}/verdict", s.handlePipelineVerdict)
			r.Get("/prompt-template", s.handleGetPromptTemplate)

			r.Get("/reports/*", s.handleReportRequest)
			r.Head("/reports/*", s.handleReportRequest)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth(true))

			r.Post("/results", s.handleIngestResult)
			r.Put("/tests/{id}/tags", s.handleUpdateTags)
			r.Delete("/tests/{id}", s.handleRemoveTest)
			r.Post("/tests/{id}/skip-rules", s.handleCreateSkipRule)
			r.Delete("/tests/{id}/skip-rules", s.handleDisableSkipRules)
			r.Put("/prompt-template", s.handleSavePromptTemplate)
		})
	})

	return r
}

// corsMiddleware builds the CORS handler from configured origins.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	origins := s.cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
