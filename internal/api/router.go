package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestIDHeader = "X-Request-ID"

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Handle("/metrics", promhttp.Handler())

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/health", apiHandler.HealthHandler)

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Post("/query", apiHandler.QueryHandler)
			r.Post("/query/stream", apiHandler.StreamQueryHandler)
			r.Post("/suggestions", apiHandler.SuggestionsHandler)

			r.Get("/saved-queries", apiHandler.ListSavedQueriesHandler)
			r.Post("/saved-queries", apiHandler.CreateSavedQueryHandler)
			r.Delete("/saved-queries/{queryID}", apiHandler.DeleteSavedQueryHandler)

			r.Get("/history", apiHandler.HistoryHandler)
			r.Get("/platforms", apiHandler.PlatformsHandler)
		})
	})

	return r
}

// RequestID tags each request with a UUID, honouring one supplied by the client.
// The id is visible to chi's request logger and echoed in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
