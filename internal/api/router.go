/**
 * @description
 * This file sets up the HTTP router for the proof-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * shared middleware stack.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// AuthConfig configures token validation for mutating routes.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
}

// ProofRoutes creates and returns a new router for the proof service.
func ProofRoutes(h *ProofHandlers, auth AuthConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Read-only queries are public.
	r.Get("/identities", h.ListIdentitiesHandler)
	r.Get("/identities/{identity}", h.GetProfileHandler)
	r.Get("/identities/{identity}/exists", h.IdentityExistsHandler)
	r.Get("/identities/{identity}/state", h.GetUserStateHandler)
	r.Get("/identities/{identity}/quote", h.QuoteAttemptHandler)
	r.Get("/identities/{identity}/attempts", h.ListAttemptsHandler)
	r.Get("/attempts/{attemptID}", h.GetAttemptHandler)

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(auth.SigningSecret, auth.Issuer))

		r.Post("/identities", h.RegisterHandler)
		r.Put("/identities/{identity}/account", h.AttachAccountHandler)
		r.Post("/identities/{identity}/attempts", h.RequestAttemptHandler)
		r.Put("/attempts/{attemptID}/status", h.UpdateAttemptStatusHandler)
	})

	return r
}
