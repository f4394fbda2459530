/**
 * @description
 * This file sets up the HTTP router for the onramp-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: The /metrics scrape endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OnrampRoutes creates and returns the router for the onramp service.
func OnrampRoutes(h *OnrampHandlers, internalAPIKey, operatorJWKSURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Public onramp surface. The webhook authenticates itself via HMAC
	// signature, checkout via rate limiting only.
	r.Post("/onramp/checkout", h.CreateCheckoutHandler)
	r.Post("/onramp/webhooks/payment", h.PaymentWebhookHandler)
	r.Get("/onramp/transactions/{sessionID}", h.GetTransactionHandler)
	r.Get("/onramp/capacity", h.GetCapacityHandler)

	// Internal service-to-service surface.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))
		r.Get("/onramp/transactions", h.ListTransactionsHandler)
	})

	// Operator admin surface.
	r.Group(func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(operatorJWKSURL))
		r.Get("/onramp/admin/stuck", h.ListStuckHandler)
	})

	return r
}
