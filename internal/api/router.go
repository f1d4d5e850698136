/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// LedgerRoutes creates and returns the router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, jwksURL, authAudience, authIssuer, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL, authAudience, authIssuer))

		r.Post("/p2p", h.P2PTransferHandler)
		r.Post("/self-transfer", h.SelfTransferHandler)
		r.Post("/batch-transfer", h.BatchTransferHandler)

		r.Get("/transactions", h.ListTransactionsHandler)
		r.Get("/transactions/{transactionID}", h.GetTransactionHandler)
		r.Get("/balance", h.GetAccountBalanceHandler)
		r.Get("/fees", h.FeeScheduleHandler)

		r.Post("/money-drops", h.CreateMoneyDropHandler)
		r.Get("/money-drops/{dropID}", h.GetMoneyDropDetailsHandler)
		r.Post("/money-drops/{dropID}/claim", h.ClaimMoneyDropHandler)
		r.Post("/money-drops/{dropID}/end", h.EndMoneyDropHandler)
		r.Get("/money-drops/{dropID}/password", h.RevealMoneyDropPasswordHandler)

		r.Post("/payment-requests", h.CreatePaymentRequestHandler)
		r.Get("/payment-requests", h.ListPaymentRequestsHandler)
		r.Get("/payment-requests/{requestID}", h.GetPaymentRequestHandler)
		r.Post("/payment-requests/{requestID}/pay", h.PayPaymentRequestHandler)
		r.Post("/payment-requests/{requestID}/decline", h.DeclinePaymentRequestHandler)
		r.Delete("/payment-requests/{requestID}", h.DeletePaymentRequestHandler)
	})

	// Internal endpoints are authenticated with a shared service key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/internal/money-drops/process-expired", h.ProcessExpiredDropsHandler)
	})

	return r
}
