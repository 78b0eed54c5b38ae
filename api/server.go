/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestLogger: Access log through the handler's logrus logger
  2. Recoverer:     Panic recovery (500 instead of crash)
  3. RequestID:     Unique ID per request for tracing
  4. CORS:          Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/stats, /api/commands/today, /api/bot/status   Dashboard
  /api/transactions/*   Transaction lookups and cancellation
  /api/users/*          Accounts and history
  /api/merchants/*      Merchant management and leaderboard
  /api/alerts/*         Alerts
  /api/commands/{name}  Chat command transport
  /api/scenarios/*      Demo scenarios
  /                     Endpoint index

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. An empty
// origins list allows every origin.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: h.Logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.GetStats)
		r.Get("/commands/today", h.GetCommandsToday)
		r.Post("/commands/{name}", h.RunCommand)
		r.Get("/bot/status", h.GetBotStatus)

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Get("/recent", h.ListRecentTransactions)
			r.Get("/{publicId}", h.GetTransaction)
			r.Post("/{publicId}/cancel", h.CancelTransaction)
		})

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Get("/{id}/transactions", h.GetUserTransactions)
		})

		// Merchant routes
		r.Route("/merchants", func(r chi.Router) {
			r.Get("/", h.ListMerchants)
			r.Post("/", h.CreateMerchant)
			r.Get("/top", h.ListTopMerchants)
			r.Patch("/{id}/active", h.SetMerchantActive)
		})

		// Alert routes
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.ListAlerts)
			r.Post("/", h.CreateAlert)
			r.Patch("/{id}/read", h.MarkAlertRead)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>CommBank</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>CommBank API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/stats">/api/stats</a> - Dashboard stats</li>
<li><a href="/api/transactions/recent">/api/transactions/recent</a> - Recent transactions</li>
<li><a href="/api/merchants/top">/api/merchants/top</a> - Top merchants</li>
<li><a href="/api/alerts">/api/alerts</a> - Unread alerts</li>
<li><a href="/api/bot/status">/api/bot/status</a> - Bot status</li>
<li><a href="/api/scenarios">/api/scenarios</a> - Demo scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
