package main

import (
	"net/http"

	httphandlers "finlink/internal/interfaces/http"
	"finlink/internal/shared/config"
	"finlink/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the root handler.
func SetupRoutes(deps *Dependencies, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("/health", httphandlers.HandleHealth)

	authMiddleware := middleware.Auth(deps.Verifier)
	protected := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	// Linking
	protected("/api/link/sessions", deps.LinkHandler.HandleCreateSession)
	protected("/api/link/exchange", deps.LinkHandler.HandleExchange)

	// Accounts
	protected("/api/accounts", deps.AccountHandler.HandleListAccounts)
	protected("/api/accounts/{$}", deps.AccountHandler.HandleListAccounts)
	protected("/api/accounts/by-type", deps.AccountHandler.HandleListByType)
	protected("/api/accounts/manual", deps.AccountHandler.HandleCreateManual)
	protected("/api/accounts/refresh-all", deps.AccountHandler.HandleRefreshAll)
	protected("/api/accounts/{id}", deps.AccountHandler.HandleAccountByID)
	protected("/api/accounts/{id}/balance", deps.AccountHandler.HandleBalance)
	protected("/api/accounts/{id}/transactions/refresh", deps.AccountHandler.HandleRefreshTransactions)
	protected("/api/accounts/{id}/transactions", deps.TransactionHandler.HandleTransactions)

	// Notifications
	protected("/api/notifications/devices", deps.NotificationHandler.HandleRegisterDevice)

	var handler http.Handler = middleware.Logging(middleware.CORS(cfg.Server.AllowedHosts)(mux))
	if cfg.TLS.Enabled {
		handler = middleware.HSTS(handler)
	}
	return middleware.Tracing(handler)
}
