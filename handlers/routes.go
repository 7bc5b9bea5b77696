package handlers

import (
	"fmt"
	"net/http"

	"llm_gateway/backend"
	"llm_gateway/config"
	"llm_gateway/conversation"
	"llm_gateway/database"
	"llm_gateway/middleware"
)

// Routes builds the gateway's HTTP handler with its middleware chain
func Routes(cfg *config.Config, registry *backend.Registry, db *database.DB, conversations *conversation.Service) http.Handler {
	mux := http.NewServeMux()

	chatHandler := NewChatHandler(registry, db, cfg)
	backendsHandler := NewBackendsHandler(registry)
	conversationsHandler := NewConversationsHandler(conversations, db)
	requestsHandler := NewRequestsHandler(db)

	mux.Handle("POST /chat", chatHandler)
	mux.Handle("POST /{backend}/chat", chatHandler)

	mux.HandleFunc("GET /api/backends", backendsHandler.List)
	mux.HandleFunc("GET /api/backends/{backend}/models", backendsHandler.Models)

	mux.HandleFunc("GET /api/conversations", conversationsHandler.List)
	mux.HandleFunc("PUT /api/conversations", conversationsHandler.Replace)
	mux.HandleFunc("POST /api/conversations", conversationsHandler.Create)
	mux.HandleFunc("DELETE /api/conversations/{name}", conversationsHandler.Delete)
	mux.HandleFunc("PATCH /api/conversations/{name}/settings", conversationsHandler.UpdateSettings)
	mux.HandleFunc("POST /api/conversations/{name}/chat", conversationsHandler.Chat)

	mux.HandleFunc("GET /api/requests", requestsHandler.List)
	mux.HandleFunc("GET /api/requests/{id}", requestsHandler.Get)

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	})

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	return middleware.Chain(
		middleware.RequestLogging(cfg.Server.Verbose),
		middleware.Recovery,
		middleware.CORS(cfg.Server.EnableCORS),
		middleware.Identity,
		middleware.RateLimit(limiter),
	)(mux)
}
