package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"chat_fanout/internal/auth"
	"chat_fanout/internal/logger"
)

type RouterDeps struct {
	Verifier auth.Verifier
	Chats    *ChatHandler
	Health   *HealthHandler
	// Gateway serves the WebSocket endpoint; it authenticates its own handshake.
	Gateway http.Handler
	Log     *logger.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(RequestLogger(deps.Log))
	r.Use(chiMiddleware.Recoverer)

	deps.Health.RegisterHealth(r)
	if deps.Gateway != nil {
		r.Get("/ws", deps.Gateway.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(deps.Verifier))
		deps.Chats.RegisterRoutes(r)
	})
	return r
}
