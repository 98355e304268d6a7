package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tenebris-backend/internal/hub"
	"github.com/DoyleJ11/tenebris-backend/internal/ws"
)

// SetupRoutes builds the router. opts tune the websocket endpoint.
func SetupRoutes(h *hub.Hub, log *zap.Logger, opts ...ws.Option) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Post("/lobbies", CreateLobby(h, log))
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, log, opts...))
	r.Get("/sessions/{userID}", GetSession(h))
	r.Delete("/sessions/{userID}", DeleteSession(h))
	return r
}
