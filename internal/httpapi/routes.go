package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lobic-app/lobic-backend/internal/registry"
	"github.com/lobic-app/lobic-backend/internal/ws"
)

// SetupRoutes builds the router with the registry injected.
func SetupRoutes(reg *registry.Registry, friends ws.FriendStore, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(reg, friends, log))

	// Lobby surface for non-socket callers: listing for the lobby browser,
	// queue mutation for the playlist UI.
	r.Get("/lobbies", ListLobbies(reg))
	r.Post("/lobbies/{lobbyID}/queue", EnqueueTrack(reg, log))
	r.Delete("/lobbies/{lobbyID}/queue", DequeueTrack(reg, log))
	return r
}
