package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lobic-app/lobic-backend/internal/registry"
	"github.com/lobic-app/lobic-backend/pkg/protocol"
)

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func ListLobbies(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			LobbyIDs []string `json:"lobby_ids"`
		}{LobbyIDs: reg.ListLobbyIDs()})
	}
}

// EnqueueTrack appends a track to the lobby queue. The SYNC_QUEUE mirror to
// connected members is the registry's side effect, not ours.
func EnqueueTrack(reg *registry.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID := chi.URLParam(r, "lobbyID")

		var track protocol.Track
		if err := json.NewDecoder(r.Body).Decode(&track); err != nil {
			http.Error(w, "bad track payload", http.StatusBadRequest)
			return
		}
		if err := reg.Enqueue(lobbyID, track); err != nil {
			writeRegistryError(w, err)
			return
		}
		log.Info("track enqueued", zap.String("lobby_id", lobbyID), zap.String("track_id", track.ID))
		w.WriteHeader(http.StatusNoContent)
	}
}

func DequeueTrack(reg *registry.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID := chi.URLParam(r, "lobbyID")
		if err := reg.Dequeue(lobbyID); err != nil {
			writeRegistryError(w, err)
			return
		}
		log.Info("track dequeued", zap.String("lobby_id", lobbyID))
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, registry.ErrForbidden), errors.Is(err, registry.ErrNotHost):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, registry.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
