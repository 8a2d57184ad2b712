package protocol

import "fmt"

// Phase is the playback-state kind carried in SET_MUSIC_STATE / SYNC_MUSIC
// frames. CHANGE_TIME is a position-only seek; CHANGE_VOLUME is broadcast
// but never synchronized (volume is a per-listener preference).
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhaseChangeMusic  Phase = "CHANGE_MUSIC"
	PhasePlay         Phase = "PLAY"
	PhasePause        Phase = "PAUSE"
	PhaseChangeTime   Phase = "CHANGE_TIME"
	PhaseChangeVolume Phase = "CHANGE_VOLUME"
)

var phases = map[Phase]bool{
	PhaseIdle:         true,
	PhaseChangeMusic:  true,
	PhasePlay:         true,
	PhasePause:        true,
	PhaseChangeTime:   true,
	PhaseChangeVolume: true,
}

func (p Phase) Valid() bool { return phases[p] }

type ConnectRequest struct {
	UserID string `json:"user_id"`
}

type CreateLobbyRequest struct {
	HostID string `json:"host_id"`
}

type LobbyRef struct {
	LobbyID string `json:"lobby_id"`
}

type JoinLobbyRequest struct {
	LobbyID string `json:"lobby_id"`
	UserID  string `json:"user_id"`
}

type LeaveLobbyRequest struct {
	LobbyID string `json:"lobby_id"`
	UserID  string `json:"user_id"`
}

type DeleteLobbyRequest struct {
	LobbyID string `json:"lobby_id"`
	UserID  string `json:"user_id"`
}

// ChatPayload is both the MESSAGE request and the per-message broadcast.
// Timestamp is stamped by the server at receipt and is zero on requests.
type ChatPayload struct {
	LobbyID   string `json:"lobby_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type GetMessagesRequest struct {
	LobbyID string `json:"lobby_id"`
}

type GetLobbyMembersRequest struct {
	LobbyID string `json:"lobby_id"`
}

// MusicPayload is the SET_MUSIC_STATE request and the SYNC_MUSIC broadcast.
// Timestamp is seconds since track start for position-bearing phases.
type MusicPayload struct {
	LobbyID   string  `json:"lobby_id,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Artist    string  `json:"artist"`
	CoverImg  string  `json:"cover_img"`
	State     Phase   `json:"state"`
	Timestamp float64 `json:"timestamp"`
}

type SyncQueueRequest struct {
	LobbyID string `json:"lobby_id"`
}

// Track is one entry of the lobby queue mirrored by SYNC_QUEUE.
type Track struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	CoverImg string `json:"cover_img"`
}

type FriendRequest struct {
	UserID   string `json:"user_id"`
	FriendID string `json:"friend_id"`
}

// DecodeValue decodes the envelope payload into the concrete shape for its
// opcode. Request-side codes only; reply codes (OK/ERROR) carry
// operation-specific values that the correlated flow decodes itself.
func DecodeValue(e Envelope) (any, error) {
	switch e.OpCode {
	case OpConnect:
		var v ConnectRequest
		return v, e.Bind(&v)
	case OpCreateLobby:
		var v CreateLobbyRequest
		return v, e.Bind(&v)
	case OpJoinLobby:
		var v JoinLobbyRequest
		return v, e.Bind(&v)
	case OpLeaveLobby:
		var v LeaveLobbyRequest
		return v, e.Bind(&v)
	case OpDeleteLobby:
		var v DeleteLobbyRequest
		return v, e.Bind(&v)
	case OpMessage:
		var v ChatPayload
		return v, e.Bind(&v)
	case OpGetMessages:
		var v GetMessagesRequest
		return v, e.Bind(&v)
	case OpGetLobbyIDs:
		// Historical clients send value:"empty" here; the payload is unused.
		return nil, nil
	case OpGetLobbyMembers:
		var v GetLobbyMembersRequest
		return v, e.Bind(&v)
	case OpSetMusicState, OpSyncMusic:
		var v MusicPayload
		if err := e.Bind(&v); err != nil {
			return nil, err
		}
		if !v.State.Valid() {
			return nil, fmt.Errorf("%w: state %q", ErrBadPayload, v.State)
		}
		return v, nil
	case OpSyncQueue:
		var v SyncQueueRequest
		return v, e.Bind(&v)
	case OpAddFriend, OpRemoveFriend:
		var v FriendRequest
		return v, e.Bind(&v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, e.OpCode)
	}
}
