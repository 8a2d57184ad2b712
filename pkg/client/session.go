package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lobic-app/lobic-backend/pkg/playback"
	"github.com/lobic-app/lobic-backend/pkg/protocol"
)

type SessionState int

const (
	Outside SessionState = iota
	InLobby
)

// Event is the navigation signal the presentation layer listens on.
type Event int

const (
	EventEnteredLobby Event = iota
	EventLeftLobby
)

// Session drives the client lifecycle: Outside -> (create|join) -> InLobby
// -> (leave | server-pushed LEAVE_LOBBY) -> Outside. It owns the reconciled
// mirror of the lobby: playback, chat log, queue and membership.
//
// Ordering contracts honored here:
//   - entering a lobby resets playback to idle, then requests catch-up
//     exactly once, then signals navigation;
//   - leaving clears playback before the navigation signal fires, because
//     the presentation layer reads playback during its unmount path.
// Transport is what the session needs from the connection layer. *Conn
// satisfies it.
type Transport interface {
	Send(ctx context.Context, env protocol.Envelope)
}

type Session struct {
	conn    Transport
	mux     *Mux
	log     *zap.Logger
	userID  string
	members *MemberCache
	events  chan Event

	mu       sync.Mutex
	state    SessionState
	lobbyID  string
	isHost   bool
	playback playback.State
	volume   float64 // per-listener, never synchronized
	messages []protocol.ChatPayload
	queue    []protocol.Track
}

func NewSession(conn Transport, mux *Mux, lookup ProfileLookup, userID string, log *zap.Logger) *Session {
	s := &Session{
		conn:     conn,
		mux:      mux,
		log:      log,
		userID:   userID,
		members:  NewMemberCache(lookup, log),
		events:   make(chan Event, 4),
		playback: playback.NewIdleState(),
		volume:   1.0,
	}

	// Persistent handlers: these survive across lobbies, the lifecycle
	// handlers below are installed per flow.
	mux.Register(protocol.OpSyncMusic, s.onSyncMusic)
	mux.Register(protocol.OpMessage, s.onMessage)
	mux.Register(protocol.OpGetMessages, s.onMessageLog)
	mux.Register(protocol.OpGetLobbyMembers, s.onMembers)
	mux.Register(protocol.OpSyncQueue, s.onQueue)
	mux.Register(protocol.OpLeaveLobby, func(protocol.Envelope) { s.leaveLocal() })
	return s
}

// Events is the navigation signal stream.
func (s *Session) Events() <-chan Event { return s.events }

// Connect introduces the user to the server. Must complete before any lobby
// operation.
func (s *Session) Connect(ctx context.Context) {
	s.conn.Send(ctx, protocol.NewEnvelope(protocol.OpConnect,
		protocol.ConnectRequest{UserID: s.userID}))
}

// CreateLobby asks the server for a fresh lobby with this user as host. The
// transition into InLobby happens when the correlated OK arrives.
func (s *Session) CreateLobby(ctx context.Context) {
	s.mux.Register(protocol.OpCreateLobby, func(env protocol.Envelope) {
		if env.OpCode == protocol.OpError {
			s.log.Warn("create lobby rejected", zap.ByteString("reason", env.Value))
			return
		}
		var ref protocol.LobbyRef
		if err := env.Bind(&ref); err != nil {
			s.log.Error("bad create reply", zap.Error(err))
			return
		}
		s.enterLobby(ref.LobbyID, true)
	})
	s.conn.Send(ctx, protocol.NewEnvelope(protocol.OpCreateLobby,
		protocol.CreateLobbyRequest{HostID: s.userID}))
}

// JoinLobby asks to join an existing lobby.
func (s *Session) JoinLobby(ctx context.Context, lobbyID string) {
	s.mux.Register(protocol.OpJoinLobby, func(env protocol.Envelope) {
		if env.OpCode == protocol.OpError {
			s.log.Warn("join rejected", zap.ByteString("reason", env.Value))
			return
		}
		var ref protocol.LobbyRef
		if err := env.Bind(&ref); err != nil {
			s.log.Error("bad join reply", zap.Error(err))
			return
		}
		s.enterLobby(ref.LobbyID, false)
	})
	s.conn.Send(ctx, protocol.NewEnvelope(protocol.OpJoinLobby,
		protocol.JoinLobbyRequest{LobbyID: lobbyID, UserID: s.userID}))
}

// Leave requests departure. Local teardown happens on the server's
// LEAVE_LOBBY push, the same path a host-side delete takes.
func (s *Session) Leave(ctx context.Context) {
	s.mu.Lock()
	lobbyID := s.lobbyID
	s.mu.Unlock()
	if lobbyID == "" {
		return
	}
	s.conn.Send(ctx, protocol.NewEnvelope(protocol.OpLeaveLobby,
		protocol.LeaveLobbyRequest{LobbyID: lobbyID, UserID: s.userID}))
}

// DeleteLobby is the host-only teardown of the whole lobby.
func (s *Session) DeleteLobby(ctx context.Context) {
	s.mu.Lock()
	lobbyID := s.lobbyID
	s.mu.Unlock()
	if lobbyID == "" {
		return
	}
	s.conn.Send(ctx, protocol.NewEnvelope(protocol.OpDeleteLobby,
		protocol.DeleteLobbyRequest{LobbyID: lobbyID, UserID: s.userID}))
}

func (s *Session) enterLobby(lobbyID string, isHost bool) {
	s.mu.Lock()
	if s.state == InLobby {
		s.mu.Unlock()
		return
	}
	s.state = InLobby
	s.lobbyID = lobbyID
	s.isHost = isHost
	s.playback = playback.NewIdleState()
	s.messages = nil
	s.queue = nil
	s.mu.Unlock()

	// Catch-up, exactly once per session.
	ctx := context.Background()
	s.conn.Send(ctx, protocol.NewEnvelope(protocol.OpGetMessages,
		protocol.GetMessagesRequest{LobbyID: lobbyID}))
	s.conn.Send(ctx, protocol.NewEnvelope(protocol.OpGetLobbyMembers,
		protocol.GetLobbyMembersRequest{LobbyID: lobbyID}))
	s.conn.Send(ctx, protocol.NewEnvelope(protocol.OpSyncQueue,
		protocol.SyncQueueRequest{LobbyID: lobbyID}))
	s.conn.Send(ctx, protocol.NewEnvelope(protocol.OpSyncMusic,
		protocol.MusicPayload{LobbyID: lobbyID, State: protocol.PhaseIdle}))

	s.signal(EventEnteredLobby)
	s.log.Info("entered lobby", zap.String("lobby_id", lobbyID), zap.Bool("host", isHost))
}

// leaveLocal tears session state down; invoked for both self-initiated
// leaves (ack) and server-pushed ones (host deleted the lobby, connection
// authority dropped us).
func (s *Session) leaveLocal() {
	s.mu.Lock()
	if s.state == Outside {
		s.mu.Unlock()
		return
	}
	lobbyID := s.lobbyID
	s.state = Outside
	s.lobbyID = ""
	s.isHost = false
	s.playback = playback.NewIdleState()
	s.messages = nil
	s.queue = nil
	s.mu.Unlock()

	// Epoch bump: any profile fetch still in flight for the old session is
	// now stale and will be discarded on completion.
	s.members.Reset()

	s.signal(EventLeftLobby)
	s.log.Info("left lobby", zap.String("lobby_id", lobbyID))
}

// SetMusicState publishes a playback change for the current lobby. The
// local mirror is NOT updated here; convergence comes from reconciling the
// server's SYNC_MUSIC echo like every other member.
func (s *Session) SetMusicState(ctx context.Context, update protocol.MusicPayload) {
	s.mu.Lock()
	update.LobbyID = s.lobbyID
	update.UserID = s.userID
	inLobby := s.state == InLobby
	s.mu.Unlock()
	if !inLobby {
		return
	}
	s.conn.Send(ctx, protocol.NewEnvelope(protocol.OpSetMusicState, update))
}

// SendChat publishes a chat message.
func (s *Session) SendChat(ctx context.Context, body string) {
	s.mu.Lock()
	lobbyID := s.lobbyID
	inLobby := s.state == InLobby
	s.mu.Unlock()
	if !inLobby || body == "" {
		return
	}
	s.conn.Send(ctx, protocol.NewEnvelope(protocol.OpMessage,
		protocol.ChatPayload{LobbyID: lobbyID, UserID: s.userID, Message: body}))
}

// SetVolume adjusts the local volume. The change is still announced with a
// CHANGE_VOLUME frame, which every reconciler (ours included) ignores.
func (s *Session) SetVolume(ctx context.Context, volume float64) {
	s.mu.Lock()
	s.volume = volume
	s.mu.Unlock()
	s.SetMusicState(ctx, protocol.MusicPayload{
		State:     protocol.PhaseChangeVolume,
		Timestamp: volume,
	})
}

func (s *Session) onSyncMusic(env protocol.Envelope) {
	var update protocol.MusicPayload
	if err := env.Bind(&update); err != nil {
		s.log.Warn("bad sync frame", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != InLobby {
		return
	}
	next, err := playback.Apply(s.playback, update, time.Now())
	if err != nil {
		s.log.Warn("unreconcilable update", zap.Error(err))
		return
	}
	s.playback = next
}

func (s *Session) onMessage(env protocol.Envelope) {
	var msg protocol.ChatPayload
	if err := env.Bind(&msg); err != nil {
		return
	}
	s.mu.Lock()
	if s.state == InLobby && msg.LobbyID == s.lobbyID {
		s.messages = append(s.messages, msg)
	}
	s.mu.Unlock()
}

func (s *Session) onMessageLog(env protocol.Envelope) {
	var msgs []protocol.ChatPayload
	if err := env.Bind(&msgs); err != nil {
		return
	}
	s.mu.Lock()
	if s.state == InLobby {
		s.messages = msgs
	}
	s.mu.Unlock()
}

func (s *Session) onMembers(env protocol.Envelope) {
	var ids []string
	if err := env.Bind(&ids); err != nil {
		return
	}
	s.mu.Lock()
	inLobby := s.state == InLobby
	s.mu.Unlock()
	if !inLobby {
		return
	}
	s.members.SetMembers(context.Background(), ids)
}

func (s *Session) onQueue(env protocol.Envelope) {
	var queue []protocol.Track
	if err := env.Bind(&queue); err != nil {
		return
	}
	s.mu.Lock()
	if s.state == InLobby {
		s.queue = queue
	}
	s.mu.Unlock()
}

func (s *Session) signal(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event listener lagging, signal dropped")
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LobbyID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lobbyID
}

func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isHost
}

// Playback returns the reconciled mirror.
func (s *Session) Playback() playback.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playback
}

func (s *Session) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *Session) Messages() []protocol.ChatPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ChatPayload, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) Queue() []protocol.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Track, len(s.queue))
	copy(out, s.queue)
	return out
}

// Members returns the resolved membership mirror.
func (s *Session) Members() []Profile {
	return s.members.Members()
}
