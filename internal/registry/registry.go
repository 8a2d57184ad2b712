// Package registry is the server-side authority for lobbies: membership,
// chat logs, the queue and the single authoritative playback state per
// lobby. All client-visible effects leave through subscriber outboxes so the
// websocket layer stays a thin shell around it.
package registry

import (
	"crypto/rand"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lobic-app/lobic-backend/pkg/playback"
	"github.com/lobic-app/lobic-backend/pkg/protocol"
)

var ErrNotFound = errors.New("lobby not found")
var ErrForbidden = errors.New("not a member of this lobby")
var ErrNotHost = errors.New("host-only action")
var ErrConflict = errors.New("already in another lobby")

const lobbyCodeLen = 6
const outboxSize = 32

// Subscriber is one connected client's delivery queue. The websocket writer
// goroutine drains Outbox; a subscriber that stops draining is dropped so it
// can never stall delivery to other members.
type Subscriber struct {
	UserID string
	Outbox chan protocol.Envelope
}

type Registry struct {
	log *zap.Logger

	mu       sync.RWMutex
	lobbies  map[string]*Lobby
	subs     map[string]*Subscriber // keyed by user id
	memberOf map[string]string      // user id -> lobby id
}

func New(log *zap.Logger) *Registry {
	return &Registry{
		log:      log,
		lobbies:  make(map[string]*Lobby),
		subs:     make(map[string]*Subscriber),
		memberOf: make(map[string]string),
	}
}

// Subscribe registers userID's delivery queue, replacing any previous one
// for the same user (last connection wins). The returned subscriber's Outbox
// is closed when it is dropped or unsubscribed.
func (r *Registry) Subscribe(userID string) *Subscriber {
	sub := &Subscriber{UserID: userID, Outbox: make(chan protocol.Envelope, outboxSize)}
	r.mu.Lock()
	if old := r.subs[userID]; old != nil {
		close(old.Outbox)
	}
	r.subs[userID] = sub
	r.mu.Unlock()
	return sub
}

func (r *Registry) Unsubscribe(sub *Subscriber) {
	r.mu.Lock()
	if r.subs[sub.UserID] == sub {
		delete(r.subs, sub.UserID)
		close(sub.Outbox)
	}
	r.mu.Unlock()
}

// send queues env for userID without blocking. A full outbox means the
// recipient stopped draining; drop the subscriber, not the broadcast.
func (r *Registry) send(userID string, env protocol.Envelope) {
	r.mu.Lock()
	sub := r.subs[userID]
	if sub == nil {
		r.mu.Unlock()
		return
	}
	select {
	case sub.Outbox <- env:
		r.mu.Unlock()
	default:
		delete(r.subs, userID)
		r.mu.Unlock()
		close(sub.Outbox)
		r.log.Warn("dropping slow subscriber", zap.String("user_id", userID))
	}
}

func (r *Registry) broadcast(members []string, env protocol.Envelope) {
	for _, id := range members {
		r.send(id, env)
	}
}

// LobbyOf reports which lobby userID is currently a member of, if any.
func (r *Registry) LobbyOf(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.memberOf[userID]
	return id, ok
}

func (r *Registry) lobby(id string) (*Lobby, error) {
	r.mu.RLock()
	l := r.lobbies[id]
	r.mu.RUnlock()
	if l == nil {
		return nil, ErrNotFound
	}
	return l, nil
}

func generateLobbyID() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	code := make([]byte, lobbyCodeLen)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

// CreateLobby allocates a fresh lobby with hostID as its only member and an
// idle playback state. Identifier collisions are regenerated away.
func (r *Registry) CreateLobby(hostID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.memberOf[hostID]; ok {
		r.log.Warn("create rejected, user already in a lobby",
			zap.String("user_id", hostID), zap.String("lobby_id", current))
		return "", ErrConflict
	}

	var id string
	for {
		code, err := generateLobbyID()
		if err != nil {
			return "", err
		}
		if r.lobbies[code] == nil {
			id = code
			break
		}
	}

	r.lobbies[id] = newLobby(id, hostID, time.Now())
	r.memberOf[hostID] = id
	r.log.Info("lobby created", zap.String("lobby_id", id), zap.String("host_id", hostID))
	return id, nil
}

// JoinLobby adds userID to the lobby and returns a catch-up snapshot.
// Rejoining is a no-op; joining while in a different lobby is a conflict.
// Existing members are notified with a GET_LOBBY_MEMBERS broadcast.
func (r *Registry) JoinLobby(lobbyID, userID string) (Snapshot, error) {
	l, err := r.lobby(lobbyID)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	if current, ok := r.memberOf[userID]; ok && current != lobbyID {
		r.mu.Unlock()
		return Snapshot{}, ErrConflict
	}
	r.memberOf[userID] = lobbyID
	r.mu.Unlock()

	l.mu.Lock()
	if l.deleted {
		l.mu.Unlock()
		r.mu.Lock()
		delete(r.memberOf, userID)
		r.mu.Unlock()
		return Snapshot{}, ErrNotFound
	}
	already := l.isMemberLocked(userID)
	if !already {
		l.members = append(l.members, userID)
	}
	snap := l.snapshotLocked()
	l.mu.Unlock()

	if !already {
		r.broadcast(snap.Members, protocol.NewEnvelope(protocol.OpGetLobbyMembers, snap.Members))
		r.log.Info("member joined", zap.String("lobby_id", lobbyID), zap.String("user_id", userID))
	}
	return snap, nil
}

// LeaveLobby removes userID. A departing host hands the lobby to the
// earliest-joined remaining member; the last member out deletes the lobby.
// The leaver gets a direct LEAVE_LOBBY ack distinct from the membership
// broadcast the others see.
func (r *Registry) LeaveLobby(lobbyID, userID string) error {
	l, err := r.lobby(lobbyID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.deleted {
		l.mu.Unlock()
		return ErrNotFound
	}
	if !l.isMemberLocked(userID) {
		l.mu.Unlock()
		return ErrForbidden
	}
	l.removeMemberLocked(userID)
	wasHost := l.hostID == userID

	var remaining []string
	var newHost string
	empty := len(l.members) == 0
	if empty {
		l.deleted = true
	} else {
		if wasHost {
			l.hostID = l.members[0]
			newHost = l.hostID
		}
		remaining = make([]string, len(l.members))
		copy(remaining, l.members)
	}
	l.mu.Unlock()

	r.mu.Lock()
	delete(r.memberOf, userID)
	if empty {
		delete(r.lobbies, lobbyID)
	}
	r.mu.Unlock()

	r.send(userID, protocol.NewReply(protocol.OpLeaveLobby, protocol.OpLeaveLobby, "ok"))
	if empty {
		r.log.Info("lobby destroyed, no members remain", zap.String("lobby_id", lobbyID))
		return nil
	}
	if newHost != "" {
		r.log.Info("host promoted",
			zap.String("lobby_id", lobbyID), zap.String("host_id", newHost))
	}
	r.broadcast(remaining, protocol.NewEnvelope(protocol.OpGetLobbyMembers, remaining))
	return nil
}

// DeleteLobby tears the lobby down on the host's request. Every member,
// host included, receives a server-pushed LEAVE_LOBBY.
func (r *Registry) DeleteLobby(lobbyID, userID string) error {
	l, err := r.lobby(lobbyID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.deleted {
		l.mu.Unlock()
		return ErrNotFound
	}
	if l.hostID != userID {
		l.mu.Unlock()
		return ErrNotHost
	}
	l.deleted = true
	members := make([]string, len(l.members))
	copy(members, l.members)
	l.mu.Unlock()

	r.mu.Lock()
	delete(r.lobbies, lobbyID)
	for _, m := range members {
		delete(r.memberOf, m)
	}
	r.mu.Unlock()

	r.broadcast(members, protocol.NewReply(protocol.OpLeaveLobby, protocol.OpLeaveLobby, "lobby deleted"))
	r.log.Info("lobby deleted by host", zap.String("lobby_id", lobbyID))
	return nil
}

// SetMusicState merges a member's update into the authoritative playback
// state and broadcasts the result to all members, sender included. The
// sender reconciles its own echo through the same merge rules, so send and
// broadcast racing each other still converge.
func (r *Registry) SetMusicState(lobbyID, userID string, update protocol.MusicPayload) error {
	l, err := r.lobby(lobbyID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.deleted {
		l.mu.Unlock()
		return ErrNotFound
	}
	if !l.isMemberLocked(userID) {
		l.mu.Unlock()
		return ErrForbidden
	}
	next, err := playback.Apply(l.playback, update, time.Now())
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.playback = next
	members := make([]string, len(l.members))
	copy(members, l.members)
	out := next.Payload()
	l.mu.Unlock()

	// CHANGE_VOLUME does not alter authoritative state but is still echoed
	// as received, preserving the broadcast-but-ignored contract.
	if update.State == protocol.PhaseChangeVolume {
		out = update
	}
	out.LobbyID = lobbyID
	r.broadcast(members, protocol.NewEnvelope(protocol.OpSyncMusic, out))
	return nil
}

// ListLobbyIDs returns a sorted snapshot of active lobby ids.
func (r *Registry) ListLobbyIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.lobbies))
	for id := range r.lobbies {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// RecordMessage appends a chat message in server-receipt order, stamps it,
// and broadcasts it to all members.
func (r *Registry) RecordMessage(lobbyID, senderID, body string) (protocol.ChatPayload, error) {
	l, err := r.lobby(lobbyID)
	if err != nil {
		return protocol.ChatPayload{}, err
	}

	l.mu.Lock()
	if l.deleted {
		l.mu.Unlock()
		return protocol.ChatPayload{}, ErrNotFound
	}
	if !l.isMemberLocked(senderID) {
		l.mu.Unlock()
		return protocol.ChatPayload{}, ErrForbidden
	}
	msg := protocol.ChatPayload{
		LobbyID:   lobbyID,
		UserID:    senderID,
		Message:   body,
		Timestamp: time.Now().Unix(),
	}
	l.messages = append(l.messages, msg)
	members := make([]string, len(l.members))
	copy(members, l.members)
	l.mu.Unlock()

	r.broadcast(members, protocol.NewEnvelope(protocol.OpMessage, msg))
	return msg, nil
}

// readLocked acquires the lobby and verifies userID may read it. Lobby state
// is visible to members only.
func (r *Registry) readLocked(lobbyID, userID string) (*Lobby, error) {
	l, err := r.lobby(lobbyID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if l.deleted {
		l.mu.Unlock()
		return nil, ErrNotFound
	}
	if !l.isMemberLocked(userID) {
		l.mu.Unlock()
		return nil, ErrForbidden
	}
	return l, nil
}

// Messages returns the session chat log in receipt order.
func (r *Registry) Messages(lobbyID, userID string) ([]protocol.ChatPayload, error) {
	l, err := r.readLocked(lobbyID, userID)
	if err != nil {
		return nil, err
	}
	defer l.mu.Unlock()
	out := make([]protocol.ChatPayload, len(l.messages))
	copy(out, l.messages)
	return out, nil
}

// Members returns the membership in join order.
func (r *Registry) Members(lobbyID, userID string) ([]string, error) {
	l, err := r.readLocked(lobbyID, userID)
	if err != nil {
		return nil, err
	}
	defer l.mu.Unlock()
	out := make([]string, len(l.members))
	copy(out, l.members)
	return out, nil
}

// Playback returns the authoritative playback state.
func (r *Registry) Playback(lobbyID, userID string) (playback.State, error) {
	l, err := r.readLocked(lobbyID, userID)
	if err != nil {
		return playback.State{}, err
	}
	defer l.mu.Unlock()
	return l.playback, nil
}

// Queue returns the current queue snapshot.
func (r *Registry) Queue(lobbyID, userID string) ([]protocol.Track, error) {
	l, err := r.readLocked(lobbyID, userID)
	if err != nil {
		return nil, err
	}
	defer l.mu.Unlock()
	out := make([]protocol.Track, len(l.queue))
	copy(out, l.queue)
	return out, nil
}

// Enqueue appends a track and mirrors the queue to all members.
func (r *Registry) Enqueue(lobbyID string, track protocol.Track) error {
	return r.mutateQueue(lobbyID, func(q []protocol.Track) []protocol.Track {
		return append(q, track)
	})
}

// Dequeue removes the head of the queue and mirrors the result.
func (r *Registry) Dequeue(lobbyID string) error {
	return r.mutateQueue(lobbyID, func(q []protocol.Track) []protocol.Track {
		if len(q) == 0 {
			return q
		}
		return q[1:]
	})
}

func (r *Registry) mutateQueue(lobbyID string, fn func([]protocol.Track) []protocol.Track) error {
	l, err := r.lobby(lobbyID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.deleted {
		l.mu.Unlock()
		return ErrNotFound
	}
	l.queue = fn(l.queue)
	queue := make([]protocol.Track, len(l.queue))
	copy(queue, l.queue)
	members := make([]string, len(l.members))
	copy(members, l.members)
	l.mu.Unlock()

	r.broadcast(members, protocol.NewEnvelope(protocol.OpSyncQueue, queue))
	return nil
}
