package registry

import (
	"sync"
	"time"

	"github.com/lobic-app/lobic-backend/pkg/playback"
	"github.com/lobic-app/lobic-backend/pkg/protocol"
)

// Lobby is the single authoritative state set for one session. Every
// mutation happens under mu, so two concurrent operations on the same lobby
// never interleave; operations on different lobbies proceed in parallel.
type Lobby struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	hostID   string
	members  []string // join order, earliest first; includes the host
	playback playback.State
	queue    []protocol.Track
	messages []protocol.ChatPayload
	deleted  bool
}

// Snapshot is the catch-up view handed to a joining client.
type Snapshot struct {
	LobbyID  string
	HostID   string
	Members  []string
	Playback playback.State
	Queue    []protocol.Track
}

func newLobby(id, hostID string, now time.Time) *Lobby {
	return &Lobby{
		ID:        id,
		CreatedAt: now,
		hostID:    hostID,
		members:   []string{hostID},
		playback:  playback.NewIdleState(),
		queue:     make([]protocol.Track, 0),
		messages:  make([]protocol.ChatPayload, 0),
	}
}

// snapshotLocked assumes l.mu is held.
func (l *Lobby) snapshotLocked() Snapshot {
	members := make([]string, len(l.members))
	copy(members, l.members)
	queue := make([]protocol.Track, len(l.queue))
	copy(queue, l.queue)
	return Snapshot{
		LobbyID:  l.ID,
		HostID:   l.hostID,
		Members:  members,
		Playback: l.playback,
		Queue:    queue,
	}
}

func (l *Lobby) isMemberLocked(userID string) bool {
	for _, m := range l.members {
		if m == userID {
			return true
		}
	}
	return false
}

func (l *Lobby) removeMemberLocked(userID string) {
	next := l.members[:0]
	for _, m := range l.members {
		if m != userID {
			next = append(next, m)
		}
	}
	l.members = next
}
