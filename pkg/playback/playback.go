// Package playback holds the playback state machine shared by the server's
// authoritative copy and every client's reconciled mirror. Both sides apply
// SYNC_MUSIC updates through the same merge rules, which is what makes the
// send/broadcast race converge: the sender reconciles its own echo the same
// way everyone else does.
package playback

import (
	"errors"
	"time"

	"github.com/lobic-app/lobic-backend/pkg/protocol"
)

var ErrInvalidPhase = errors.New("invalid playback phase")

// State is one playback snapshot. Position is seconds since track start.
type State struct {
	TrackID   string
	Title     string
	Artist    string
	CoverImg  string
	Phase     protocol.Phase
	Position  float64
	UpdatedAt time.Time
}

func NewIdleState() State {
	return State{Phase: protocol.PhaseIdle}
}

// Apply merges an inbound update into s and returns the new state.
//
// Phase rules:
//   - CHANGE_MUSIC, PLAY, PAUSE: track identity, phase and position are
//     replaced wholesale from the update.
//   - CHANGE_TIME: position only; track identity and phase are kept.
//   - CHANGE_VOLUME: ignored entirely. Volume is a local preference and an
//     incoming echo must not clobber the listener's own setting.
func Apply(s State, u protocol.MusicPayload, now time.Time) (State, error) {
	switch u.State {
	case protocol.PhaseChangeMusic, protocol.PhasePlay, protocol.PhasePause:
		next := s
		next.TrackID = u.ID
		next.Title = u.Title
		next.Artist = u.Artist
		next.CoverImg = u.CoverImg
		next.Phase = u.State
		next.Position = u.Timestamp
		next.UpdatedAt = now
		return next, nil

	case protocol.PhaseChangeTime:
		next := s
		next.Position = u.Timestamp
		next.UpdatedAt = now
		return next, nil

	case protocol.PhaseChangeVolume:
		return s, nil

	case protocol.PhaseIdle:
		next := NewIdleState()
		next.UpdatedAt = now
		return next, nil

	default:
		return s, ErrInvalidPhase
	}
}

// Payload renders the state as a SYNC_MUSIC value.
func (s State) Payload() protocol.MusicPayload {
	return protocol.MusicPayload{
		ID:        s.TrackID,
		Title:     s.Title,
		Artist:    s.Artist,
		CoverImg:  s.CoverImg,
		State:     s.Phase,
		Timestamp: s.Position,
	}
}
