package playback

import (
	"testing"
	"time"

	"github.com/lobic-app/lobic-backend/pkg/protocol"
)

func playing() State {
	return State{
		TrackID:  "T1",
		Title:    "Song One",
		Artist:   "Artist One",
		CoverImg: "covers/t1.jpg",
		Phase:    protocol.PhasePlay,
		Position: 42,
	}
}

func TestApply_IdentityPhasesReplaceWholesale(t *testing.T) {
	now := time.Now()
	for _, phase := range []protocol.Phase{protocol.PhaseChangeMusic, protocol.PhasePlay, protocol.PhasePause} {
		next, err := Apply(playing(), protocol.MusicPayload{
			ID: "T2", Title: "Song Two", Artist: "Artist Two", CoverImg: "covers/t2.jpg",
			State: phase, Timestamp: 3,
		}, now)
		if err != nil {
			t.Fatalf("%s: %v", phase, err)
		}
		if next.TrackID != "T2" || next.Title != "Song Two" || next.Phase != phase {
			t.Fatalf("%s: identity not replaced: %+v", phase, next)
		}
		if next.Position != 3 {
			t.Fatalf("%s: want position 3, got %v", phase, next.Position)
		}
	}
}

func TestApply_ChangeTimeMovesPositionOnly(t *testing.T) {
	next, err := Apply(playing(), protocol.MusicPayload{
		// A seek carries no meaningful identity fields; they must be kept.
		State: protocol.PhaseChangeTime, Timestamp: 90,
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next.Position != 90 {
		t.Fatalf("want position 90, got %v", next.Position)
	}
	if next.TrackID != "T1" || next.Phase != protocol.PhasePlay {
		t.Fatalf("seek must not touch identity or phase: %+v", next)
	}
}

func TestApply_ChangeVolumeIgnored(t *testing.T) {
	before := playing()
	next, err := Apply(before, protocol.MusicPayload{
		ID: "T9", State: protocol.PhaseChangeVolume, Timestamp: 0.3,
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next != before {
		t.Fatalf("volume echo altered state: %+v", next)
	}
}

func TestApply_UnknownPhaseFails(t *testing.T) {
	if _, err := Apply(playing(), protocol.MusicPayload{State: "REWIND"}, time.Now()); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

// Convergence: two mirrors that process the same update sequence in the
// same order end up equal regardless of their starting points.
func TestApply_SequenceConverges(t *testing.T) {
	updates := []protocol.MusicPayload{
		{ID: "T1", Title: "One", State: protocol.PhaseChangeMusic, Timestamp: 0},
		{State: protocol.PhaseChangeTime, Timestamp: 30},
		{State: protocol.PhaseChangeVolume, Timestamp: 0.5},
		{ID: "T1", Title: "One", State: protocol.PhasePause, Timestamp: 31},
		{ID: "T2", Title: "Two", State: protocol.PhaseChangeMusic, Timestamp: 0},
	}

	now := time.Now()
	a, b := NewIdleState(), playing()
	for _, u := range updates {
		var err error
		if a, err = Apply(a, u, now); err != nil {
			t.Fatal(err)
		}
		if b, err = Apply(b, u, now); err != nil {
			t.Fatal(err)
		}
	}
	if a != b {
		t.Fatalf("mirrors diverged:\n a=%+v\n b=%+v", a, b)
	}
	if a.TrackID != "T2" || a.Phase != protocol.PhaseChangeMusic {
		t.Fatalf("unexpected final state: %+v", a)
	}
}

func TestPayload_RoundTrip(t *testing.T) {
	s := playing()
	p := s.Payload()
	got, err := Apply(NewIdleState(), p, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got.TrackID != s.TrackID || got.Position != s.Position || got.Phase != s.Phase {
		t.Fatalf("payload did not reproduce state: %+v", got)
	}
}
