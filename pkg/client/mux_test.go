package client

import (
	"testing"

	"go.uber.org/zap"

	"github.com/lobic-app/lobic-backend/pkg/protocol"
)

func frame(t *testing.T, env protocol.Envelope) []byte {
	t.Helper()
	raw, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestMux_RoutesByOpCode(t *testing.T) {
	m := NewMux(zap.NewNop())

	var got protocol.Envelope
	m.Register(protocol.OpSyncMusic, func(env protocol.Envelope) { got = env })

	m.Dispatch(frame(t, protocol.NewEnvelope(protocol.OpSyncMusic,
		protocol.MusicPayload{ID: "T1", State: protocol.PhasePlay})))

	if got.OpCode != protocol.OpSyncMusic {
		t.Fatalf("handler not invoked, got %+v", got)
	}
}

func TestMux_FallsBackToCorrelation(t *testing.T) {
	m := NewMux(zap.NewNop())

	var got protocol.Envelope
	m.Register(protocol.OpCreateLobby, func(env protocol.Envelope) { got = env })

	// OK has no handler of its own; it must land on the flow that sent
	// CREATE_LOBBY via the echoed opcode.
	m.Dispatch(frame(t, protocol.NewReply(protocol.OpOK, protocol.OpCreateLobby,
		protocol.LobbyRef{LobbyID: "L1"})))

	if got.OpCode != protocol.OpOK || got.For != protocol.OpCreateLobby {
		t.Fatalf("correlation fallback failed, got %+v", got)
	}
}

func TestMux_LiteralHandlerWinsOverFallback(t *testing.T) {
	m := NewMux(zap.NewNop())

	var hit string
	m.Register(protocol.OpError, func(protocol.Envelope) { hit = "literal" })
	m.Register(protocol.OpJoinLobby, func(protocol.Envelope) { hit = "fallback" })

	m.Dispatch(frame(t, protocol.NewErrorReply(protocol.OpJoinLobby, "not found")))
	if hit != "literal" {
		t.Fatalf("want literal handler, got %q", hit)
	}
}

func TestMux_LastRegistrationWins(t *testing.T) {
	m := NewMux(zap.NewNop())

	var hit string
	m.Register(protocol.OpMessage, func(protocol.Envelope) { hit = "first" })
	m.Register(protocol.OpMessage, func(protocol.Envelope) { hit = "second" })

	m.Dispatch(frame(t, protocol.NewEnvelope(protocol.OpMessage, protocol.ChatPayload{})))
	if hit != "second" {
		t.Fatalf("want replacement handler, got %q", hit)
	}
}

func TestMux_UnregisterRemovesHandler(t *testing.T) {
	m := NewMux(zap.NewNop())

	hit := false
	m.Register(protocol.OpMessage, func(protocol.Envelope) { hit = true })
	m.Unregister(protocol.OpMessage)

	m.Dispatch(frame(t, protocol.NewEnvelope(protocol.OpMessage, protocol.ChatPayload{})))
	if hit {
		t.Fatal("unregistered handler was invoked")
	}
}

func TestMux_PanickingHandlerIsContained(t *testing.T) {
	m := NewMux(zap.NewNop())

	m.Register(protocol.OpMessage, func(protocol.Envelope) { panic("boom") })
	var after bool
	m.Register(protocol.OpSyncQueue, func(protocol.Envelope) { after = true })

	m.Dispatch(frame(t, protocol.NewEnvelope(protocol.OpMessage, protocol.ChatPayload{})))
	m.Dispatch(frame(t, protocol.NewEnvelope(protocol.OpSyncQueue, []protocol.Track{})))

	if !after {
		t.Fatal("a panicking handler must not break later dispatches")
	}
}

func TestMux_UnknownFrameDropped(t *testing.T) {
	m := NewMux(zap.NewNop())
	hit := false
	m.Register(protocol.OpMessage, func(protocol.Envelope) { hit = true })

	m.Dispatch([]byte(`{"op_code":"TELEPORT"}`))
	m.Dispatch([]byte(`not json at all`))
	if hit {
		t.Fatal("malformed frames must not reach handlers")
	}
}
