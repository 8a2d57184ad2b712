package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/lobic-app/lobic-backend/internal/registry"
	"github.com/lobic-app/lobic-backend/pkg/protocol"
)

type stubFriends struct{}

func (stubFriends) AddFriend(context.Context, string, string) error    { return nil }
func (stubFriends) RemoveFriend(context.Context, string, string) error { return nil }

func dialTest(t *testing.T, reg *registry.Registry) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(Handler(reg, stubFriends{}, zap.NewNop()))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func sendEnv(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	raw, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatal(err)
	}
}

// recvFor reads frames until one matches op either literally or through the
// correlation echo, skipping unrelated broadcasts.
func recvFor(t *testing.T, conn *websocket.Conn, op protocol.OpCode) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, raw, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", op, err)
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("undecodable frame: %v", err)
		}
		if env.OpCode == op || env.For == op {
			return env
		}
	}
	t.Fatalf("timed out waiting for %s", op)
	return protocol.Envelope{} // unreachable
}

func connect(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	sendEnv(t, conn, protocol.NewEnvelope(protocol.OpConnect,
		protocol.ConnectRequest{UserID: userID}))
	if env := recvFor(t, conn, protocol.OpConnect); env.OpCode != protocol.OpOK {
		t.Fatalf("connect rejected: %+v", env)
	}
}

func TestHandler_MalformedFrameDroppedWithoutReply(t *testing.T) {
	reg := registry.New(zap.NewNop())
	conn := dialTest(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`not json at all`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"op_code":"TELEPORT"}`)); err != nil {
		t.Fatal(err)
	}

	// Both junk frames are dropped silently: the very next frame the server
	// produces is the connect ack, not an ERROR.
	sendEnv(t, conn, protocol.NewEnvelope(protocol.OpConnect,
		protocol.ConnectRequest{UserID: "alice"}))
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if env.OpCode != protocol.OpOK || env.For != protocol.OpConnect {
		t.Fatalf("want OK for CONNECT as the first reply, got %+v", env)
	}
}

func TestHandler_LobbyReadsRequireMembership(t *testing.T) {
	reg := registry.New(zap.NewNop())

	connA := dialTest(t, reg)
	connect(t, connA, "alice")
	sendEnv(t, connA, protocol.NewEnvelope(protocol.OpCreateLobby,
		protocol.CreateLobbyRequest{HostID: "alice"}))
	created := recvFor(t, connA, protocol.OpCreateLobby)
	if created.OpCode != protocol.OpOK {
		t.Fatalf("create failed: %+v", created)
	}
	var ref protocol.LobbyRef
	if err := created.Bind(&ref); err != nil {
		t.Fatal(err)
	}

	connB := dialTest(t, reg)
	connect(t, connB, "bob")

	// Outside the lobby, bob cannot read its chat log or playback state.
	sendEnv(t, connB, protocol.NewEnvelope(protocol.OpGetMessages,
		protocol.GetMessagesRequest{LobbyID: ref.LobbyID}))
	if env := recvFor(t, connB, protocol.OpGetMessages); env.OpCode != protocol.OpError {
		t.Fatalf("non-member chat fetch: want ERROR, got %+v", env)
	}
	sendEnv(t, connB, protocol.NewEnvelope(protocol.OpSyncMusic,
		protocol.MusicPayload{LobbyID: ref.LobbyID, State: protocol.PhaseIdle}))
	if env := recvFor(t, connB, protocol.OpSyncMusic); env.OpCode != protocol.OpError {
		t.Fatalf("non-member state fetch: want ERROR, got %+v", env)
	}

	// After joining, the same fetch succeeds.
	sendEnv(t, connB, protocol.NewEnvelope(protocol.OpJoinLobby,
		protocol.JoinLobbyRequest{LobbyID: ref.LobbyID, UserID: "bob"}))
	if env := recvFor(t, connB, protocol.OpJoinLobby); env.OpCode != protocol.OpOK {
		t.Fatalf("join failed: %+v", env)
	}
	sendEnv(t, connB, protocol.NewEnvelope(protocol.OpGetMessages,
		protocol.GetMessagesRequest{LobbyID: ref.LobbyID}))
	if env := recvFor(t, connB, protocol.OpGetMessages); env.OpCode != protocol.OpOK {
		t.Fatalf("member chat fetch: want OK, got %+v", env)
	}
}
