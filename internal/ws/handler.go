package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/lobic-app/lobic-backend/internal/registry"
	"github.com/lobic-app/lobic-backend/pkg/protocol"
)

const writeTimeout = 3 * time.Second

// FriendStore is the slice of the user store the socket layer needs for the
// friend opcodes.
type FriendStore interface {
	AddFriend(ctx context.Context, userID, friendID string) error
	RemoveFriend(ctx context.Context, userID, friendID string) error
}

// Handler upgrades the connection and runs the per-client read loop. A
// writer goroutine drains the registry outbox so a slow reader on one
// connection never blocks fan-out to the rest.
func Handler(reg *registry.Registry, friends FriendStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		c := &client{
			connID:  ulid.Make().String(),
			conn:    conn,
			reg:     reg,
			friends: friends,
		}
		c.log = log.With(zap.String("conn_id", c.connID))
		c.run(r.Context())
	}
}

type client struct {
	connID  string
	userID  string
	conn    *websocket.Conn
	reg     *registry.Registry
	friends FriendStore
	log     *zap.Logger

	sub         *registry.Subscriber
	writeCancel context.CancelFunc
}

func (c *client) run(ctx context.Context) {
	defer c.teardown()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// Malformed or unknown frame: log and drop, keep the connection.
			c.log.Warn("dropping frame", zap.Error(err))
			continue
		}
		c.handle(ctx, env)
	}
}

// teardown runs on any exit from the read loop: an abrupt close is an
// implicit leave for whatever lobby the user was in.
func (c *client) teardown() {
	if c.userID == "" {
		return
	}
	if lobbyID, ok := c.reg.LobbyOf(c.userID); ok {
		if err := c.reg.LeaveLobby(lobbyID, c.userID); err != nil {
			c.log.Warn("leave on disconnect failed", zap.Error(err))
		}
	}
	if c.writeCancel != nil {
		c.writeCancel()
	}
	if c.sub != nil {
		c.reg.Unsubscribe(c.sub)
	}
}

// write sends directly on the connection, bypassing the outbox. Used for
// request replies so a backed-up broadcast queue can't delay them.
func (c *client) write(ctx context.Context, env protocol.Envelope) {
	payload, err := env.Encode()
	if err != nil {
		c.log.Error("encode failed", zap.Error(err))
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, payload); err != nil {
		c.log.Warn("write failed", zap.Error(err))
	}
}

func (c *client) replyErr(ctx context.Context, forOp protocol.OpCode, err error) {
	c.write(ctx, protocol.NewErrorReply(forOp, err.Error()))
}

func (c *client) handle(ctx context.Context, env protocol.Envelope) {
	val, err := protocol.DecodeValue(env)
	if err != nil {
		c.log.Warn("bad payload", zap.String("op", string(env.OpCode)), zap.Error(err))
		c.replyErr(ctx, env.OpCode, errors.New("bad payload"))
		return
	}

	if env.OpCode == protocol.OpConnect {
		c.connect(ctx, val.(protocol.ConnectRequest))
		return
	}
	if c.userID == "" {
		c.replyErr(ctx, env.OpCode, errors.New("not connected"))
		return
	}
	if env.OpCode == protocol.OpGetLobbyIDs {
		c.write(ctx, protocol.NewReply(protocol.OpOK, protocol.OpGetLobbyIDs, c.reg.ListLobbyIDs()))
		return
	}

	switch v := val.(type) {
	case protocol.CreateLobbyRequest:
		id, err := c.reg.CreateLobby(v.HostID)
		if err != nil {
			c.replyErr(ctx, protocol.OpCreateLobby, err)
			return
		}
		c.write(ctx, protocol.NewReply(protocol.OpOK, protocol.OpCreateLobby, protocol.LobbyRef{LobbyID: id}))

	case protocol.JoinLobbyRequest:
		snap, err := c.reg.JoinLobby(v.LobbyID, v.UserID)
		if err != nil {
			c.replyErr(ctx, protocol.OpJoinLobby, err)
			return
		}
		c.write(ctx, protocol.NewReply(protocol.OpOK, protocol.OpJoinLobby, protocol.LobbyRef{LobbyID: snap.LobbyID}))

	case protocol.LeaveLobbyRequest:
		// The ack arrives through the outbox as a LEAVE_LOBBY push, the
		// same shape a host-initiated delete produces.
		if err := c.reg.LeaveLobby(v.LobbyID, v.UserID); err != nil {
			c.replyErr(ctx, protocol.OpLeaveLobby, err)
		}

	case protocol.DeleteLobbyRequest:
		if err := c.reg.DeleteLobby(v.LobbyID, v.UserID); err != nil {
			c.replyErr(ctx, protocol.OpDeleteLobby, err)
		}

	case protocol.ChatPayload:
		if _, err := c.reg.RecordMessage(v.LobbyID, v.UserID, v.Message); err != nil {
			c.replyErr(ctx, protocol.OpMessage, err)
		}

	case protocol.GetMessagesRequest:
		msgs, err := c.reg.Messages(v.LobbyID, c.userID)
		if err != nil {
			c.replyErr(ctx, protocol.OpGetMessages, err)
			return
		}
		c.write(ctx, protocol.NewReply(protocol.OpOK, protocol.OpGetMessages, msgs))

	case protocol.GetLobbyMembersRequest:
		members, err := c.reg.Members(v.LobbyID, c.userID)
		if err != nil {
			c.replyErr(ctx, protocol.OpGetLobbyMembers, err)
			return
		}
		c.write(ctx, protocol.NewReply(protocol.OpOK, protocol.OpGetLobbyMembers, members))

	case protocol.MusicPayload:
		switch env.OpCode {
		case protocol.OpSetMusicState:
			if err := c.reg.SetMusicState(v.LobbyID, v.UserID, v); err != nil {
				c.replyErr(ctx, protocol.OpSetMusicState, err)
			}
		case protocol.OpSyncMusic:
			// Catch-up fetch: answer with the authoritative state.
			state, err := c.reg.Playback(v.LobbyID, c.userID)
			if err != nil {
				c.replyErr(ctx, protocol.OpSyncMusic, err)
				return
			}
			out := state.Payload()
			out.LobbyID = v.LobbyID
			c.write(ctx, protocol.NewReply(protocol.OpSyncMusic, protocol.OpSyncMusic, out))
		}

	case protocol.SyncQueueRequest:
		queue, err := c.reg.Queue(v.LobbyID, c.userID)
		if err != nil {
			c.replyErr(ctx, protocol.OpSyncQueue, err)
			return
		}
		c.write(ctx, protocol.NewReply(protocol.OpSyncQueue, protocol.OpSyncQueue, queue))

	case protocol.FriendRequest:
		var err error
		if env.OpCode == protocol.OpAddFriend {
			err = c.friends.AddFriend(ctx, v.UserID, v.FriendID)
		} else {
			err = c.friends.RemoveFriend(ctx, v.UserID, v.FriendID)
		}
		if err != nil {
			c.replyErr(ctx, env.OpCode, err)
			return
		}
		c.write(ctx, protocol.NewReply(protocol.OpOK, env.OpCode, "ok"))

	default:
		c.replyErr(ctx, env.OpCode, errors.New("unsupported operation"))
	}
}

func (c *client) connect(ctx context.Context, req protocol.ConnectRequest) {
	if c.userID != "" {
		c.replyErr(ctx, protocol.OpConnect, errors.New("already connected"))
		return
	}
	if req.UserID == "" {
		c.replyErr(ctx, protocol.OpConnect, errors.New("missing user_id"))
		return
	}
	c.userID = req.UserID
	c.log = c.log.With(zap.String("user_id", c.userID))
	c.sub = c.reg.Subscribe(c.userID)

	writeCtx, cancel := context.WithCancel(context.Background())
	c.writeCancel = cancel
	go func() {
		for env := range c.sub.Outbox {
			payload, err := env.Encode()
			if err != nil {
				continue
			}
			wctx, wcancel := context.WithTimeout(writeCtx, writeTimeout)
			_ = c.conn.Write(wctx, websocket.MessageText, payload)
			wcancel()
		}
	}()

	c.write(ctx, protocol.NewReply(protocol.OpOK, protocol.OpConnect, "ok"))
	c.log.Info("client connected")
}
