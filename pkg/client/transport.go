// Package client is the connection-side half of the sync protocol: the
// websocket transport, the dispatch multiplexer that routes inbound frames
// to per-operation handlers, and the session controller that drives the
// join/create/leave lifecycle and keeps the reconciled lobby mirror.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/lobic-app/lobic-backend/pkg/protocol"
)

var ErrConnect = errors.New("could not establish connection")

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is one persistent bidirectional connection. It owns send/receive and
// lifecycle only; reconnection policy belongs to the caller.
type Conn struct {
	ws     *websocket.Conn
	log    *zap.Logger
	state  atomic.Int32
	frames chan []byte
}

// Dial opens a connection to endpoint. Failure is a ConnectError condition;
// there is no retry here.
func Dial(ctx context.Context, endpoint string, log *zap.Logger) (*Conn, error) {
	c := &Conn{log: log, frames: make(chan []byte, 16)}
	c.state.Store(int32(StateConnecting))

	ws, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		c.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	c.ws = ws
	c.state.Store(int32(StateOpen))

	go c.readLoop()
	return c, nil
}

func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Send writes env if the connection is open. Against any other state it is
// a logged no-op, never an error: the caller's state machine, not the
// transport, decides what to do about a dead connection.
func (c *Conn) Send(ctx context.Context, env protocol.Envelope) {
	if c.State() != StateOpen {
		c.log.Warn("send on non-open connection dropped",
			zap.String("state", c.State().String()),
			zap.String("op", string(env.OpCode)))
		return
	}
	payload, err := env.Encode()
	if err != nil {
		c.log.Error("encode failed", zap.Error(err))
		return
	}
	if err := c.ws.Write(ctx, websocket.MessageText, payload); err != nil {
		c.log.Warn("write failed", zap.Error(err))
	}
}

// Frames is the subscription point for raw inbound frames. The channel is
// closed once the connection reaches Closed.
func (c *Conn) Frames() <-chan []byte { return c.frames }

func (c *Conn) Close() {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return
	}
	_ = c.ws.Close(websocket.StatusNormalClosure, "bye")
	// readLoop observes the close error and finishes the transition.
}

func (c *Conn) readLoop() {
	defer func() {
		c.state.Store(int32(StateClosed))
		close(c.frames)
	}()
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			if c.State() == StateOpen {
				// Abrupt network loss: Open -> Closed directly.
				c.log.Warn("connection lost", zap.Error(err))
			}
			return
		}
		c.frames <- data
	}
}
