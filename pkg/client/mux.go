package client

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lobic-app/lobic-backend/pkg/protocol"
)

// Handler consumes one inbound envelope. Handlers run synchronously in
// frame-arrival order; anything slow they need (profile fetches and the
// like) must be kicked off asynchronously by the handler itself.
type Handler func(protocol.Envelope)

// Mux routes inbound envelopes to the handler registered for their
// operation code. At most one handler is active per code; registering again
// replaces the previous one, which is how screens take over an operation as
// they come into view.
type Mux struct {
	log *zap.Logger

	mu       sync.Mutex
	handlers map[protocol.OpCode]Handler
}

func NewMux(log *zap.Logger) *Mux {
	return &Mux{log: log, handlers: make(map[protocol.OpCode]Handler)}
}

// Register installs h for op. Last registration wins.
func (m *Mux) Register(op protocol.OpCode, h Handler) {
	m.mu.Lock()
	m.handlers[op] = h
	m.mu.Unlock()
}

func (m *Mux) Unregister(op protocol.OpCode) {
	m.mu.Lock()
	delete(m.handlers, op)
	m.mu.Unlock()
}

// Dispatch decodes raw and invokes the matching handler. Lookup is by the
// literal opcode first, then by the correlation echo: reply codes like OK
// and ERROR carry the originating opcode in "for", and that is the only
// ordering-preserving way to route them to the flow that is waiting.
// A handler that panics is caught and logged; a frame never takes the
// connection down.
func (m *Mux) Dispatch(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		m.log.Warn("dropping inbound frame", zap.Error(err))
		return
	}

	m.mu.Lock()
	h := m.handlers[env.OpCode]
	if h == nil && env.For != "" {
		h = m.handlers[env.For]
	}
	m.mu.Unlock()

	if h == nil {
		m.log.Debug("no handler for frame",
			zap.String("op", string(env.OpCode)), zap.String("for", string(env.For)))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("handler panicked",
				zap.String("op", string(env.OpCode)), zap.Any("panic", r))
		}
	}()
	h(env)
}

// Run drains the connection's frame stream until it closes. Intended to be
// the body of the client's receive goroutine.
func (m *Mux) Run(conn *Conn) {
	for raw := range conn.Frames() {
		m.Dispatch(raw)
	}
}
