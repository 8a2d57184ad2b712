package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

var ErrUnknownOperation = errors.New("unknown operation")
var ErrBadEnvelope = errors.New("malformed envelope")
var ErrBadPayload = errors.New("malformed payload")

// OpCode is the closed set of operations carried on the wire. The string
// values are part of the protocol and must not change; adding a new code is
// the only extension point.
type OpCode string

const (
	OpOK              OpCode = "OK"
	OpError           OpCode = "ERROR"
	OpConnect         OpCode = "CONNECT"
	OpCreateLobby     OpCode = "CREATE_LOBBY"
	OpJoinLobby       OpCode = "JOIN_LOBBY"
	OpLeaveLobby      OpCode = "LEAVE_LOBBY"
	OpDeleteLobby     OpCode = "DELETE_LOBBY"
	OpMessage         OpCode = "MESSAGE"
	OpGetMessages     OpCode = "GET_MESSAGES"
	OpGetLobbyIDs     OpCode = "GET_LOBBY_IDS"
	OpGetLobbyMembers OpCode = "GET_LOBBY_MEMBERS"
	OpSetMusicState   OpCode = "SET_MUSIC_STATE"
	OpSyncMusic       OpCode = "SYNC_MUSIC"
	OpSyncQueue       OpCode = "SYNC_QUEUE"
	OpAddFriend       OpCode = "ADD_FRIEND"
	OpRemoveFriend    OpCode = "REMOVE_FRIEND"
)

var opCodes = map[OpCode]bool{
	OpOK:              true,
	OpError:           true,
	OpConnect:         true,
	OpCreateLobby:     true,
	OpJoinLobby:       true,
	OpLeaveLobby:      true,
	OpDeleteLobby:     true,
	OpMessage:         true,
	OpGetMessages:     true,
	OpGetLobbyIDs:     true,
	OpGetLobbyMembers: true,
	OpSetMusicState:   true,
	OpSyncMusic:       true,
	OpSyncQueue:       true,
	OpAddFriend:       true,
	OpRemoveFriend:    true,
}

// Valid reports whether op is a member of the closed enumeration.
func (op OpCode) Valid() bool { return opCodes[op] }

// Envelope is the wire message shape. For is set on server-originated
// replies and echoes the opcode of the request that produced them, so the
// client multiplexer can correlate OK/ERROR frames with the flow that is
// waiting on them.
type Envelope struct {
	OpCode OpCode          `json:"op_code"`
	For    OpCode          `json:"for,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// NewEnvelope marshals value and wraps it under op. Panics only on
// unmarshalable values, which is a programming error.
func NewEnvelope(op OpCode, value any) Envelope {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("protocol: unmarshalable value for %s: %v", op, err))
	}
	return Envelope{OpCode: op, Value: raw}
}

// NewReply is NewEnvelope with the correlation field set.
func NewReply(op OpCode, forOp OpCode, value any) Envelope {
	e := NewEnvelope(op, value)
	e.For = forOp
	return e
}

// NewErrorReply wraps a human-readable error message correlated to forOp.
func NewErrorReply(forOp OpCode, msg string) Envelope {
	return NewReply(OpError, forOp, msg)
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses raw into an Envelope and validates the opcode against the
// registry. Unknown codes fail with ErrUnknownOperation; the frame should be
// dropped without affecting the connection.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if !e.OpCode.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownOperation, e.OpCode)
	}
	if e.For != "" && !e.For.Valid() {
		return Envelope{}, fmt.Errorf("%w: for=%q", ErrUnknownOperation, e.For)
	}
	return e, nil
}

// Bind unmarshals the envelope's value into dst.
func (e Envelope) Bind(dst any) error {
	if err := json.Unmarshal(e.Value, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, e.OpCode, err)
	}
	return nil
}
