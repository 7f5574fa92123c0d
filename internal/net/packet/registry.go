package packet

import (
	"fmt"

	"go.uber.org/zap"
)

// Opcodes. Byte 0 of every message.
const (
	OpHello       byte = 0x01 // client → host: version, name, password
	OpWelcome     byte = 0x02 // host → client: peer id, tick rate, session id
	OpReject      byte = 0x03 // host → client: reason, then close
	OpSpawn       byte = 0x10 // host → client: creation broadcast
	OpDestroy     byte = 0x11 // host → client: destruction broadcast
	OpFieldUpdate byte = 0x12 // host → client: replicated field value
	OpEvent       byte = 0x13 // both ways: NetEvent
)

// ProtocolVersion is checked during the handshake.
const ProtocolVersion uint16 = 1

// OpName returns a readable opcode name for logs and the traffic journal.
func OpName(op byte) string {
	switch op {
	case OpHello:
		return "Hello"
	case OpWelcome:
		return "Welcome"
	case OpReject:
		return "Reject"
	case OpSpawn:
		return "Spawn"
	case OpDestroy:
		return "Destroy"
	case OpFieldUpdate:
		return "FieldUpdate"
	case OpEvent:
		return "Event"
	default:
		return fmt.Sprintf("0x%02X", op)
	}
}

// PeerState represents a connection's current protocol phase.
type PeerState int

const (
	StateHandshake PeerState = iota // connected, awaiting Hello/Welcome
	StateConnected                  // handshake complete
	StateDisconnecting
)

func (s PeerState) String() string {
	switch s {
	case StateHandshake:
		return "Handshake"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// HandlerFunc is the callback signature for message handlers.
// The peer pointer is passed as an opaque interface to avoid import cycles.
type HandlerFunc func(peer any, r *Reader)

type handlerEntry struct {
	fn            HandlerFunc
	allowedStates map[PeerState]bool
}

// Registry maps opcodes to handlers with state-based access control. Each
// session role builds its own registry, so an opcode the role must not
// accept (a Spawn arriving at the host) is simply unknown there.
type Registry struct {
	handlers map[byte]*handlerEntry
	cs       *Charset
	log      *zap.Logger
}

func NewRegistry(cs *Charset, log *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[byte]*handlerEntry),
		cs:       cs,
		log:      log,
	}
}

// Register maps an opcode to a handler, restricted to the given peer states.
func (reg *Registry) Register(opcode byte, states []PeerState, fn HandlerFunc) {
	allowed := make(map[PeerState]bool, len(states))
	for _, s := range states {
		allowed[s] = true
	}
	reg.handlers[opcode] = &handlerEntry{
		fn:            fn,
		allowedStates: allowed,
	}
}

// Dispatch finds the handler for the opcode in data[0], validates the peer
// state, and calls the handler. Returns an error if the state is not allowed
// or the handler panicked; unknown opcodes are ignored.
func (reg *Registry) Dispatch(peer any, state PeerState, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty packet")
	}
	opcode := data[0]
	reg.log.Debug("收到封包",
		zap.String("op", OpName(opcode)),
		zap.Int("size", len(data)),
		zap.String("state", state.String()),
	)

	entry, ok := reg.handlers[opcode]
	if !ok {
		reg.log.Debug("未知操作碼", zap.String("op", OpName(opcode)), zap.String("state", state.String()))
		return nil // silently ignore unknown opcodes
	}

	if !entry.allowedStates[state] {
		reg.log.Warn("操作碼在此狀態下不允許",
			zap.String("op", OpName(opcode)),
			zap.String("state", state.String()),
		)
		return fmt.Errorf("opcode %s not allowed in state %s", OpName(opcode), state)
	}

	r := NewReader(data, reg.cs)
	return reg.safeCall(entry.fn, peer, r, opcode)
}

// safeCall executes a handler with panic recovery to prevent a single
// bad packet from crashing the simulation loop.
func (reg *Registry) safeCall(fn HandlerFunc, peer any, r *Reader, opcode byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reg.log.Error("處理器 panic 已恢復",
				zap.String("op", OpName(opcode)),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("handler panic for opcode %s: %v", OpName(opcode), rec)
		}
	}()
	fn(peer, r)
	return r.Err()
}
