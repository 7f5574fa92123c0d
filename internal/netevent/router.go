package netevent

import (
	"fmt"

	"github.com/netscene/netscene/internal/core/role"
	"github.com/netscene/netscene/internal/core/value"
	"github.com/netscene/netscene/internal/identity"
	"go.uber.org/zap"
)

// NetEvent is an event addressed by NetworkID, the only form that leaves the
// process. Seq is stamped by the host and orders events per target; events
// a client forwards to the host carry Seq 0.
type NetEvent struct {
	Target identity.NetworkID
	Kind   Kind
	Seq    uint64
	Args   []value.Value
}

// Handler applies an event's effect to a local entity. Host-simulated and
// client-replayed events go through the same Handler.
type Handler interface {
	InvokeEvent(local identity.LocalID, kind Kind, args []value.Value) error
}

// Router resolves event targets and either applies events locally or queues
// them for the session, depending on the peer's role. The host is the single
// source of ordering for events on an entity.
// Accessed only from the simulation goroutine; no locks.
type Router struct {
	role    role.Role
	ids     *identity.Registry
	handler Handler

	outbound  []NetEvent
	seq       map[identity.NetworkID]uint64 // host: last stamped per target
	delivered map[identity.NetworkID]uint64 // client: last applied per target

	log *zap.Logger
}

func NewRouter(ids *identity.Registry, handler Handler, log *zap.Logger) *Router {
	return &Router{
		ids:       ids,
		handler:   handler,
		seq:       make(map[identity.NetworkID]uint64),
		delivered: make(map[identity.NetworkID]uint64),
		log:       log.Named("netevent"),
	}
}

// SetRole switches the authority rule. Queued events and sequence state from
// the previous role are dropped.
func (r *Router) SetRole(ro role.Role) {
	r.role = ro
	r.Reset()
}

// Reset drops queued events and all sequence state. A client calls it when
// its host goes away: a new host numbers its entities and events from
// scratch.
func (r *Router) Reset() {
	r.outbound = r.outbound[:0]
	clear(r.seq)
	clear(r.delivered)
}

func (r *Router) Role() role.Role { return r.role }

// TriggerFromLocal raises kind on the entity known locally as local. The
// target is resolved to its NetworkID first; when it is not known on this
// peer the event is dropped, never queued. Returns whether the event was
// applied or queued.
func (r *Router) TriggerFromLocal(local identity.LocalID, kind Kind, args ...value.Value) bool {
	id, ok := r.ids.ResolveLocal(local)
	if !ok {
		r.log.Warn("事件目標未註冊，已丟棄",
			zap.Uint32("local_id", uint32(local)),
			zap.Uint16("kind", uint16(kind)),
		)
		return false
	}
	return r.trigger(id, local, kind, args)
}

// TriggerFromNetwork is TriggerFromLocal for callers that already hold a
// cross-peer stable reference.
func (r *Router) TriggerFromNetwork(id identity.NetworkID, kind Kind, args ...value.Value) bool {
	local, ok := r.ids.ResolveNetwork(id)
	if !ok {
		r.log.Warn("事件目標不存在，已丟棄",
			zap.Uint64("net_id", uint64(id)),
			zap.Uint16("kind", uint16(kind)),
		)
		return false
	}
	return r.trigger(id, local, kind, args)
}

func (r *Router) trigger(id identity.NetworkID, local identity.LocalID, kind Kind, args []value.Value) bool {
	if err := checkArgs(args); err != nil {
		r.log.Warn("事件參數超出傳輸限制，已丟棄",
			zap.Uint64("net_id", uint64(id)),
			zap.Uint16("kind", uint16(kind)),
			zap.Error(err),
		)
		return false
	}
	args = append([]value.Value(nil), args...)
	switch r.role {
	case role.Client:
		// Not applied here: the host orders it and echoes it back.
		r.outbound = append(r.outbound, NetEvent{Target: id, Kind: kind, Args: args})
	case role.Host:
		seq := r.seq[id] + 1
		r.seq[id] = seq
		r.apply(local, id, kind, args)
		r.outbound = append(r.outbound, NetEvent{Target: id, Kind: kind, Seq: seq, Args: args})
	default:
		r.apply(local, id, kind, args)
	}
	return true
}

// Deliver consumes an event received from a remote peer. On the host it is a
// client's request and takes the host trigger path, so every client,
// including the sender, receives it in host order. On a client it is the
// host's ordered broadcast and is applied exactly once.
func (r *Router) Deliver(ev NetEvent) bool {
	switch r.role {
	case role.Host:
		return r.TriggerFromNetwork(ev.Target, ev.Kind, ev.Args...)
	case role.Client:
		local, ok := r.ids.ResolveNetwork(ev.Target)
		if !ok {
			r.log.Warn("收到事件但目標不存在，已丟棄",
				zap.Uint64("net_id", uint64(ev.Target)),
				zap.Uint16("kind", uint16(ev.Kind)),
			)
			return false
		}
		if ev.Seq <= r.delivered[ev.Target] {
			r.log.Debug("重複或過期事件，已丟棄",
				zap.Uint64("net_id", uint64(ev.Target)),
				zap.Uint64("seq", ev.Seq),
				zap.Uint64("last", r.delivered[ev.Target]),
			)
			return false
		}
		r.delivered[ev.Target] = ev.Seq
		r.apply(local, ev.Target, ev.Kind, ev.Args)
		return true
	default:
		r.log.Warn("非連線狀態收到事件，已丟棄", zap.Stringer("role", r.role))
		return false
	}
}

// checkArgs refuses events that could not be sent whole, so host and
// clients never apply different arguments.
func checkArgs(args []value.Value) error {
	if len(args) > value.MaxArgs {
		return fmt.Errorf("%d arguments, max %d: %w", len(args), value.MaxArgs, value.ErrTooLong)
	}
	for i, a := range args {
		if err := a.Check(); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}

// Flush drains the events queued for transmission, in trigger order.
func (r *Router) Flush() []NetEvent {
	if len(r.outbound) == 0 {
		return nil
	}
	out := make([]NetEvent, len(r.outbound))
	copy(out, r.outbound)
	r.outbound = r.outbound[:0]
	return out
}

// Forget drops ordering state for a retired entity.
func (r *Router) Forget(id identity.NetworkID) {
	delete(r.seq, id)
	delete(r.delivered, id)
}

func (r *Router) apply(local identity.LocalID, id identity.NetworkID, kind Kind, args []value.Value) {
	if r.handler == nil {
		return
	}
	if err := r.handler.InvokeEvent(local, kind, args); err != nil {
		r.log.Warn("事件處理失敗",
			zap.Uint64("net_id", uint64(id)),
			zap.Uint16("kind", uint16(kind)),
			zap.Error(err),
		)
	}
}
