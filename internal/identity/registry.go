package identity

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// LocalID identifies an entity inside one running simulation. It means
// nothing to other peers.
type LocalID uint32

// NetworkID is assigned by the authoritative peer at spawn time and is the
// same on every peer for the same logical entity. It is never reused.
type NetworkID uint64

var (
	ErrAlreadyRegistered = errors.New("identity already registered")
	ErrRetired           = errors.New("network id retired")
	ErrZeroID            = errors.New("zero id")
)

// Registry owns the LocalID↔NetworkID bijection for this peer.
// Accessed only from the simulation goroutine; no locks.
type Registry struct {
	toNetwork map[LocalID]NetworkID
	toLocal   map[NetworkID]LocalID
	retired   map[NetworkID]struct{}
	next      NetworkID // last allocated id; 0 means none yet
	log       *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		toNetwork: make(map[LocalID]NetworkID, 256),
		toLocal:   make(map[NetworkID]LocalID, 256),
		retired:   make(map[NetworkID]struct{}, 256),
		log:       log.Named("identity"),
	}
}

// ResolveLocal maps a local id to its network id. A miss is expected when an
// entity has not been replicated yet and must not be treated as fatal.
func (r *Registry) ResolveLocal(local LocalID) (NetworkID, bool) {
	id, ok := r.toNetwork[local]
	return id, ok
}

// ResolveNetwork maps a network id to the local entity on this peer.
func (r *Registry) ResolveNetwork(id NetworkID) (LocalID, bool) {
	local, ok := r.toLocal[id]
	return local, ok
}

// Register binds local to id. Both sides must be unbound and id must not be
// retired, which keeps the mapping a bijection.
func (r *Registry) Register(local LocalID, id NetworkID) error {
	if local == 0 || id == 0 {
		return ErrZeroID
	}
	if _, ok := r.retired[id]; ok {
		return fmt.Errorf("register %d: %w", id, ErrRetired)
	}
	if cur, ok := r.toNetwork[local]; ok {
		return fmt.Errorf("local %d already bound to %d: %w", local, cur, ErrAlreadyRegistered)
	}
	if cur, ok := r.toLocal[id]; ok {
		return fmt.Errorf("network %d already bound to local %d: %w", id, cur, ErrAlreadyRegistered)
	}
	r.toNetwork[local] = id
	r.toLocal[id] = local
	if id > r.next {
		r.next = id
	}
	return nil
}

// Retire unbinds id and marks it permanently unusable. Retiring an id twice
// or an id that was never registered is a no-op beyond recording it.
func (r *Registry) Retire(id NetworkID) {
	if _, ok := r.retired[id]; ok {
		return
	}
	if local, ok := r.toLocal[id]; ok {
		delete(r.toLocal, id)
		delete(r.toNetwork, local)
	}
	r.retired[id] = struct{}{}
	r.log.Debug("網路編號已退役", zap.Uint64("net_id", uint64(id)))
}

// IsRetired reports whether id was retired on this peer.
func (r *Registry) IsRetired(id NetworkID) bool {
	_, ok := r.retired[id]
	return ok
}

// Allocate returns a fresh NetworkID. Only the authoritative peer allocates.
// Ids grow monotonically from the watermark, so retired ids never come back.
func (r *Registry) Allocate() NetworkID {
	for {
		r.next++
		if _, ok := r.retired[r.next]; ok {
			continue
		}
		if _, ok := r.toLocal[r.next]; ok {
			continue
		}
		return r.next
	}
}

// Watermark returns the highest NetworkID ever allocated or registered.
func (r *Registry) Watermark() NetworkID {
	return r.next
}

// RestoreWatermark raises the allocator so the next id is above w. Used when
// a persisted watermark from an earlier run is loaded. It never lowers it.
func (r *Registry) RestoreWatermark(w NetworkID) {
	if w > r.next {
		r.next = w
	}
}

// Reset drops every mapping and retirement, keeping the watermark so a host
// that re-establishes its role never hands out an old id again.
func (r *Registry) Reset() {
	clear(r.toNetwork)
	clear(r.toLocal)
	clear(r.retired)
}

// Len returns the number of live mappings.
func (r *Registry) Len() int {
	return len(r.toLocal)
}

// Each calls fn for every live mapping, in no particular order.
func (r *Registry) Each(fn func(LocalID, NetworkID)) {
	for id, local := range r.toLocal {
		fn(local, id)
	}
}
