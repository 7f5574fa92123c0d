package event

import "github.com/netscene/netscene/internal/identity"

// Lifecycle notifications published by the session layer. Handlers run in
// PhasePreUpdate of the tick after the one that emitted them.

type EntitySpawned struct {
	Local  identity.LocalID
	ID     identity.NetworkID
	Prefab uint32
	Remote bool // created from a host broadcast
}

type EntityDestroyed struct {
	Local  identity.LocalID
	ID     identity.NetworkID
	Remote bool
}

type PeerJoined struct {
	PeerID uint64
	Name   string
	Addr   string
}

type PeerLeft struct {
	PeerID uint64
	Reason string
}

type RoleChanged struct {
	From string
	To   string
	Port int
}
