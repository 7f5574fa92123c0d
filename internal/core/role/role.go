package role

import "fmt"

// Role is the connection role of the process-wide session. Every component
// that must behave differently on host and client branches on this value
// instead of being duplicated per role.
type Role int32

const (
	Uninitialized Role = iota
	SinglePlayer
	Host
	Client
)

func (r Role) String() string {
	switch r {
	case Uninitialized:
		return "Uninitialized"
	case SinglePlayer:
		return "SinglePlayer"
	case Host:
		return "Host"
	case Client:
		return "Client"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(r))
	}
}

// Authoritative reports whether this peer originates spawns, NetworkIDs and
// event ordering. Only a client defers to a remote peer.
func (r Role) Authoritative() bool {
	return r != Client
}

// Networked reports whether the role has remote peers to talk to.
func (r Role) Networked() bool {
	return r == Host || r == Client
}

// Parse maps a config string to a Role.
func Parse(s string) (Role, error) {
	switch s {
	case "single", "singleplayer", "single_player":
		return SinglePlayer, nil
	case "host":
		return Host, nil
	case "client":
		return Client, nil
	case "", "none":
		return Uninitialized, nil
	}
	return Uninitialized, fmt.Errorf("unknown role %q", s)
}
