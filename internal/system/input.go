package system

import (
	"time"

	coresys "github.com/netscene/netscene/internal/core/system"
	"github.com/netscene/netscene/internal/session"
)

// InputSystem accepts new peers and drains their inbound queues through the
// session's packet registries. Phase 0 (Input).
type InputSystem struct {
	session *session.Session
}

func NewInputSystem(sess *session.Session) *InputSystem {
	return &InputSystem{session: sess}
}

func (s *InputSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *InputSystem) Update(_ time.Duration) {
	s.session.Poll()
}
