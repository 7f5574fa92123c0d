package system

import (
	"time"

	coresys "github.com/netscene/netscene/internal/core/system"
	"github.com/netscene/netscene/internal/session"
)

// OutputSystem flushes replication queues to the peers once per tick. When
// the session is not tick-driven the caller flushes explicitly and this
// system does nothing. Phase 4 (Output).
type OutputSystem struct {
	session *session.Session
}

func NewOutputSystem(sess *session.Session) *OutputSystem {
	return &OutputSystem{session: sess}
}

func (s *OutputSystem) Phase() coresys.Phase { return coresys.PhaseOutput }

func (s *OutputSystem) Update(_ time.Duration) {
	if s.session.TickDriven() {
		s.session.Flush()
	}
}
