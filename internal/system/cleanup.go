package system

import (
	"time"

	"github.com/netscene/netscene/internal/core/ecs"
	coresys "github.com/netscene/netscene/internal/core/system"
)

// CleanupSystem releases the entities marked for destruction during the
// tick. Their LocalIDs become reusable only from here on. Phase 6 (Cleanup).
type CleanupSystem struct {
	world    *ecs.World
	released int
}

func NewCleanupSystem(world *ecs.World) *CleanupSystem {
	return &CleanupSystem{world: world}
}

func (s *CleanupSystem) Phase() coresys.Phase { return coresys.PhaseCleanup }

func (s *CleanupSystem) Update(_ time.Duration) {
	s.released += s.world.FlushDestroyQueue()
}

// Released returns the total number of entities released so far.
func (s *CleanupSystem) Released() int { return s.released }
