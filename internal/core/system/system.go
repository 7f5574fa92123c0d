package system

import (
	"fmt"
	"time"
)

// Phase orders systems inside one tick. Lower phases run first.
type Phase int

const (
	PhaseInput      Phase = iota // accept peers, dispatch inbound messages
	PhasePreUpdate               // deliver last tick's bus events
	PhaseUpdate                  // game logic
	PhasePostUpdate              // reserved
	PhaseOutput                  // flush replication queues to peers
	PhasePersist                 // batch save spawn records
	PhaseCleanup                 // release destroyed entities
)

var phaseNames = [...]string{"input", "pre_update", "update", "post_update", "output", "persist", "cleanup"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// System is one unit of per-tick work.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
