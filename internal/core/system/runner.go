package system

import (
	"sort"
	"time"
)

// Runner executes systems in phase order each tick. Systems of the same
// phase keep their registration order.
type Runner struct {
	systems []System
	sorted  bool

	ticks    uint64
	lastTick time.Duration
	now      func() time.Time
}

func NewRunner() *Runner {
	return &Runner{
		systems: make([]System, 0, 8),
		now:     time.Now,
	}
}

func (r *Runner) Register(s System) {
	r.systems = append(r.systems, s)
	r.sorted = false
}

// Tick runs every system once and records how long the tick took.
func (r *Runner) Tick(dt time.Duration) {
	r.ensureSorted()
	start := r.now()
	for _, s := range r.systems {
		s.Update(dt)
	}
	r.lastTick = r.now().Sub(start)
	r.ticks++
}

// TickPhase 只執行指定 Phase 的 System。
// 用於高頻輸入輪詢：在兩個 tick 之間只跑 Phase 0，
// 收到的事件與欄位更新不必等到下一個 tick 才套用。
func (r *Runner) TickPhase(phase Phase, dt time.Duration) {
	r.ensureSorted()
	for _, s := range r.systems {
		if s.Phase() == phase {
			s.Update(dt)
		}
	}
}

// Ticks returns how many full ticks have run.
func (r *Runner) Ticks() uint64 { return r.ticks }

// LastTickDuration is the wall time of the most recent Tick.
func (r *Runner) LastTickDuration() time.Duration { return r.lastTick }

// Len returns the number of registered systems.
func (r *Runner) Len() int { return len(r.systems) }

func (r *Runner) ensureSorted() {
	if r.sorted {
		return
	}
	sort.SliceStable(r.systems, func(i, j int) bool {
		return r.systems[i].Phase() < r.systems[j].Phase()
	})
	r.sorted = true
}
