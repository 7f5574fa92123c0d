package system

import (
	"context"
	"time"

	coresys "github.com/netscene/netscene/internal/core/system"
	"github.com/netscene/netscene/internal/spawn"
	"go.uber.org/zap"
)

// RecordSaver stores a batch of spawn record changes.
type RecordSaver interface {
	SaveBatch(ctx context.Context, changes []spawn.RecordChange) error
}

// PersistenceSystem periodically saves the host's spawn record log so the
// NetworkID watermark survives a restart. Phase 5 (Persist).
type PersistenceSystem struct {
	spawner   *spawn.Coordinator
	saver     RecordSaver
	log       *zap.Logger
	pending   []spawn.RecordChange // failed batches, retried first
	tickCount int
	interval  int // save every N ticks
}

func NewPersistenceSystem(spawner *spawn.Coordinator, saver RecordSaver, log *zap.Logger, intervalTicks int) *PersistenceSystem {
	if intervalTicks <= 0 {
		intervalTicks = 1
	}
	spawner.KeepRecordLog(true)
	return &PersistenceSystem{
		spawner:  spawner,
		saver:    saver,
		log:      log,
		interval: intervalTicks,
	}
}

func (s *PersistenceSystem) Phase() coresys.Phase { return coresys.PhasePersist }

func (s *PersistenceSystem) Update(_ time.Duration) {
	s.tickCount++
	if s.tickCount < s.interval {
		return
	}
	s.tickCount = 0
	s.save()
}

// SaveAll persists everything drained so far. Called on shutdown.
func (s *PersistenceSystem) SaveAll() {
	s.save()
}

// Pending returns the number of changes waiting for a retry.
func (s *PersistenceSystem) Pending() int { return len(s.pending) }

func (s *PersistenceSystem) save() {
	batch := append(s.pending, s.spawner.DrainRecords()...)
	s.pending = nil
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.saver.SaveBatch(ctx, batch); err != nil {
		// 保留整批，下次重試；順序不變，銷毀紀錄不會早於生成紀錄。
		s.pending = batch
		s.log.Error("生成紀錄儲存失敗", zap.Int("count", len(batch)), zap.Error(err))
		return
	}
	s.log.Debug("生成紀錄已儲存", zap.Int("count", len(batch)))
}
