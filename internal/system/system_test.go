package system

import (
	"context"
	"errors"
	"testing"

	"github.com/netscene/netscene/internal/core/ecs"
	"github.com/netscene/netscene/internal/core/event"
	"github.com/netscene/netscene/internal/core/role"
	"github.com/netscene/netscene/internal/identity"
	"github.com/netscene/netscene/internal/netevent"
	"github.com/netscene/netscene/internal/replication"
	"github.com/netscene/netscene/internal/spawn"
	"go.uber.org/zap"
)

// worldStore backs the coordinator with a plain ECS world.
type worldStore struct {
	world *ecs.World
	point identity.LocalID
}

func (s *worldStore) Instantiate(spawn.PrefabHandle, spawn.Transform) (identity.LocalID, string, error) {
	return identity.LocalID(s.world.CreateEntity()), "", nil
}

func (s *worldStore) Destroy(local identity.LocalID) error {
	s.world.MarkForDestruction(ecs.EntityID(local))
	return nil
}

func (s *worldStore) SpawnPoint(local identity.LocalID) (spawn.Transform, bool) {
	return spawn.Transform{}, local == s.point
}

type fakeSaver struct {
	fail    bool
	batches [][]spawn.RecordChange
}

func (f *fakeSaver) SaveBatch(_ context.Context, changes []spawn.RecordChange) error {
	if f.fail {
		return errors.New("db down")
	}
	f.batches = append(f.batches, changes)
	return nil
}

func newCoordinator(t *testing.T) (*spawn.Coordinator, *worldStore, *event.Bus) {
	t.Helper()
	log := zap.NewNop()
	ws := &worldStore{world: ecs.NewWorld()}
	ws.point = identity.LocalID(ws.world.CreateEntity())
	ids := identity.NewRegistry(log)
	dir := replication.NewDirectory(replication.NewDeclarations(), ids, nil, log)
	router := netevent.NewRouter(ids, nil, log)
	bus := event.NewBus()
	co := spawn.NewCoordinator(ids, dir, router, ws, bus, log)
	co.SetRole(role.SinglePlayer)
	return co, ws, bus
}

func TestPersistenceSavesEveryInterval(t *testing.T) {
	co, ws, _ := newCoordinator(t)
	saver := &fakeSaver{}
	ps := NewPersistenceSystem(co, saver, zap.NewNop(), 3)

	if _, err := co.InstantiateAtSpawnPoint(1, ws.point); err != nil {
		t.Fatal(err)
	}
	ps.Update(0)
	ps.Update(0)
	if len(saver.batches) != 0 {
		t.Fatalf("saved before interval")
	}
	ps.Update(0)
	if len(saver.batches) != 1 || len(saver.batches[0]) != 1 {
		t.Fatalf("batches = %+v", saver.batches)
	}
}

func TestPersistenceRetriesFailedBatchInOrder(t *testing.T) {
	co, ws, _ := newCoordinator(t)
	saver := &fakeSaver{fail: true}
	ps := NewPersistenceSystem(co, saver, zap.NewNop(), 1)

	local, _ := co.InstantiateAtSpawnPoint(1, ws.point)
	ps.Update(0)
	if ps.Pending() != 1 {
		t.Fatalf("pending = %d", ps.Pending())
	}
	_ = co.DestroyByLocalID(local)
	saver.fail = false
	ps.SaveAll()

	if ps.Pending() != 0 || len(saver.batches) != 1 {
		t.Fatalf("pending = %d batches = %d", ps.Pending(), len(saver.batches))
	}
	b := saver.batches[0]
	if len(b) != 2 || b[0].Destroyed || !b[1].Destroyed {
		t.Fatalf("batch = %+v", b)
	}
}

func TestCleanupReleasesMarkedEntities(t *testing.T) {
	co, ws, _ := newCoordinator(t)
	local, _ := co.InstantiateAtSpawnPoint(1, ws.point)
	_ = co.DestroyByLocalID(local)

	if !ws.world.Pool().Alive(ecs.EntityID(local)) {
		t.Fatalf("entity released before cleanup")
	}
	cs := NewCleanupSystem(ws.world)
	cs.Update(0)
	if cs.Released() != 1 {
		t.Fatalf("released = %d", cs.Released())
	}
	if ws.world.Pool().Alive(ecs.EntityID(local)) {
		t.Fatalf("entity still allocated")
	}
}

func TestEventDispatchDeliversLastTick(t *testing.T) {
	co, ws, bus := newCoordinator(t)
	var spawned []identity.NetworkID
	event.Subscribe(bus, func(ev event.EntitySpawned) {
		spawned = append(spawned, ev.ID)
	})
	_, _ = co.InstantiateAtSpawnPoint(1, ws.point)

	sys := NewEventDispatchSystem(bus)
	sys.Update(0)
	if len(spawned) != 1 {
		t.Fatalf("spawned = %v", spawned)
	}
	sys.Update(0)
	if len(spawned) != 1 {
		t.Fatalf("event delivered twice")
	}
}
