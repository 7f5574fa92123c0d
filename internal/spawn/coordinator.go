package spawn

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/netscene/netscene/internal/core/event"
	"github.com/netscene/netscene/internal/core/role"
	"github.com/netscene/netscene/internal/identity"
	"github.com/netscene/netscene/internal/netevent"
	"github.com/netscene/netscene/internal/replication"
	"go.uber.org/zap"
)

var (
	ErrNotAuthoritative  = errors.New("only the host may spawn or destroy networked entities")
	ErrNoSession         = errors.New("no active session")
	ErrUnknownSpawnPoint = errors.New("unknown spawn point")
	ErrUnknownEntity     = errors.New("unknown networked entity")
)

// PrefabHandle identifies a prefab template in the scene manifest.
type PrefabHandle uint32

// Transform is a spawn position plus Euler rotation in degrees.
type Transform struct {
	Position mgl32.Vec3
	Rotation mgl32.Vec3
}

// EntityStore is the game-side entity layer the coordinator drives.
type EntityStore interface {
	// Instantiate creates a local entity from prefab and returns its id and
	// script type ("" when the prefab has no replicated fields).
	Instantiate(prefab PrefabHandle, t Transform) (identity.LocalID, string, error)
	Destroy(local identity.LocalID) error
	SpawnPoint(local identity.LocalID) (Transform, bool)
}

// SpawnRecord exists on the authoritative peer for every live entity it
// created.
type SpawnRecord struct {
	ID         identity.NetworkID
	Prefab     PrefabHandle
	SpawnPoint identity.LocalID
	Transform  Transform
}

// RecordChange is one entry of the spawn record log drained by persistence.
type RecordChange struct {
	Record    SpawnRecord
	Destroyed bool
	At        time.Time
}

// Creation is the broadcast that makes clients instantiate an entity.
type Creation struct {
	ID        identity.NetworkID
	Prefab    PrefabHandle
	Transform Transform
}

// Lifecycle is one queued creation or destruction broadcast.
type Lifecycle struct {
	Destroy  bool
	ID       identity.NetworkID
	Creation Creation // set when !Destroy
}

// Coordinator performs authoritative creation and destruction of networked
// entities and mirrors the host's broadcasts on clients.
// Accessed only from the simulation goroutine; no locks.
type Coordinator struct {
	role   role.Role
	ids    *identity.Registry
	dir    *replication.Directory
	router *netevent.Router
	store  EntityStore
	bus    *event.Bus

	records        map[identity.NetworkID]SpawnRecord
	outbound       []Lifecycle
	pendingDestroy map[identity.NetworkID]struct{}
	snapshotMark   identity.NetworkID // client: host watermark at join

	keepLog   bool
	recordLog []RecordChange

	log *zap.Logger
}

func NewCoordinator(
	ids *identity.Registry,
	dir *replication.Directory,
	router *netevent.Router,
	store EntityStore,
	bus *event.Bus,
	log *zap.Logger,
) *Coordinator {
	return &Coordinator{
		ids:            ids,
		dir:            dir,
		router:         router,
		store:          store,
		bus:            bus,
		records:        make(map[identity.NetworkID]SpawnRecord, 256),
		pendingDestroy: make(map[identity.NetworkID]struct{}),
		log:            log.Named("spawn"),
	}
}

// SetRole switches the authority rule and drops queued broadcasts.
func (c *Coordinator) SetRole(r role.Role) {
	c.role = r
	c.outbound = c.outbound[:0]
	clear(c.pendingDestroy)
	c.snapshotMark = 0
}

// SetSnapshotWatermark records the host's highest NetworkID at the moment
// it took the join snapshot. Every entity up to it was either in the
// snapshot or already gone.
func (c *Coordinator) SetSnapshotWatermark(w identity.NetworkID) {
	c.snapshotMark = w
}

// KeepRecordLog enables the spawn record log consumed by DrainRecords.
func (c *Coordinator) KeepRecordLog(on bool) {
	c.keepLog = on
	if !on {
		c.recordLog = nil
	}
}

func (c *Coordinator) authorize() error {
	switch c.role {
	case role.Host, role.SinglePlayer:
		return nil
	case role.Client:
		return ErrNotAuthoritative
	default:
		return ErrNoSession
	}
}

// InstantiateAtSpawnPoint creates prefab at the spawn point entity
// spawnPoint, assigns it a fresh NetworkID and, on a host, queues the
// creation broadcast. The id is registered before anything is queued.
func (c *Coordinator) InstantiateAtSpawnPoint(prefab PrefabHandle, spawnPoint identity.LocalID) (identity.LocalID, error) {
	if err := c.authorize(); err != nil {
		return 0, err
	}
	t, ok := c.store.SpawnPoint(spawnPoint)
	if !ok {
		return 0, fmt.Errorf("spawn point %d: %w", spawnPoint, ErrUnknownSpawnPoint)
	}
	local, typeName, err := c.store.Instantiate(prefab, t)
	if err != nil {
		return 0, fmt.Errorf("instantiate prefab %d: %w", prefab, err)
	}

	id := c.ids.Allocate()
	if err := c.bind(local, id, typeName); err != nil {
		return 0, err
	}

	rec := SpawnRecord{ID: id, Prefab: prefab, SpawnPoint: spawnPoint, Transform: t}
	c.records[id] = rec
	c.appendLog(rec, false)
	if c.role == role.Host {
		c.outbound = append(c.outbound, Lifecycle{
			ID:       id,
			Creation: Creation{ID: id, Prefab: prefab, Transform: t},
		})
	}
	event.Emit(c.bus, event.EntitySpawned{Local: local, ID: id, Prefab: uint32(prefab)})
	c.log.Debug("實體生成",
		zap.Uint64("net_id", uint64(id)),
		zap.Uint32("local_id", uint32(local)),
		zap.Uint32("prefab", uint32(prefab)),
	)
	return local, nil
}

// bind registers local↔id and attaches replicated fields, undoing the local
// entity on failure.
func (c *Coordinator) bind(local identity.LocalID, id identity.NetworkID, typeName string) error {
	if err := c.ids.Register(local, id); err != nil {
		_ = c.store.Destroy(local)
		return fmt.Errorf("register %d: %w", id, err)
	}
	if typeName == "" {
		return nil
	}
	if err := c.dir.Attach(id, typeName); err != nil {
		c.ids.Retire(id)
		_ = c.store.Destroy(local)
		return err
	}
	return nil
}

// DestroyByNetworkID destroys the entity and, on a host, queues the
// destruction broadcast. Unknown ids are reported, never fatal.
func (c *Coordinator) DestroyByNetworkID(id identity.NetworkID) error {
	if err := c.authorize(); err != nil {
		return err
	}
	local, ok := c.ids.ResolveNetwork(id)
	if !ok {
		c.log.Warn("銷毀目標不存在", zap.Uint64("net_id", uint64(id)))
		return fmt.Errorf("destroy %d: %w", id, ErrUnknownEntity)
	}
	c.destroyLocal(local, id, false)
	if rec, ok := c.records[id]; ok {
		delete(c.records, id)
		c.appendLog(rec, true)
	}
	if c.role == role.Host {
		c.outbound = append(c.outbound, Lifecycle{Destroy: true, ID: id})
	}
	return nil
}

// DestroyByLocalID resolves local to its NetworkID and destroys it.
func (c *Coordinator) DestroyByLocalID(local identity.LocalID) error {
	if err := c.authorize(); err != nil {
		return err
	}
	id, ok := c.ids.ResolveLocal(local)
	if !ok {
		c.log.Warn("銷毀目標未註冊", zap.Uint32("local_id", uint32(local)))
		return fmt.Errorf("destroy local %d: %w", local, ErrUnknownEntity)
	}
	return c.DestroyByNetworkID(id)
}

// ApplyCreate mirrors a host creation broadcast on a client. A destroy that
// arrived first is applied right after, inside this call, so the entity is
// never observable as alive.
func (c *Coordinator) ApplyCreate(cr Creation) bool {
	if c.ids.IsRetired(cr.ID) {
		c.log.Debug("生成目標已退役，略過", zap.Uint64("net_id", uint64(cr.ID)))
		return false
	}
	if _, ok := c.ids.ResolveNetwork(cr.ID); ok {
		c.log.Debug("重複生成廣播，略過", zap.Uint64("net_id", uint64(cr.ID)))
		return false
	}
	local, typeName, err := c.store.Instantiate(cr.Prefab, cr.Transform)
	if err != nil {
		c.log.Warn("遠端生成失敗",
			zap.Uint64("net_id", uint64(cr.ID)),
			zap.Uint32("prefab", uint32(cr.Prefab)),
			zap.Error(err),
		)
		return false
	}
	if err := c.bind(local, cr.ID, typeName); err != nil {
		c.log.Warn("遠端生成註冊失敗", zap.Uint64("net_id", uint64(cr.ID)), zap.Error(err))
		return false
	}
	event.Emit(c.bus, event.EntitySpawned{Local: local, ID: cr.ID, Prefab: uint32(cr.Prefab), Remote: true})

	if _, ok := c.pendingDestroy[cr.ID]; ok {
		delete(c.pendingDestroy, cr.ID)
		c.log.Debug("套用緩衝的銷毀", zap.Uint64("net_id", uint64(cr.ID)))
		c.destroyLocal(local, cr.ID, true)
	}
	return true
}

// ApplyDestroy mirrors a host destruction broadcast on a client. A destroy
// for an entity not created yet is buffered until its creation arrives,
// unless the entity predates the join snapshot: then it was destroyed
// before this peer joined and no creation will follow.
func (c *Coordinator) ApplyDestroy(id identity.NetworkID) bool {
	if local, ok := c.ids.ResolveNetwork(id); ok {
		c.destroyLocal(local, id, true)
		return true
	}
	if c.ids.IsRetired(id) {
		return false
	}
	if id <= c.snapshotMark {
		c.log.Debug("銷毀目標早於快照，略過", zap.Uint64("net_id", uint64(id)))
		return false
	}
	c.pendingDestroy[id] = struct{}{}
	c.log.Debug("銷毀早於生成，已緩衝", zap.Uint64("net_id", uint64(id)))
	return false
}

func (c *Coordinator) destroyLocal(local identity.LocalID, id identity.NetworkID, remote bool) {
	if err := c.store.Destroy(local); err != nil {
		c.log.Warn("本地實體銷毀失敗",
			zap.Uint32("local_id", uint32(local)),
			zap.Uint64("net_id", uint64(id)),
			zap.Error(err),
		)
	}
	c.dir.Detach(id)
	c.router.Forget(id)
	c.ids.Retire(id)
	event.Emit(c.bus, event.EntityDestroyed{Local: local, ID: id, Remote: remote})
}

// Flush drains queued lifecycle broadcasts in the order they happened.
func (c *Coordinator) Flush() []Lifecycle {
	if len(c.outbound) == 0 {
		return nil
	}
	out := make([]Lifecycle, len(c.outbound))
	copy(out, c.outbound)
	c.outbound = c.outbound[:0]
	return out
}

// Snapshot lists a creation for every live entity, oldest first, for a peer
// that joins late.
func (c *Coordinator) Snapshot() []Creation {
	out := make([]Creation, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, Creation{ID: rec.ID, Prefab: rec.Prefab, Transform: rec.Transform})
	}
	slices.SortFunc(out, func(a, b Creation) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Record returns the spawn record of a live entity.
func (c *Coordinator) Record(id identity.NetworkID) (SpawnRecord, bool) {
	rec, ok := c.records[id]
	return rec, ok
}

// PendingDestroys returns how many destroys wait for their creation.
func (c *Coordinator) PendingDestroys() int {
	return len(c.pendingDestroy)
}

// DrainRecords hands the accumulated record log to the caller.
func (c *Coordinator) DrainRecords() []RecordChange {
	out := c.recordLog
	c.recordLog = nil
	return out
}

func (c *Coordinator) appendLog(rec SpawnRecord, destroyed bool) {
	if !c.keepLog {
		return
	}
	c.recordLog = append(c.recordLog, RecordChange{Record: rec, Destroyed: destroyed, At: time.Now()})
}

// Teardown destroys every networked entity and forgets all identity, field
// and event ordering state except the allocation watermark. Used when the
// session role ends or a client loses or replaces its host.
func (c *Coordinator) Teardown() {
	var locals []identity.LocalID
	c.ids.Each(func(local identity.LocalID, _ identity.NetworkID) {
		locals = append(locals, local)
	})
	slices.Sort(locals)
	for _, local := range locals {
		if err := c.store.Destroy(local); err != nil {
			c.log.Warn("拆除時銷毀失敗", zap.Uint32("local_id", uint32(local)), zap.Error(err))
		}
	}
	for id, rec := range c.records {
		c.appendLog(rec, true)
		delete(c.records, id)
	}
	c.ids.Reset()
	c.dir.Reset()
	c.router.Reset()
	c.outbound = c.outbound[:0]
	clear(c.pendingDestroy)
	c.snapshotMark = 0
	if len(locals) > 0 {
		c.log.Info("已拆除網路實體", zap.Int("count", len(locals)))
	}
}
