package scene

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/netscene/netscene/internal/core/ecs"
	"github.com/netscene/netscene/internal/core/event"
	"github.com/netscene/netscene/internal/core/value"
	"github.com/netscene/netscene/internal/data"
	"github.com/netscene/netscene/internal/identity"
	"github.com/netscene/netscene/internal/netevent"
	"github.com/netscene/netscene/internal/replication"
	"github.com/netscene/netscene/internal/scripting"
	"github.com/netscene/netscene/internal/spawn"
	"go.uber.org/zap"
)

var (
	ErrNoEntity      = errors.New("no such entity")
	ErrUnknownPrefab = errors.New("unknown prefab")
	ErrUnknownEvent  = errors.New("unknown event")
	ErrNotReplicated = errors.New("entity has no replicated fields")
)

// Transform is an entity's placement.
type Transform struct {
	Position mgl32.Vec3
	Rotation mgl32.Vec3
}

// Instance marks an entity created from a prefab.
type Instance struct {
	Prefab     spawn.PrefabHandle
	PrefabName string
	Type       string // script type, "" when not replicated
}

// SpawnPoint marks a named placement loaded from the manifest.
type SpawnPoint struct {
	Name string
}

// Scene is the local entity layer: an ECS world holding spawn points and
// prefab instances, with gameplay handlers run by the script engine.
// It is the entity store, callback invoker and event handler of the
// replication components, and the API behind the script bindings.
// Accessed only from the simulation goroutine.
type Scene struct {
	world      *ecs.World
	transforms *ecs.PtrComponentStore[Transform]
	instances  *ecs.PtrComponentStore[Instance]
	points     *ecs.PtrComponentStore[SpawnPoint]
	pointNames map[string]identity.LocalID

	manifest *data.Manifest
	kinds    *netevent.Kinds
	argKinds map[netevent.Kind][]value.Kind
	engine   *scripting.Engine // nil runs without scripts

	ids     *identity.Registry
	dir     *replication.Directory
	router  *netevent.Router
	spawner *spawn.Coordinator
	isHost  func() bool

	log *zap.Logger
}

// New builds the world and places every spawn point of the manifest.
func New(manifest *data.Manifest, engine *scripting.Engine, log *zap.Logger) (*Scene, error) {
	kinds, err := manifest.Kinds()
	if err != nil {
		return nil, err
	}
	s := &Scene{
		world:      ecs.NewWorld(),
		transforms: ecs.NewPtrComponentStore[Transform](),
		instances:  ecs.NewPtrComponentStore[Instance](),
		points:     ecs.NewPtrComponentStore[SpawnPoint](),
		pointNames: make(map[string]identity.LocalID),
		manifest:   manifest,
		kinds:      kinds,
		argKinds:   make(map[netevent.Kind][]value.Kind),
		engine:     engine,
		isHost:     func() bool { return false },
		log:        log.Named("scene"),
	}
	s.world.Registry().Register(s.transforms)
	s.world.Registry().Register(s.instances)
	s.world.Registry().Register(s.points)

	for i := range manifest.Events {
		e := &manifest.Events[i]
		ak, err := e.ArgKinds()
		if err != nil {
			return nil, err
		}
		s.argKinds[netevent.Kind(e.Kind)] = ak
	}
	for _, sp := range manifest.SpawnPoints {
		if _, dup := s.pointNames[sp.Name]; dup {
			return nil, fmt.Errorf("spawn point %q declared twice", sp.Name)
		}
		id := s.world.CreateEntity()
		s.transforms.Set(id, &Transform{Position: sp.PositionVec(), Rotation: sp.RotationVec()})
		s.points.Set(id, &SpawnPoint{Name: sp.Name})
		s.pointNames[sp.Name] = identity.LocalID(id)
	}
	return s, nil
}

// Bind connects the scene to the replication components and, when a script
// engine is present, exposes them to scripts. isHost reports the session
// role.
func (s *Scene) Bind(
	ids *identity.Registry,
	dir *replication.Directory,
	router *netevent.Router,
	spawner *spawn.Coordinator,
	isHost func() bool,
) {
	s.ids = ids
	s.dir = dir
	s.router = router
	s.spawner = spawner
	if isHost != nil {
		s.isHost = isHost
	}
	if s.engine != nil {
		s.engine.Bind(s)
	}
}

// Subscribe runs the optional OnSpawn script handler once a spawn has been
// published, when the entity's NetworkID is already registered.
func (s *Scene) Subscribe(bus *event.Bus) {
	event.Subscribe(bus, func(ev event.EntitySpawned) {
		s.runHook(ev.Local, "OnSpawn")
	})
}

func (s *Scene) runHook(local identity.LocalID, hook string) {
	if s.engine == nil {
		return
	}
	inst, ok := s.instances.Get(ecs.EntityID(local))
	if !ok || inst.Type == "" || !s.world.Alive(ecs.EntityID(local)) {
		return
	}
	if err := s.engine.InvokeOptional(inst.Type, hook, local); err != nil {
		s.log.Warn("腳本掛勾失敗", zap.String("hook", hook), zap.Uint32("local_id", uint32(local)), zap.Error(err))
	}
}

func (s *Scene) World() *ecs.World { return s.world }

func (s *Scene) Kinds() *netevent.Kinds { return s.kinds }

// SpawnPointID returns the entity of a named spawn point.
func (s *Scene) SpawnPointID(name string) (identity.LocalID, bool) {
	id, ok := s.pointNames[name]
	return id, ok
}

// Transform returns an entity's placement.
func (s *Scene) Transform(local identity.LocalID) (Transform, bool) {
	t, ok := s.transforms.Get(ecs.EntityID(local))
	if !ok {
		return Transform{}, false
	}
	return *t, true
}

// Instance returns the prefab data of a live instance.
func (s *Scene) Instance(local identity.LocalID) (Instance, bool) {
	if !s.world.Alive(ecs.EntityID(local)) {
		return Instance{}, false
	}
	inst, ok := s.instances.Get(ecs.EntityID(local))
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// InstanceCount returns the number of live prefab instances.
func (s *Scene) InstanceCount() int {
	n := 0
	s.EachInstance(func(identity.LocalID, Transform, Instance) { n++ })
	return n
}

// EachInstance visits every live prefab instance with its placement.
func (s *Scene) EachInstance(fn func(local identity.LocalID, t Transform, inst Instance)) {
	ecs.Each2(s.world, s.transforms, s.instances, func(id ecs.EntityID, t *Transform, inst *Instance) {
		fn(identity.LocalID(id), *t, *inst)
	})
}

// Instantiate creates a prefab instance at t.
func (s *Scene) Instantiate(prefab spawn.PrefabHandle, t spawn.Transform) (identity.LocalID, string, error) {
	p, ok := s.manifest.Prefab(uint32(prefab))
	if !ok {
		return 0, "", fmt.Errorf("prefab %d: %w", prefab, ErrUnknownPrefab)
	}
	id := s.world.CreateEntity()
	s.transforms.Set(id, &Transform{Position: t.Position, Rotation: t.Rotation})
	s.instances.Set(id, &Instance{Prefab: prefab, PrefabName: p.Name, Type: p.Type})
	return identity.LocalID(id), p.Type, nil
}

// Destroy queues the entity for end-of-tick removal. Its LocalID is
// recycled only after the cleanup phase has run.
func (s *Scene) Destroy(local identity.LocalID) error {
	id := ecs.EntityID(local)
	if !s.world.Alive(id) {
		return fmt.Errorf("destroy %d: %w", local, ErrNoEntity)
	}
	if inst, ok := s.instances.Get(id); ok && inst.Type != "" && s.engine != nil {
		if err := s.engine.InvokeOptional(inst.Type, "OnDestroy", local); err != nil {
			s.log.Warn("腳本掛勾失敗", zap.String("hook", "OnDestroy"), zap.Uint32("local_id", uint32(local)), zap.Error(err))
		}
		s.engine.Release(local)
	}
	s.world.MarkForDestruction(id)
	return nil
}

// SpawnPoint returns the transform of a spawn point entity.
func (s *Scene) SpawnPoint(local identity.LocalID) (spawn.Transform, bool) {
	id := ecs.EntityID(local)
	if !s.points.Has(id) || !s.world.Alive(id) {
		return spawn.Transform{}, false
	}
	t, _ := s.transforms.Get(id)
	return spawn.Transform{Position: t.Position, Rotation: t.Rotation}, true
}

// InvokeCallback runs a replicated field's change handler.
func (s *Scene) InvokeCallback(local identity.LocalID, typeName, callback string) error {
	if s.engine == nil {
		return nil
	}
	return s.engine.Invoke(typeName, callback, local, nil)
}

// InvokeEvent runs the handler bound to kind on the target's script type.
func (s *Scene) InvokeEvent(local identity.LocalID, kind netevent.Kind, args []value.Value) error {
	name, ok := s.kinds.Name(kind)
	if !ok {
		return fmt.Errorf("kind %d: %w", kind, ErrUnknownEvent)
	}
	inst, ok := s.Instance(local)
	if !ok {
		return fmt.Errorf("event %s on %d: %w", name, local, ErrNoEntity)
	}
	if s.engine == nil || inst.Type == "" {
		return nil
	}
	entry, _ := s.manifest.Event(name)
	return s.engine.Invoke(inst.Type, entry.Handler, local, args)
}

// LoadScripts runs the script file of every manifest type that names one
// and checks that it defined the type's table.
func LoadScripts(engine *scripting.Engine, manifest *data.Manifest, dir string) error {
	for _, t := range manifest.Types {
		if t.Script == "" {
			continue
		}
		if err := engine.LoadFile(filepath.Join(dir, t.Script)); err != nil {
			return err
		}
		if !engine.HasType(t.Name) {
			return fmt.Errorf("%s does not define table %s", t.Script, t.Name)
		}
	}
	return nil
}
