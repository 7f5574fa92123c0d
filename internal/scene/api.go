package scene

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/netscene/netscene/internal/core/value"
	"github.com/netscene/netscene/internal/identity"
	"github.com/netscene/netscene/internal/netevent"
	"github.com/netscene/netscene/internal/replication"
	"github.com/netscene/netscene/internal/spawn"
	"go.uber.org/zap"
)

// The methods below back the script bindings. They take names and loosely
// typed arguments and convert them to the declared kinds.

func (s *Scene) fieldKind(id identity.NetworkID, field string) (value.Kind, error) {
	typeName, ok := s.dir.TypeOf(id)
	if !ok {
		return value.KindInvalid, fmt.Errorf("net id %d: %w", id, ErrNotReplicated)
	}
	ts, _ := s.dir.Declarations().Lookup(typeName)
	spec, _, ok := ts.Field(field)
	if !ok {
		return value.KindInvalid, fmt.Errorf("%s.%s: %w", typeName, field, replication.ErrUnknownField)
	}
	return spec.Kind, nil
}

// SetField writes a replicated field's backing value.
func (s *Scene) SetField(local identity.LocalID, field string, v any) error {
	id, ok := s.ids.ResolveLocal(local)
	if !ok {
		return fmt.Errorf("local %d: %w", local, ErrNoEntity)
	}
	kind, err := s.fieldKind(id, field)
	if err != nil {
		return err
	}
	cv, err := value.Convert(kind, v)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return s.dir.Set(id, field, cv)
}

// GetField reads a replicated field.
func (s *Scene) GetField(local identity.LocalID, field string) (value.Value, bool) {
	id, ok := s.ids.ResolveLocal(local)
	if !ok {
		return value.Value{}, false
	}
	return s.dir.Get(id, field)
}

// Notify requests replication of a field the script has just written.
func (s *Scene) Notify(local identity.LocalID, field string) bool {
	id, ok := s.ids.ResolveLocal(local)
	if !ok {
		s.log.Warn("通知目標未註冊", zap.Uint32("local_id", uint32(local)), zap.String("field", field))
		return false
	}
	return s.dir.MarkDirty(id, field)
}

// Trigger raises a named event on a local entity.
func (s *Scene) Trigger(local identity.LocalID, name string, args []any) bool {
	kind, vals, ok := s.eventArgs(name, args)
	if !ok {
		return false
	}
	return s.router.TriggerFromLocal(local, kind, vals...)
}

// TriggerNetwork raises a named event on an entity addressed by NetworkID.
func (s *Scene) TriggerNetwork(id identity.NetworkID, name string, args []any) bool {
	kind, vals, ok := s.eventArgs(name, args)
	if !ok {
		return false
	}
	return s.router.TriggerFromNetwork(id, kind, vals...)
}

func (s *Scene) eventArgs(name string, args []any) (netevent.Kind, []value.Value, bool) {
	kind, ok := s.kinds.Kind(name)
	if !ok {
		s.log.Warn("未知事件", zap.String("event", name))
		return 0, nil, false
	}
	if len(args) > value.MaxArgs {
		s.log.Warn("事件參數過多", zap.String("event", name), zap.Int("args", len(args)))
		return 0, nil, false
	}
	declared := s.argKinds[kind]
	vals := make([]value.Value, 0, len(args))
	for i, a := range args {
		var (
			v   value.Value
			err error
		)
		if i < len(declared) {
			v, err = value.Convert(declared[i], a)
		} else {
			v, err = infer(a)
		}
		if err != nil {
			s.log.Warn("事件參數無效", zap.String("event", name), zap.Int("arg", i), zap.Error(err))
			return 0, nil, false
		}
		vals = append(vals, v)
	}
	return kind, vals, true
}

// infer picks a kind for an undeclared script argument.
func infer(a any) (value.Value, error) {
	switch t := a.(type) {
	case bool:
		return value.Bool(t), nil
	case string:
		return value.Convert(value.KindString, t)
	case float64:
		return value.Float(float32(t)), nil
	case []any:
		return value.Convert(value.KindVector3, t)
	case mgl32.Vec3:
		return value.Vector3(t), nil
	}
	return value.Value{}, fmt.Errorf("unsupported argument %T", a)
}

// Spawn instantiates a prefab by name at a named spawn point through the
// coordinator, so the creation is replicated.
func (s *Scene) Spawn(prefab, spawnPoint string) (identity.LocalID, error) {
	p, ok := s.manifest.PrefabByName(prefab)
	if !ok {
		return 0, fmt.Errorf("prefab %q: %w", prefab, ErrUnknownPrefab)
	}
	point, ok := s.pointNames[spawnPoint]
	if !ok {
		return 0, fmt.Errorf("spawn point %q: %w", spawnPoint, spawn.ErrUnknownSpawnPoint)
	}
	return s.spawner.InstantiateAtSpawnPoint(spawn.PrefabHandle(p.Handle), point)
}

// DestroyEntity destroys a networked entity by LocalID through the
// coordinator, so the destruction is replicated. Named apart from Destroy,
// which is the raw entity store operation.
func (s *Scene) DestroyEntity(local identity.LocalID) error {
	return s.spawner.DestroyByLocalID(local)
}

// DestroyNetwork destroys a networked entity by NetworkID.
func (s *Scene) DestroyNetwork(id identity.NetworkID) error {
	return s.spawner.DestroyByNetworkID(id)
}

func (s *Scene) IsHost() bool { return s.isHost() }

// NetworkID resolves a LocalID.
func (s *Scene) NetworkID(local identity.LocalID) (identity.NetworkID, bool) {
	return s.ids.ResolveLocal(local)
}
