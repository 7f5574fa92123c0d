package data

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/netscene/netscene/internal/core/value"
	"github.com/netscene/netscene/internal/netevent"
	"github.com/netscene/netscene/internal/replication"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/scene.schema.json
var sceneSchemaJSON []byte

const sceneSchemaURL = "scene.schema.json"

// FieldEntry declares one replicated field of a script type.
type FieldEntry struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Mode     string `yaml:"mode"`
	Callback string `yaml:"callback"`
	Default  any    `yaml:"default"`
}

// TypeEntry is a script type: its Lua file and its replicated fields.
type TypeEntry struct {
	Name   string       `yaml:"name"`
	Script string       `yaml:"script"` // relative to the scripts dir
	Fields []FieldEntry `yaml:"fields"`
}

// EventEntry binds an event name to its wire kind and the handler method
// invoked on the target's script type.
type EventEntry struct {
	Name    string   `yaml:"name"`
	Kind    uint16   `yaml:"kind"`
	Handler string   `yaml:"handler"` // defaults to "On" + Name
	Args    []string `yaml:"args"`    // argument kinds; script arguments are converted to these
}

// ArgKinds returns the declared argument kinds.
func (e *EventEntry) ArgKinds() ([]value.Kind, error) {
	out := make([]value.Kind, len(e.Args))
	for i, a := range e.Args {
		k, err := value.ParseKind(a)
		if err != nil {
			return nil, fmt.Errorf("event %s arg %d: %w", e.Name, i, err)
		}
		out[i] = k
	}
	return out, nil
}

// PrefabEntry is an instantiable template. Type is empty for prefabs
// without replicated state.
type PrefabEntry struct {
	Handle uint32 `yaml:"handle"`
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
}

// SpawnPointEntry is a named transform placed in the scene at load.
type SpawnPointEntry struct {
	Name     string    `yaml:"name"`
	Position []float32 `yaml:"position"`
	Rotation []float32 `yaml:"rotation"`
}

func (s SpawnPointEntry) PositionVec() mgl32.Vec3 { return toVec3(s.Position) }
func (s SpawnPointEntry) RotationVec() mgl32.Vec3 { return toVec3(s.Rotation) }

func toVec3(c []float32) mgl32.Vec3 {
	var v mgl32.Vec3
	copy(v[:], c)
	return v
}

type manifestFile struct {
	Types       []TypeEntry       `yaml:"types"`
	Events      []EventEntry      `yaml:"events"`
	Prefabs     []PrefabEntry     `yaml:"prefabs"`
	SpawnPoints []SpawnPointEntry `yaml:"spawn_points"`
}

// Manifest is the validated scene description shared by every peer.
type Manifest struct {
	Types       []TypeEntry
	Events      []EventEntry
	SpawnPoints []SpawnPointEntry

	types   map[string]*TypeEntry
	prefabs map[uint32]*PrefabEntry
	byName  map[string]*PrefabEntry
	events  map[string]*EventEntry
}

// LoadManifest reads and validates a scene manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene manifest: %w", err)
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseManifest validates raw against the embedded schema and builds the
// lookup tables. Cross references (prefab types, defaults) are checked too.
func ParseManifest(raw []byte) (*Manifest, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	var f manifestFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse scene manifest: %w", err)
	}
	m := &Manifest{
		Types:       f.Types,
		Events:      f.Events,
		SpawnPoints: f.SpawnPoints,
		types:       make(map[string]*TypeEntry, len(f.Types)),
		prefabs:     make(map[uint32]*PrefabEntry, len(f.Prefabs)),
		byName:      make(map[string]*PrefabEntry, len(f.Prefabs)),
		events:      make(map[string]*EventEntry, len(f.Events)),
	}
	for i := range m.Types {
		t := &m.Types[i]
		if _, dup := m.types[t.Name]; dup {
			return nil, fmt.Errorf("type %q declared twice", t.Name)
		}
		m.types[t.Name] = t
	}
	for i := range m.Events {
		e := &m.Events[i]
		if e.Handler == "" {
			e.Handler = "On" + e.Name
		}
		if _, err := e.ArgKinds(); err != nil {
			return nil, err
		}
		m.events[e.Name] = e
	}
	for i := range f.Prefabs {
		p := &f.Prefabs[i]
		if _, dup := m.prefabs[p.Handle]; dup {
			return nil, fmt.Errorf("prefab handle %d used twice", p.Handle)
		}
		if _, dup := m.byName[p.Name]; dup {
			return nil, fmt.Errorf("prefab %q declared twice", p.Name)
		}
		if p.Type != "" {
			if _, ok := m.types[p.Type]; !ok {
				return nil, fmt.Errorf("prefab %q: unknown type %q", p.Name, p.Type)
			}
		}
		m.prefabs[p.Handle] = p
		m.byName[p.Name] = p
	}
	return m, nil
}

func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse scene manifest: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	// The validator expects encoding/json types.
	js, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("scene manifest: %w", err)
	}
	var inst any
	if err := json.Unmarshal(js, &inst); err != nil {
		return fmt.Errorf("scene manifest: %w", err)
	}
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("scene manifest: %w", err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(sceneSchemaURL, bytes.NewReader(sceneSchemaJSON)); err != nil {
		return nil, fmt.Errorf("load scene schema: %w", err)
	}
	s, err := c.Compile(sceneSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile scene schema: %w", err)
	}
	return s, nil
}

// Type returns a script type entry by name.
func (m *Manifest) Type(name string) (*TypeEntry, bool) {
	t, ok := m.types[name]
	return t, ok
}

// Prefab returns a prefab by handle.
func (m *Manifest) Prefab(handle uint32) (*PrefabEntry, bool) {
	p, ok := m.prefabs[handle]
	return p, ok
}

// PrefabByName returns a prefab by name.
func (m *Manifest) PrefabByName(name string) (*PrefabEntry, bool) {
	p, ok := m.byName[name]
	return p, ok
}

// Event returns an event entry by name.
func (m *Manifest) Event(name string) (*EventEntry, bool) {
	e, ok := m.events[name]
	return e, ok
}

// PrefabCount returns the number of prefabs.
func (m *Manifest) PrefabCount() int { return len(m.prefabs) }

// Prefabs returns every prefab ordered by handle.
func (m *Manifest) Prefabs() []*PrefabEntry {
	out := make([]*PrefabEntry, 0, len(m.prefabs))
	for _, p := range m.prefabs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Declarations builds the replicated field table of every script type.
func (m *Manifest) Declarations() (*replication.Declarations, error) {
	d := replication.NewDeclarations()
	for _, t := range m.Types {
		specs := make([]replication.FieldSpec, 0, len(t.Fields))
		for _, f := range t.Fields {
			spec, err := f.spec()
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.Name, f.Name, err)
			}
			specs = append(specs, spec)
		}
		if err := d.Register(t.Name, specs...); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (f FieldEntry) spec() (replication.FieldSpec, error) {
	kind, err := value.ParseKind(f.Kind)
	if err != nil {
		return replication.FieldSpec{}, err
	}
	mode, err := replication.ParseMode(f.Mode)
	if err != nil {
		return replication.FieldSpec{}, err
	}
	spec := replication.FieldSpec{Name: f.Name, Kind: kind, Mode: mode, Callback: f.Callback}
	if f.Default != nil {
		def, err := value.Convert(kind, f.Default)
		if err != nil {
			return replication.FieldSpec{}, fmt.Errorf("default: %w", err)
		}
		spec.Default = def
	}
	return spec, nil
}

// Kinds builds the event name ↔ wire kind table.
func (m *Manifest) Kinds() (*netevent.Kinds, error) {
	k := netevent.NewKinds()
	for _, e := range m.Events {
		if err := k.Register(e.Name, netevent.Kind(e.Kind)); err != nil {
			return nil, err
		}
	}
	return k, nil
}
