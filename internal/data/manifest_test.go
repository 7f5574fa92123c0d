package data

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/netscene/netscene/internal/core/value"
	"github.com/netscene/netscene/internal/replication"
)

const sample = `
types:
  - name: Enemy
    script: enemy.lua
    fields:
      - { name: hp, kind: int32, mode: update, callback: OnHpChanged, default: 100 }
      - { name: position, kind: vector3, mode: continuous, default: [1, 2, 3] }
events:
  - { name: Hit, kind: 1, args: [float, int32] }
  - { name: Heal, kind: 2, handler: Mend }
prefabs:
  - { handle: 1, name: grunt, type: Enemy }
  - { handle: 2, name: rock }
spawn_points:
  - { name: gate, position: [10, 0, 5], rotation: [0, 90, 0] }
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if p, ok := m.Prefab(1); !ok || p.Type != "Enemy" {
		t.Fatalf("prefab 1 = %+v", p)
	}
	if p, ok := m.PrefabByName("rock"); !ok || p.Handle != 2 || p.Type != "" {
		t.Fatalf("rock = %+v", p)
	}
	if e, _ := m.Event("Hit"); e.Handler != "OnHit" {
		t.Fatalf("default handler = %q", e.Handler)
	}
	hit, _ := m.Event("Hit")
	if kinds, err := hit.ArgKinds(); err != nil || len(kinds) != 2 || kinds[1] != value.KindInt32 {
		t.Fatalf("Hit args = %v, %v", kinds, err)
	}
	if e, _ := m.Event("Heal"); e.Handler != "Mend" {
		t.Fatalf("explicit handler = %q", e.Handler)
	}
	sp := m.SpawnPoints[0]
	if sp.PositionVec() != (mgl32.Vec3{10, 0, 5}) || sp.RotationVec() != (mgl32.Vec3{0, 90, 0}) {
		t.Fatalf("spawn point = %+v", sp)
	}
}

func TestManifestDeclarations(t *testing.T) {
	m, err := ParseManifest([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	d, err := m.Declarations()
	if err != nil {
		t.Fatal(err)
	}
	ts, ok := d.Lookup("Enemy")
	if !ok {
		t.Fatalf("Enemy not declared")
	}
	hp, _, _ := ts.Field("hp")
	if hp.Mode != replication.Update || hp.Kind != value.KindInt32 || hp.Default.Int32() != 100 {
		t.Fatalf("hp = %+v", hp)
	}
	pos, _, _ := ts.Field("position")
	if pos.Default.Vector3() != (mgl32.Vec3{1, 2, 3}) {
		t.Fatalf("position default = %v", pos.Default)
	}

	k, err := m.Kinds()
	if err != nil {
		t.Fatal(err)
	}
	if kind, _ := k.Kind("Heal"); kind != 2 {
		t.Fatalf("Heal kind = %d", kind)
	}
}

func TestManifestSchemaRejects(t *testing.T) {
	cases := map[string]string{
		"bad mode":       "types: [{ name: A, fields: [{ name: x, kind: int32, mode: sometimes }] }]",
		"bad kind":       "types: [{ name: A, fields: [{ name: x, kind: int64, mode: update }] }]",
		"short vector":   "spawn_points: [{ name: s, position: [1, 2] }]",
		"zero kind":      "events: [{ name: E, kind: 0 }]",
		"unknown key":    "prefabs: [{ handle: 1, name: p, colour: red }]",
		"unknown type":   "prefabs: [{ handle: 1, name: p, type: Ghost }]",
		"dup handle":     "prefabs: [{ handle: 1, name: p }, { handle: 1, name: q }]",
		"bad default":    `types: [{ name: A, fields: [{ name: x, kind: bool, mode: update, default: "yes" }] }]`,
		"dup event kind": "events: [{ name: A, kind: 1 }, { name: B, kind: 1 }]",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			m, err := ParseManifest([]byte(body))
			if err == nil {
				_, err = m.Declarations()
			}
			if err == nil {
				_, err = m.Kinds()
			}
			if err == nil {
				t.Fatalf("accepted")
			}
		})
	}
}

func TestLoadShippedManifest(t *testing.T) {
	m, err := LoadManifest(filepath.Join("..", "..", "data", "yaml", "scene.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if m.PrefabCount() == 0 || len(m.SpawnPoints) == 0 {
		t.Fatalf("shipped manifest is empty")
	}
	if _, err := m.Declarations(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifestMissing(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "none.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read scene manifest") {
		t.Fatalf("err = %v", err)
	}
	p := filepath.Join(t.TempDir(), "empty.yaml")
	_ = os.WriteFile(p, nil, 0o644)
	if _, err := LoadManifest(p); err != nil {
		t.Fatalf("empty manifest: %v", err)
	}
}
