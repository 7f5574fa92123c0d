package ecs

import "testing"

type tag struct{ name string }

func TestDestroyedIDRecycledOnlyAfterFlush(t *testing.T) {
	w := NewWorld()
	tags := NewPtrComponentStore[tag]()
	w.Registry().Register(tags)

	a := w.CreateEntity()
	tags.Set(a, &tag{name: "a"})
	w.MarkForDestruction(a)

	if w.Alive(a) {
		t.Fatalf("entity %d should not be alive after MarkForDestruction", a)
	}
	if !tags.Has(a) {
		t.Fatalf("components must stay readable until the flush")
	}
	b := w.CreateEntity()
	if b == a {
		t.Fatalf("id %d reused before destruction was flushed", a)
	}

	if n := w.FlushDestroyQueue(); n != 1 {
		t.Fatalf("flushed %d entities, want 1", n)
	}
	if tags.Has(a) {
		t.Fatalf("component for %d not removed on flush", a)
	}
	if c := w.CreateEntity(); c != a {
		t.Fatalf("expected recycled id %d, got %d", a, c)
	}
}

func TestMarkForDestructionIgnoresDuplicatesAndStale(t *testing.T) {
	w := NewWorld()
	a := w.CreateEntity()
	w.MarkForDestruction(a)
	w.MarkForDestruction(a)
	w.MarkForDestruction(EntityID(999))
	if n := w.FlushDestroyQueue(); n != 1 {
		t.Fatalf("flushed %d, want 1", n)
	}
	if w.Pool().Len() != 0 {
		t.Fatalf("pool still holds %d entities", w.Pool().Len())
	}
}

func TestIDsStartAtOne(t *testing.T) {
	p := NewEntityPool()
	if id := p.Create(); id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}
}

func TestEach2SkipsDying(t *testing.T) {
	w := NewWorld()
	sa := NewPtrComponentStore[int]()
	sb := NewPtrComponentStore[string]()
	w.Registry().Register(sa)
	w.Registry().Register(sb)

	a := w.CreateEntity()
	b := w.CreateEntity()
	c := w.CreateEntity()
	one, two := 1, 2
	x, y := "x", "y"
	sa.Set(a, &one)
	sb.Set(a, &x)
	sa.Set(b, &two)
	sb.Set(b, &y)
	sa.Set(c, &two) // no B

	w.MarkForDestruction(b)
	var seen []EntityID
	Each2(w, sa, sb, func(id EntityID, _ *int, _ *string) { seen = append(seen, id) })
	if len(seen) != 1 || seen[0] != a {
		t.Fatalf("seen = %v", seen)
	}
}
