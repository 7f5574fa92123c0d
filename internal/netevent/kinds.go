package netevent

import (
	"fmt"
	"sort"
)

// Kind identifies an event type on the wire. Names are resolved through a
// Kinds table shared by every peer.
type Kind uint16

// Kinds maps event names to wire kinds and back.
type Kinds struct {
	byName map[string]Kind
	byKind map[Kind]string
}

func NewKinds() *Kinds {
	return &Kinds{
		byName: make(map[string]Kind),
		byKind: make(map[Kind]string),
	}
}

// Register binds name to kind. Both must be unused and kind non-zero.
func (k *Kinds) Register(name string, kind Kind) error {
	if name == "" || kind == 0 {
		return fmt.Errorf("event %q: kind %d: invalid", name, kind)
	}
	if cur, ok := k.byName[name]; ok {
		return fmt.Errorf("event %q already registered as %d", name, cur)
	}
	if cur, ok := k.byKind[kind]; ok {
		return fmt.Errorf("event kind %d already registered as %q", kind, cur)
	}
	k.byName[name] = kind
	k.byKind[kind] = name
	return nil
}

func (k *Kinds) Kind(name string) (Kind, bool) {
	v, ok := k.byName[name]
	return v, ok
}

func (k *Kinds) Name(kind Kind) (string, bool) {
	v, ok := k.byKind[kind]
	return v, ok
}

// Names returns all registered names, sorted.
func (k *Kinds) Names() []string {
	out := make([]string, 0, len(k.byName))
	for n := range k.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
