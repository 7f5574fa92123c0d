package replication

import (
	"errors"
	"fmt"

	"github.com/netscene/netscene/internal/core/value"
)

// Mode selects how a replicated field propagates.
type Mode uint8

const (
	// Notify fields run their callback locally as soon as MarkDirty is
	// called and ride along on the next flush. Caller-paced.
	Notify Mode = iota + 1
	// Continuous fields are sampled on every flush and sent when the value
	// differs from the last transmitted one. At most one update per flush.
	Continuous
	// Update fields are sent once per MarkDirty; repeated calls before a
	// flush coalesce into one update with the latest value.
	Update
)

func (m Mode) String() string {
	switch m {
	case Notify:
		return "notify"
	case Continuous:
		return "continuous"
	case Update:
		return "update"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode maps a manifest mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "notify":
		return Notify, nil
	case "continuous":
		return Continuous, nil
	case "update":
		return Update, nil
	}
	return 0, fmt.Errorf("unknown replication mode %q", s)
}

var (
	ErrTypeRedeclared = errors.New("script type already declared")
	ErrBadDeclaration = errors.New("bad field declaration")
)

// FieldSpec declares one replicated field of a script type.
type FieldSpec struct {
	Name     string
	Kind     value.Kind
	Mode     Mode
	Callback string      // zero-argument handler run after a new value lands; optional
	Default  value.Value // zero value of Kind when invalid
}

// TypeSpec is the frozen field table of one script type.
type TypeSpec struct {
	Name   string
	Fields []FieldSpec
	index  map[string]int
}

// Field looks up a field by name.
func (t *TypeSpec) Field(name string) (FieldSpec, int, bool) {
	i, ok := t.index[name]
	if !ok {
		return FieldSpec{}, -1, false
	}
	return t.Fields[i], i, true
}

// Declarations maps script types to their replicated fields. A type is
// declared once; its modes cannot change afterwards.
type Declarations struct {
	types map[string]*TypeSpec
}

func NewDeclarations() *Declarations {
	return &Declarations{types: make(map[string]*TypeSpec)}
}

// Register declares typeName with the given fields.
func (d *Declarations) Register(typeName string, fields ...FieldSpec) error {
	if typeName == "" {
		return fmt.Errorf("empty type name: %w", ErrBadDeclaration)
	}
	if _, ok := d.types[typeName]; ok {
		return fmt.Errorf("%s: %w", typeName, ErrTypeRedeclared)
	}
	t := &TypeSpec{
		Name:   typeName,
		Fields: make([]FieldSpec, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("%s: empty field name: %w", typeName, ErrBadDeclaration)
		}
		if _, dup := t.index[f.Name]; dup {
			return fmt.Errorf("%s.%s declared twice: %w", typeName, f.Name, ErrBadDeclaration)
		}
		if f.Mode < Notify || f.Mode > Update {
			return fmt.Errorf("%s.%s: %s: %w", typeName, f.Name, f.Mode, ErrBadDeclaration)
		}
		if f.Kind == value.KindInvalid {
			return fmt.Errorf("%s.%s: missing value kind: %w", typeName, f.Name, ErrBadDeclaration)
		}
		if !f.Default.Valid() {
			f.Default = value.Zero(f.Kind)
		} else if f.Default.Kind() != f.Kind {
			return fmt.Errorf("%s.%s: default is %s, field is %s: %w",
				typeName, f.Name, f.Default.Kind(), f.Kind, ErrBadDeclaration)
		}
		t.index[f.Name] = len(t.Fields)
		t.Fields = append(t.Fields, f)
	}
	d.types[typeName] = t
	return nil
}

// Lookup returns the declared fields of typeName.
func (d *Declarations) Lookup(typeName string) (*TypeSpec, bool) {
	t, ok := d.types[typeName]
	return t, ok
}

// Count returns the number of declared types.
func (d *Declarations) Count() int {
	return len(d.types)
}
