package replication

import (
	"errors"
	"fmt"
	"slices"

	"github.com/netscene/netscene/internal/core/value"
	"github.com/netscene/netscene/internal/identity"
	"go.uber.org/zap"
)

var (
	ErrUnknownEntity = errors.New("unknown replicated entity")
	ErrUnknownField  = errors.New("unknown replicated field")
	ErrKindMismatch  = errors.New("value kind does not match field")
	ErrUnknownType   = errors.New("undeclared script type")
)

// FieldUpdate carries one field's value to remote peers.
type FieldUpdate struct {
	Target identity.NetworkID
	Field  string
	Value  value.Value
}

// CallbackInvoker runs a field's zero-argument change handler on the local
// entity. Implemented by the scene layer.
type CallbackInvoker interface {
	InvokeCallback(local identity.LocalID, typeName, callback string) error
}

type fieldState struct {
	current value.Value
	sent    value.Value // last value transmitted or applied
}

type entityState struct {
	spec   *TypeSpec
	fields []fieldState
}

type pendingKey struct {
	id    identity.NetworkID
	field int
}

// Directory tracks the replicated fields of every networked entity on this
// peer and decides which values leave on the next flush.
// Accessed only from the simulation goroutine; no locks.
type Directory struct {
	decls    *Declarations
	ids      *identity.Registry
	invoker  CallbackInvoker
	entities map[identity.NetworkID]*entityState

	pending    []pendingKey
	pendingSet map[pendingKey]struct{}

	log *zap.Logger
}

func NewDirectory(decls *Declarations, ids *identity.Registry, invoker CallbackInvoker, log *zap.Logger) *Directory {
	return &Directory{
		decls:      decls,
		ids:        ids,
		invoker:    invoker,
		entities:   make(map[identity.NetworkID]*entityState, 256),
		pendingSet: make(map[pendingKey]struct{}, 64),
		log:        log.Named("replication"),
	}
}

// Declarations returns the field table this directory was built with.
func (d *Directory) Declarations() *Declarations { return d.decls }

// Attach starts tracking id as an instance of typeName, with every field at
// its declared default. The defaults count as transmitted: both sides start
// from them.
func (d *Directory) Attach(id identity.NetworkID, typeName string) error {
	spec, ok := d.decls.Lookup(typeName)
	if !ok {
		return fmt.Errorf("attach %d: %s: %w", id, typeName, ErrUnknownType)
	}
	st := &entityState{spec: spec, fields: make([]fieldState, len(spec.Fields))}
	for i, f := range spec.Fields {
		st.fields[i] = fieldState{current: f.Default, sent: f.Default}
	}
	d.entities[id] = st
	return nil
}

// Detach stops tracking id. Pending updates for it are discarded.
func (d *Directory) Detach(id identity.NetworkID) {
	delete(d.entities, id)
}

// Tracked reports whether id is attached.
func (d *Directory) Tracked(id identity.NetworkID) bool {
	_, ok := d.entities[id]
	return ok
}

// TypeOf returns the script type id was attached with.
func (d *Directory) TypeOf(id identity.NetworkID) (string, bool) {
	st, ok := d.entities[id]
	if !ok {
		return "", false
	}
	return st.spec.Name, true
}

func (d *Directory) lookup(id identity.NetworkID, field string) (*entityState, FieldSpec, int, error) {
	st, ok := d.entities[id]
	if !ok {
		return nil, FieldSpec{}, -1, fmt.Errorf("%d: %w", id, ErrUnknownEntity)
	}
	spec, idx, ok := st.spec.Field(field)
	if !ok {
		return nil, FieldSpec{}, -1, fmt.Errorf("%s.%s: %w", st.spec.Name, field, ErrUnknownField)
	}
	return st, spec, idx, nil
}

// Set writes a field's backing value on this peer. Nothing is queued;
// Continuous fields are picked up by the next flush, Notify and Update
// fields wait for MarkDirty.
func (d *Directory) Set(id identity.NetworkID, field string, v value.Value) error {
	st, spec, idx, err := d.lookup(id, field)
	if err != nil {
		return err
	}
	if v.Kind() != spec.Kind {
		return fmt.Errorf("%s.%s is %s, got %s: %w", st.spec.Name, field, spec.Kind, v.Kind(), ErrKindMismatch)
	}
	if err := v.Check(); err != nil {
		return fmt.Errorf("%s.%s: %w", st.spec.Name, field, err)
	}
	st.fields[idx].current = v
	return nil
}

// Get reads a field's backing value on this peer.
func (d *Directory) Get(id identity.NetworkID, field string) (value.Value, bool) {
	st, _, idx, err := d.lookup(id, field)
	if err != nil {
		return value.Value{}, false
	}
	return st.fields[idx].current, true
}

// MarkDirty requests propagation of a Notify or Update field. For Notify
// fields the callback runs locally right away. Continuous fields are sampled
// by Flush and ignore MarkDirty. Returns false when id or field is unknown.
func (d *Directory) MarkDirty(id identity.NetworkID, field string) bool {
	st, spec, idx, err := d.lookup(id, field)
	if err != nil {
		d.log.Warn("標記欄位失敗", zap.Uint64("net_id", uint64(id)), zap.String("field", field), zap.Error(err))
		return false
	}
	switch spec.Mode {
	case Continuous:
		return true
	case Notify:
		d.invoke(id, st.spec.Name, spec.Callback)
	}
	key := pendingKey{id: id, field: idx}
	if _, ok := d.pendingSet[key]; !ok {
		d.pendingSet[key] = struct{}{}
		d.pending = append(d.pending, key)
	}
	return true
}

// Flush drains everything due for transmission: explicitly marked Notify
// and Update fields in the order they were first marked, then every changed
// Continuous field ordered by NetworkID and declaration order. Each field
// appears at most once, carrying its latest value.
func (d *Directory) Flush() []FieldUpdate {
	var out []FieldUpdate

	for _, key := range d.pending {
		st, ok := d.entities[key.id]
		if !ok {
			continue // detached since it was marked
		}
		spec := st.spec.Fields[key.field]
		fs := &st.fields[key.field]
		fs.sent = fs.current
		out = append(out, FieldUpdate{Target: key.id, Field: spec.Name, Value: fs.current})
		if spec.Mode == Update {
			d.invoke(key.id, st.spec.Name, spec.Callback)
		}
	}
	d.pending = d.pending[:0]
	clear(d.pendingSet)

	ids := make([]identity.NetworkID, 0, len(d.entities))
	for id := range d.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		st := d.entities[id]
		for i, spec := range st.spec.Fields {
			if spec.Mode != Continuous {
				continue
			}
			fs := &st.fields[i]
			if fs.current.Equal(fs.sent) {
				continue
			}
			fs.sent = fs.current
			out = append(out, FieldUpdate{Target: id, Field: spec.Name, Value: fs.current})
			d.invoke(id, st.spec.Name, spec.Callback)
		}
	}
	return out
}

// Apply writes a received value and runs the field's callback once.
// Updates for unknown entities are dropped with a warning: replication and
// spawn broadcasts can interleave.
func (d *Directory) Apply(u FieldUpdate) bool {
	st, spec, idx, err := d.lookup(u.Target, u.Field)
	if err != nil {
		d.log.Warn("欄位更新目標不存在，已丟棄",
			zap.Uint64("net_id", uint64(u.Target)),
			zap.String("field", u.Field),
			zap.Error(err),
		)
		return false
	}
	if u.Value.Kind() != spec.Kind {
		d.log.Warn("欄位更新型別不符，已丟棄",
			zap.Uint64("net_id", uint64(u.Target)),
			zap.String("field", u.Field),
			zap.Stringer("want", spec.Kind),
			zap.Stringer("got", u.Value.Kind()),
		)
		return false
	}
	fs := &st.fields[idx]
	fs.current = u.Value
	fs.sent = u.Value
	d.invoke(u.Target, st.spec.Name, spec.Callback)
	return true
}

// Snapshot returns the current value of every field of id, for a peer that
// joins after the entity was created.
func (d *Directory) Snapshot(id identity.NetworkID) []FieldUpdate {
	st, ok := d.entities[id]
	if !ok {
		return nil
	}
	out := make([]FieldUpdate, 0, len(st.fields))
	for i, spec := range st.spec.Fields {
		out = append(out, FieldUpdate{Target: id, Field: spec.Name, Value: st.fields[i].current})
	}
	return out
}

// Reset drops all tracked entities and pending work.
func (d *Directory) Reset() {
	clear(d.entities)
	d.pending = d.pending[:0]
	clear(d.pendingSet)
}

func (d *Directory) invoke(id identity.NetworkID, typeName, callback string) {
	if callback == "" || d.invoker == nil {
		return
	}
	local, ok := d.ids.ResolveNetwork(id)
	if !ok {
		d.log.Debug("回呼目標尚未註冊", zap.Uint64("net_id", uint64(id)), zap.String("callback", callback))
		return
	}
	if err := d.invoker.InvokeCallback(local, typeName, callback); err != nil {
		d.log.Warn("欄位回呼失敗",
			zap.Uint64("net_id", uint64(id)),
			zap.String("callback", callback),
			zap.Error(err),
		)
	}
}
