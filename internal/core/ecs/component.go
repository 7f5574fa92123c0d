package ecs

// Removable is the part of a component store the world needs: dropping an
// entity's component when the entity is released.
type Removable interface {
	Remove(id EntityID)
}

// Registry lists the stores attached to a world so FlushDestroyQueue can
// strip every component of a released entity.
type Registry struct {
	stores []Removable
}

func NewRegistry() *Registry {
	return &Registry{stores: make([]Removable, 0, 4)}
}

// Register attaches a store. Registering the same store twice is a no-op.
func (r *Registry) Register(store Removable) {
	for _, s := range r.stores {
		if s == store {
			return
		}
	}
	r.stores = append(r.stores, store)
}

// Len returns the number of attached stores.
func (r *Registry) Len() int { return len(r.stores) }

// RemoveAll drops id from every attached store.
func (r *Registry) RemoveAll(id EntityID) {
	for _, s := range r.stores {
		s.Remove(id)
	}
}

// PtrComponentStore keeps one *T per entity.
type PtrComponentStore[T any] struct {
	data map[EntityID]*T
}

func NewPtrComponentStore[T any]() *PtrComponentStore[T] {
	return &PtrComponentStore[T]{data: make(map[EntityID]*T, 64)}
}

func (s *PtrComponentStore[T]) Set(id EntityID, c *T) { s.data[id] = c }

func (s *PtrComponentStore[T]) Get(id EntityID) (*T, bool) {
	c, ok := s.data[id]
	return c, ok
}

func (s *PtrComponentStore[T]) Remove(id EntityID) { delete(s.data, id) }

func (s *PtrComponentStore[T]) Has(id EntityID) bool {
	_, ok := s.data[id]
	return ok
}

func (s *PtrComponentStore[T]) Len() int { return len(s.data) }
