package ecs

// EntityID is the process-scoped id of an entity. Ids are handed out in
// increasing order; a destroyed id returns to the free list only when the
// destruction is flushed at end of tick, so a stale id never aliases a new
// entity within the tick that destroyed it. Zero is never issued.
type EntityID uint32

func (id EntityID) IsZero() bool { return id == 0 }

// EntityPool manages entity allocation with a free list of recycled ids.
type EntityPool struct {
	alive     map[EntityID]struct{}
	freeList  []EntityID
	nextIndex EntityID
}

func NewEntityPool() *EntityPool {
	return &EntityPool{
		alive:     make(map[EntityID]struct{}, 1024),
		freeList:  make([]EntityID, 0, 256),
		nextIndex: 1,
	}
}

func (p *EntityPool) Create() EntityID {
	var id EntityID
	if n := len(p.freeList); n > 0 {
		// Oldest freed id first keeps reuse as late as possible.
		id = p.freeList[0]
		p.freeList = p.freeList[1:]
	} else {
		id = p.nextIndex
		p.nextIndex++
	}
	p.alive[id] = struct{}{}
	return id
}

func (p *EntityPool) Alive(id EntityID) bool {
	_, ok := p.alive[id]
	return ok
}

func (p *EntityPool) Destroy(id EntityID) {
	if _, ok := p.alive[id]; !ok {
		return // already destroyed (stale reference)
	}
	delete(p.alive, id)
	p.freeList = append(p.freeList, id)
}

// Len returns the number of live entities.
func (p *EntityPool) Len() int {
	return len(p.alive)
}
