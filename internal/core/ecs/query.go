package ecs

// Each2 iterates over live entities that have both component A and B.
// Entities marked for destruction are skipped. It iterates over the smaller
// store and checks the larger one; order is unspecified.
func Each2[A, B any](w *World, sa *PtrComponentStore[A], sb *PtrComponentStore[B], fn func(EntityID, *A, *B)) {
	if sa.Len() <= sb.Len() {
		for id, a := range sa.data {
			if b, ok := sb.data[id]; ok && w.Alive(id) {
				fn(id, a, b)
			}
		}
		return
	}
	for id, b := range sb.data {
		if a, ok := sa.data[id]; ok && w.Alive(id) {
			fn(id, a, b)
		}
	}
}
