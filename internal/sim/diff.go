package sim

import "owg/server/internal/protocol"

// Diff computes the entity changes from prev to curr. Adds and updates follow curr's order,
// removes follow prev's order, so equal inputs always yield byte-identical deltas.
func Diff(prev, curr protocol.State) protocol.Delta {
	before := make(map[string]int, len(prev.Entities))
	for i, entity := range prev.Entities {
		before[entity.ID] = i
	}
	after := make(map[string]struct{}, len(curr.Entities))

	var delta protocol.Delta
	//1.- Walk the current entities: unseen ids are adds, changed records are updates.
	for _, entity := range curr.Entities {
		after[entity.ID] = struct{}{}
		idx, ok := before[entity.ID]
		if !ok {
			delta.Adds = append(delta.Adds, entity.Clone())
			continue
		}
		if !prev.Entities[idx].Equal(entity) {
			delta.Updates = append(delta.Updates, entity.Clone())
		}
	}
	//2.- Anything that existed before but not now is removed.
	for _, entity := range prev.Entities {
		if _, ok := after[entity.ID]; !ok {
			delta.Removes = append(delta.Removes, entity.ID)
		}
	}
	return delta
}

// ApplyDelta rebuilds the entity set described by delta on top of prev: adds, then updates,
// then removes. Surviving entities keep their prior order and adds are appended.
func ApplyDelta(prev []protocol.Entity, delta protocol.Delta) []protocol.Entity {
	out := make([]protocol.Entity, 0, len(prev)+len(delta.Adds))
	index := make(map[string]int, len(prev)+len(delta.Adds))
	for _, entity := range prev {
		index[entity.ID] = len(out)
		out = append(out, entity.Clone())
	}
	for _, entity := range delta.Adds {
		if i, ok := index[entity.ID]; ok {
			out[i] = entity.Clone()
			continue
		}
		index[entity.ID] = len(out)
		out = append(out, entity.Clone())
	}
	for _, entity := range delta.Updates {
		if i, ok := index[entity.ID]; ok {
			out[i] = entity.Clone()
		}
	}
	if len(delta.Removes) == 0 {
		return out
	}
	removed := make(map[string]struct{}, len(delta.Removes))
	for _, id := range delta.Removes {
		removed[id] = struct{}{}
	}
	kept := out[:0]
	for _, entity := range out {
		if _, ok := removed[entity.ID]; !ok {
			kept = append(kept, entity)
		}
	}
	return kept
}

// SameEntitySet reports whether a and b hold structurally equal entities keyed by id, ignoring order.
func SameEntitySet(a, b []protocol.Entity) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[string]protocol.Entity, len(a))
	for _, entity := range a {
		byID[entity.ID] = entity
	}
	if len(byID) != len(a) {
		return false
	}
	for _, entity := range b {
		other, ok := byID[entity.ID]
		if !ok || !other.Equal(entity) {
			return false
		}
	}
	return true
}
