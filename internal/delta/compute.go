// Package delta computes minimal diffs between entity maps and folds them back
// into snapshots.
package delta

import (
	"slices"

	"github.com/samber/lo"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/snapshot"
)

// Compute returns the delta that turns prev into next. Entities only in next
// are added with their full component map, entities only in prev are removed,
// and entities in both contribute an update listing the changed components and
// the kinds that disappeared. Unchanged entities are not mentioned. Entries are
// ordered by entity id so equal inputs always encode identically.
func Compute(prev, next snapshot.Entities, baseTick, nextTick uint64, opts ...Option) snapshot.Delta {
	o := newOptions(opts)
	d := snapshot.Delta{
		Tick:     nextTick,
		BaseTick: baseTick,
		Added:    []snapshot.EntityState{},
		Updated:  []snapshot.EntityUpdate{},
		Removed:  []snapshot.EntityID{},
	}

	for _, id := range sortedIDs(next) {
		nextComps := next[id]
		prevComps, existed := prev[id]
		if !existed {
			d.Added = append(d.Added, snapshot.EntityState{EntityID: id, Components: nextComps.Clone()})
			continue
		}

		changed := o.changedKinds(prevComps, nextComps)
		if len(changed) == 0 {
			continue
		}
		update := snapshot.EntityUpdate{EntityID: id}
		var written []snapshot.ComponentKind
		for _, kind := range changed {
			if nextComps.Has(kind) {
				written = append(written, kind)
			} else {
				update.RemovedComponents = append(update.RemovedComponents, kind)
			}
		}
		update.Components = nextComps.Only(written...).Clone()
		d.Updated = append(d.Updated, update)
	}

	for _, id := range sortedIDs(prev) {
		if _, ok := next[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}

	return d
}

// Summary counts what a delta touches.
type Summary struct {
	Added             int `json:"added"`
	Updated           int `json:"updated"`
	Removed           int `json:"removed"`
	ComponentWrites   int `json:"componentWrites"`
	ComponentRemovals int `json:"componentRemovals"`
}

// Entities reports how many entities the delta mentions.
func (s Summary) Entities() int {
	return s.Added + s.Updated + s.Removed
}

// Stats summarizes d.
func Stats(d snapshot.Delta) Summary {
	s := Summary{Added: len(d.Added), Updated: len(d.Updated), Removed: len(d.Removed)}
	for _, entry := range d.Added {
		s.ComponentWrites += len(entry.Components.Kinds())
	}
	for _, entry := range d.Updated {
		s.ComponentWrites += len(entry.Components.Kinds())
		s.ComponentRemovals += len(entry.RemovedComponents)
	}
	return s
}

func sortedIDs(entities snapshot.Entities) []snapshot.EntityID {
	ids := lo.Keys(entities)
	slices.Sort(ids)
	return ids
}
