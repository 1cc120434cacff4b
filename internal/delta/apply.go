package delta

import (
	"errors"
	"fmt"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/snapshot"
)

var (
	// ErrTickMismatch is returned when a delta is applied to a snapshot other
	// than the one it was computed against. Transports should answer it with a
	// full keyframe resend.
	ErrTickMismatch = errors.New("delta base tick does not match snapshot tick")
	// ErrInvalidDelta wraps structural validation failures.
	ErrInvalidDelta = errors.New("invalid delta")
)

// Apply folds d into base and returns the next snapshot. Added entities are
// written verbatim, updates are merged onto the existing (or empty) component
// map before their removed kinds are dropped, and removed entities are deleted
// last. ServerTimeMs and Events are carried over from base. base is never
// mutated.
func Apply(base snapshot.Snapshot, d snapshot.Delta) (snapshot.Snapshot, error) {
	if base.Tick != d.BaseTick {
		return snapshot.Snapshot{}, fmt.Errorf("apply delta: snapshot tick %d, delta base %d: %w", base.Tick, d.BaseTick, ErrTickMismatch)
	}
	if err := d.Validate(); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("apply delta: %w: %w", ErrInvalidDelta, err)
	}

	entities := make(snapshot.Entities, len(base.Entities)+len(d.Added))
	for id, comps := range base.Entities {
		entities[id] = comps
	}

	for _, entry := range d.Added {
		entities[entry.EntityID] = entry.Components.Clone()
	}

	for _, entry := range d.Updated {
		current := entities[entry.EntityID]
		entities[entry.EntityID] = current.Merge(entry.Components).Without(entry.RemovedComponents...)
	}

	for _, id := range d.Removed {
		delete(entities, id)
	}

	next := base
	next.Tick = d.Tick
	next.Entities = entities
	return next, nil
}
