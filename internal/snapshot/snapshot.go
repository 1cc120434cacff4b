// Package snapshot defines the replicated world state and the diff between two
// such states. Values in this package are plain records; the operations that
// produce and consume them live in the delta package.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EntityID uniquely identifies one simulated object.
type EntityID string

// Entities maps every entity to its current components.
type Entities map[EntityID]Components

// Clone returns a deep copy of the entity map.
func (e Entities) Clone() Entities {
	if e == nil {
		return nil
	}
	cloned := make(Entities, len(e))
	for id, comps := range e {
		cloned[id] = comps.Clone()
	}
	return cloned
}

// Event is an opaque event record carried alongside a snapshot.
type Event = json.RawMessage

// Snapshot captures the full world state as of one tick.
type Snapshot struct {
	Tick         uint64   `json:"tick"`
	ServerTimeMs int64    `json:"serverTimeMs"`
	Entities     Entities `json:"entities"`
	Events       []Event  `json:"events,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	cloned := s
	cloned.Entities = s.Entities.Clone()
	if s.Events != nil {
		cloned.Events = make([]Event, len(s.Events))
		for i, event := range s.Events {
			cloned.Events[i] = append(Event(nil), event...)
		}
	}
	return cloned
}

// EntityState carries the full component map of an entity that appeared.
type EntityState struct {
	EntityID   EntityID   `json:"entityId"`
	Components Components `json:"components"`
}

// EntityUpdate carries the components that changed on an existing entity and
// the kinds that were dropped from it.
type EntityUpdate struct {
	EntityID          EntityID        `json:"entityId"`
	Components        Components      `json:"components"`
	RemovedComponents []ComponentKind `json:"removedComponents,omitempty"`
}

// Delta describes the change between the snapshot at BaseTick and the one at
// Tick. It may only be applied to a snapshot whose tick equals BaseTick.
type Delta struct {
	Tick     uint64         `json:"tick"`
	BaseTick uint64         `json:"baseTick"`
	Added    []EntityState  `json:"added"`
	Updated  []EntityUpdate `json:"updated"`
	Removed  []EntityID     `json:"removed"`
}

// Empty reports whether the delta carries no entity changes.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

var (
	// ErrTickOrder is returned when a delta does not advance the tick.
	ErrTickOrder = errors.New("delta tick must be greater than base tick")
	// ErrDuplicateEntity is returned when an entity appears in more than one
	// delta list or twice in the same list.
	ErrDuplicateEntity = errors.New("entity listed more than once")
	// ErrUnknownComponent is returned for removed component kinds that are not
	// replicated.
	ErrUnknownComponent = errors.New("unknown component kind")
)

// Validate checks the structural invariants of the delta. Entity ids are
// opaque, so the empty string is an id like any other.
func (d Delta) Validate() error {
	if d.BaseTick >= d.Tick {
		return fmt.Errorf("validate delta: base %d, tick %d: %w", d.BaseTick, d.Tick, ErrTickOrder)
	}
	seen := make(map[EntityID]struct{}, len(d.Added)+len(d.Updated)+len(d.Removed))
	note := func(id EntityID, list string) error {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("validate delta: %s %q: %w", list, id, ErrDuplicateEntity)
		}
		seen[id] = struct{}{}
		return nil
	}
	for _, entry := range d.Added {
		if err := note(entry.EntityID, "added"); err != nil {
			return err
		}
	}
	for _, entry := range d.Updated {
		if err := note(entry.EntityID, "updated"); err != nil {
			return err
		}
		for _, kind := range entry.RemovedComponents {
			if !kind.Valid() {
				return fmt.Errorf("validate delta: updated %q removes %q: %w", entry.EntityID, kind, ErrUnknownComponent)
			}
		}
	}
	for _, id := range d.Removed {
		if err := note(id, "removed"); err != nil {
			return err
		}
	}
	return nil
}
