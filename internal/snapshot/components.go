package snapshot

import "github.com/go-gl/mathgl/mgl64"

// ComponentKind names one of the replicated component types.
type ComponentKind string

const (
	KindTransform ComponentKind = "transform"
	KindVisual    ComponentKind = "visual"
	KindHealth    ComponentKind = "health"
)

// AllKinds lists every replicated component kind in canonical order.
var AllKinds = []ComponentKind{KindTransform, KindVisual, KindHealth}

// Valid reports whether the kind is one of the replicated component kinds.
func (k ComponentKind) Valid() bool {
	switch k {
	case KindTransform, KindVisual, KindHealth:
		return true
	default:
		return false
	}
}

// Quat is a rotation quaternion laid out as x, y, z, w on the wire.
type Quat [4]float64

// IdentityQuat is the zero rotation.
var IdentityQuat = Quat{0, 0, 0, 1}

// Mgl converts the wire quaternion into its mathgl form.
func (q Quat) Mgl() mgl64.Quat {
	return mgl64.Quat{W: q[3], V: mgl64.Vec3{q[0], q[1], q[2]}}
}

// QuatFromMgl converts a mathgl quaternion into wire layout.
func QuatFromMgl(q mgl64.Quat) Quat {
	return Quat{q.V[0], q.V[1], q.V[2], q.W}
}

// Transform carries the spatial state of an entity.
type Transform struct {
	Position mgl64.Vec3  `json:"position"`
	Rotation Quat        `json:"rotation"`
	Scale    *mgl64.Vec3 `json:"scale,omitempty"`
	Velocity *mgl64.Vec3 `json:"velocity,omitempty"`
}

// Clone returns a copy that shares no memory with t.
func (t *Transform) Clone() *Transform {
	if t == nil {
		return nil
	}
	cloned := *t
	cloned.Scale = cloneVec(t.Scale)
	cloned.Velocity = cloneVec(t.Velocity)
	return &cloned
}

// Health carries the current and maximum hit points of an entity.
type Health struct {
	Current float64 `json:"current"`
	Max     float64 `json:"max"`
}

// Clone returns a copy of h.
func (h *Health) Clone() *Health {
	if h == nil {
		return nil
	}
	cloned := *h
	return &cloned
}

// RGB is a tint colour.
type RGB [3]uint8

// Visual carries the presentation hints of an entity.
type Visual struct {
	Model string `json:"model,omitempty"`
	Tint  *RGB   `json:"tint,omitempty"`
}

// Clone returns a copy of v.
func (v *Visual) Clone() *Visual {
	if v == nil {
		return nil
	}
	cloned := *v
	if v.Tint != nil {
		tint := *v.Tint
		cloned.Tint = &tint
	}
	return &cloned
}

// Components is the partial component map of one entity. A nil field means
// the entity does not currently have that component.
type Components struct {
	Transform *Transform `json:"transform,omitempty"`
	Visual    *Visual    `json:"visual,omitempty"`
	Health    *Health    `json:"health,omitempty"`
}

// Has reports whether the component of the given kind is present.
func (c Components) Has(kind ComponentKind) bool {
	switch kind {
	case KindTransform:
		return c.Transform != nil
	case KindVisual:
		return c.Visual != nil
	case KindHealth:
		return c.Health != nil
	default:
		return false
	}
}

// Kinds returns the present component kinds in canonical order.
func (c Components) Kinds() []ComponentKind {
	kinds := make([]ComponentKind, 0, len(AllKinds))
	for _, kind := range AllKinds {
		if c.Has(kind) {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Empty reports whether no component is present.
func (c Components) Empty() bool {
	return c.Transform == nil && c.Visual == nil && c.Health == nil
}

// Merge overlays every component present in update onto c. Components absent
// from update are kept as they are.
func (c Components) Merge(update Components) Components {
	merged := c
	if update.Transform != nil {
		merged.Transform = update.Transform.Clone()
	}
	if update.Visual != nil {
		merged.Visual = update.Visual.Clone()
	}
	if update.Health != nil {
		merged.Health = update.Health.Clone()
	}
	return merged
}

// Without returns c with the listed component kinds cleared.
func (c Components) Without(kinds ...ComponentKind) Components {
	for _, kind := range kinds {
		switch kind {
		case KindTransform:
			c.Transform = nil
		case KindVisual:
			c.Visual = nil
		case KindHealth:
			c.Health = nil
		}
	}
	return c
}

// Only returns c restricted to the listed component kinds.
func (c Components) Only(kinds ...ComponentKind) Components {
	var out Components
	for _, kind := range kinds {
		switch kind {
		case KindTransform:
			out.Transform = c.Transform
		case KindVisual:
			out.Visual = c.Visual
		case KindHealth:
			out.Health = c.Health
		}
	}
	return out
}

// Clone returns a deep copy of c.
func (c Components) Clone() Components {
	return Components{
		Transform: c.Transform.Clone(),
		Visual:    c.Visual.Clone(),
		Health:    c.Health.Clone(),
	}
}

func cloneVec(v *mgl64.Vec3) *mgl64.Vec3 {
	if v == nil {
		return nil
	}
	cloned := *v
	return &cloned
}
