package delta

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/snapshot"
)

// Option configures Compute.
type Option func(*options)

type options struct {
	epsilon float64
}

// WithEpsilon makes Compute treat floating point fields as unchanged while
// they stay within a relative tolerance of eps (mathgl FloatEqualThreshold).
// A non-positive eps keeps exact comparison.
func WithEpsilon(eps float64) Option {
	return func(o *options) {
		if eps > 0 {
			o.epsilon = eps
		} else {
			o.epsilon = 0
		}
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o options) float(a, b float64) bool {
	if o.epsilon == 0 {
		return a == b
	}
	return mgl64.FloatEqualThreshold(a, b, o.epsilon)
}

func (o options) vec(a, b mgl64.Vec3) bool {
	if o.epsilon == 0 {
		return a == b
	}
	return a.ApproxEqualThreshold(b, o.epsilon)
}

func (o options) vecPtr(a, b *mgl64.Vec3) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return o.vec(*a, *b)
}

func (o options) quat(a, b snapshot.Quat) bool {
	for i := range a {
		if !o.float(a[i], b[i]) {
			return false
		}
	}
	return true
}

func (o options) transform(a, b *snapshot.Transform) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return o.vec(a.Position, b.Position) &&
		o.quat(a.Rotation, b.Rotation) &&
		o.vecPtr(a.Scale, b.Scale) &&
		o.vecPtr(a.Velocity, b.Velocity)
}

func (o options) health(a, b *snapshot.Health) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return o.float(a.Current, b.Current) && o.float(a.Max, b.Max)
}

// visual has no floating point fields, so it is always compared exactly.
func visualEqual(a, b *snapshot.Visual) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Model != b.Model {
		return false
	}
	if a.Tint == nil || b.Tint == nil {
		return a.Tint == nil && b.Tint == nil
	}
	return *a.Tint == *b.Tint
}

// changedKinds returns the kinds whose value or presence differs between prev
// and next, in canonical order.
func (o options) changedKinds(prev, next snapshot.Components) []snapshot.ComponentKind {
	var changed []snapshot.ComponentKind
	if !o.transform(prev.Transform, next.Transform) {
		changed = append(changed, snapshot.KindTransform)
	}
	if !visualEqual(prev.Visual, next.Visual) {
		changed = append(changed, snapshot.KindVisual)
	}
	if !o.health(prev.Health, next.Health) {
		changed = append(changed, snapshot.KindHealth)
	}
	return changed
}
