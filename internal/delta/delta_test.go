package delta

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/snapshot"
)

func ship(x float64, hp float64) snapshot.Components {
	return snapshot.Components{
		Transform: &snapshot.Transform{Position: mgl64.Vec3{x, 0, 0}, Rotation: snapshot.IdentityQuat},
		Health:    &snapshot.Health{Current: hp, Max: 100},
	}
}

func TestComputeClassifiesEntities(t *testing.T) {
	prev := snapshot.Entities{
		"stays":   ship(1, 100),
		"moves":   ship(1, 100),
		"leaves":  ship(5, 100),
		"strips":  {Transform: ship(0, 0).Transform, Visual: &snapshot.Visual{Model: "station"}},
		"repairs": ship(2, 40),
	}
	next := snapshot.Entities{
		"stays":   ship(1, 100),
		"moves":   ship(2, 100),
		"arrives": ship(9, 100),
		"strips":  {Transform: ship(0, 0).Transform},
		"repairs": ship(2, 90),
	}

	d := Compute(prev, next, 10, 11)

	if d.Tick != 11 || d.BaseTick != 10 {
		t.Fatalf("unexpected ticks: tick=%d base=%d", d.Tick, d.BaseTick)
	}
	if len(d.Added) != 1 || d.Added[0].EntityID != "arrives" {
		t.Fatalf("unexpected added: %+v", d.Added)
	}
	if !reflect.DeepEqual(d.Added[0].Components, next["arrives"]) {
		t.Fatalf("added entry should carry the full component map")
	}
	if !reflect.DeepEqual(d.Removed, []snapshot.EntityID{"leaves"}) {
		t.Fatalf("unexpected removed: %v", d.Removed)
	}

	if len(d.Updated) != 3 {
		t.Fatalf("expected 3 updates, got %+v", d.Updated)
	}
	byID := map[snapshot.EntityID]snapshot.EntityUpdate{}
	for _, u := range d.Updated {
		byID[u.EntityID] = u
	}
	if _, ok := byID["stays"]; ok {
		t.Fatalf("unchanged entity must not appear in the delta")
	}
	moves := byID["moves"]
	if got := moves.Components.Kinds(); !reflect.DeepEqual(got, []snapshot.ComponentKind{snapshot.KindTransform}) {
		t.Fatalf("moves should only carry transform, got %v", got)
	}
	repairs := byID["repairs"]
	if got := repairs.Components.Kinds(); !reflect.DeepEqual(got, []snapshot.ComponentKind{snapshot.KindHealth}) {
		t.Fatalf("repairs should only carry health, got %v", got)
	}
	strips := byID["strips"]
	if !strips.Components.Empty() {
		t.Fatalf("strips should carry no written components, got %+v", strips.Components)
	}
	if !reflect.DeepEqual(strips.RemovedComponents, []snapshot.ComponentKind{snapshot.KindVisual}) {
		t.Fatalf("strips should remove visual, got %v", strips.RemovedComponents)
	}
}

func TestComputeSameMapIsEmpty(t *testing.T) {
	entities := randomEntities(rand.New(rand.NewPCG(1, 2)), 40)
	d := Compute(entities, entities, 4, 5)
	if !d.Empty() {
		t.Fatalf("expected empty delta, got %+v", d)
	}
	if d.Added == nil || d.Updated == nil || d.Removed == nil {
		t.Fatalf("expected empty lists rather than nil so the wire layout stays stable")
	}
}

func TestComputeIsOrderedByEntityID(t *testing.T) {
	next := snapshot.Entities{"c": ship(1, 1), "a": ship(1, 1), "b": ship(1, 1)}
	d := Compute(nil, next, 0, 1)
	var ids []snapshot.EntityID
	for _, entry := range d.Added {
		ids = append(ids, entry.EntityID)
	}
	if !reflect.DeepEqual(ids, []snapshot.EntityID{"a", "b", "c"}) {
		t.Fatalf("expected sorted ids, got %v", ids)
	}
}

func TestComputeDoesNotAliasInputs(t *testing.T) {
	next := snapshot.Entities{"a": ship(1, 1)}
	d := Compute(nil, next, 0, 1)
	d.Added[0].Components.Transform.Position[0] = 42
	if next["a"].Transform.Position[0] != 1 {
		t.Fatalf("delta aliases the caller's component values")
	}
}

func TestEqualityPolicies(t *testing.T) {
	prev := snapshot.Entities{"a": ship(100, 50)}
	jittered := snapshot.Entities{"a": ship(100.000001, 50.0000001)}
	moved := snapshot.Entities{"a": ship(101, 50)}

	t.Run("exact reports float jitter", func(t *testing.T) {
		d := Compute(prev, jittered, 1, 2)
		if len(d.Updated) != 1 {
			t.Fatalf("exact policy should report jitter, got %+v", d)
		}
		if kinds := d.Updated[0].Components.Kinds(); len(kinds) != 2 {
			t.Fatalf("expected transform and health updates, got %v", kinds)
		}
	})

	t.Run("epsilon suppresses jitter", func(t *testing.T) {
		d := Compute(prev, jittered, 1, 2, WithEpsilon(1e-6))
		if !d.Empty() {
			t.Fatalf("epsilon policy should suppress jitter, got %+v", d)
		}
	})

	t.Run("epsilon keeps real movement", func(t *testing.T) {
		d := Compute(prev, moved, 1, 2, WithEpsilon(1e-6))
		if len(d.Updated) != 1 || d.Updated[0].Components.Transform == nil {
			t.Fatalf("epsilon policy dropped a real change: %+v", d)
		}
	})

	t.Run("non-positive epsilon is exact", func(t *testing.T) {
		d := Compute(prev, jittered, 1, 2, WithEpsilon(-1))
		if d.Empty() {
			t.Fatalf("negative epsilon should fall back to exact comparison")
		}
	})

	t.Run("presence change is never suppressed", func(t *testing.T) {
		scaled := ship(100, 50)
		one := mgl64.Vec3{1, 1, 1}
		scaled.Transform.Scale = &one
		d := Compute(prev, snapshot.Entities{"a": scaled}, 1, 2, WithEpsilon(0.5))
		if len(d.Updated) != 1 {
			t.Fatalf("scale appearing must count as a change: %+v", d)
		}
	})
}

func TestApplyAdvancesTickAndCarriesMetadata(t *testing.T) {
	base := snapshot.Snapshot{
		Tick:         3,
		ServerTimeMs: 1500,
		Entities:     snapshot.Entities{"a": ship(1, 1)},
		Events:       []snapshot.Event{snapshot.Event(`{"kind":"dock"}`)},
	}
	next, err := Apply(base, snapshot.Delta{Tick: 4, BaseTick: 3})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if next.Tick != 4 {
		t.Fatalf("expected tick 4, got %d", next.Tick)
	}
	if next.ServerTimeMs != 1500 || len(next.Events) != 1 {
		t.Fatalf("server time and events should carry over, got %+v", next)
	}
}

func TestApplySemantics(t *testing.T) {
	base := snapshot.Snapshot{
		Tick: 1,
		Entities: snapshot.Entities{
			"kept":     ship(1, 10),
			"replaced": {Transform: ship(2, 0).Transform, Visual: &snapshot.Visual{Model: "old"}},
			"gone":     ship(3, 10),
		},
	}
	original := base.Clone()

	d := snapshot.Delta{
		Tick:     2,
		BaseTick: 1,
		Added: []snapshot.EntityState{
			{EntityID: "replaced", Components: snapshot.Components{Health: &snapshot.Health{Current: 5, Max: 5}}},
		},
		Updated: []snapshot.EntityUpdate{
			{
				EntityID:          "kept",
				Components:        snapshot.Components{Visual: &snapshot.Visual{Model: "frigate"}},
				RemovedComponents: []snapshot.ComponentKind{snapshot.KindHealth},
			},
			{
				EntityID:   "ghost",
				Components: snapshot.Components{Health: &snapshot.Health{Current: 1, Max: 1}},
			},
		},
		Removed: []snapshot.EntityID{"gone"},
	}

	next, err := Apply(base, d)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	replaced := next.Entities["replaced"]
	if replaced.Transform != nil || replaced.Visual != nil || replaced.Health == nil {
		t.Fatalf("added entry must overwrite verbatim, got %+v", replaced)
	}
	kept := next.Entities["kept"]
	if kept.Transform == nil || kept.Visual == nil || kept.Visual.Model != "frigate" || kept.Health != nil {
		t.Fatalf("update merge/removal mismatch, got %+v", kept)
	}
	if ghost, ok := next.Entities["ghost"]; !ok || ghost.Health == nil {
		t.Fatalf("update on unknown entity should start from an empty map, got %+v", next.Entities)
	}
	if _, ok := next.Entities["gone"]; ok {
		t.Fatalf("removed entity still present")
	}
	if !reflect.DeepEqual(base, original) {
		t.Fatalf("base snapshot mutated during apply")
	}
}

func TestApplyRejectsTickMismatch(t *testing.T) {
	base := snapshot.Snapshot{Tick: 5, Entities: snapshot.Entities{}}
	_, err := Apply(base, snapshot.Delta{Tick: 7, BaseTick: 6})
	if !errors.Is(err, ErrTickMismatch) {
		t.Fatalf("expected ErrTickMismatch, got %v", err)
	}
}

func TestApplyRejectsInvalidDelta(t *testing.T) {
	base := snapshot.Snapshot{Tick: 5}
	d := snapshot.Delta{
		Tick:     6,
		BaseTick: 5,
		Added:    []snapshot.EntityState{{EntityID: "a"}},
		Removed:  []snapshot.EntityID{"a"},
	}
	_, err := Apply(base, d)
	if !errors.Is(err, ErrInvalidDelta) || !errors.Is(err, snapshot.ErrDuplicateEntity) {
		t.Fatalf("expected wrapped invalid delta error, got %v", err)
	}
}

func TestRoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for i := 0; i < 200; i++ {
		prev := randomEntities(rng, 12)
		next := mutateEntities(rng, prev)
		tick := uint64(i + 1)

		for _, policy := range []struct {
			name string
			opts []Option
		}{
			{name: "exact"},
			{name: "epsilon", opts: []Option{WithEpsilon(1e-9)}},
		} {
			d := Compute(prev, next, tick, tick+1, policy.opts...)
			got, err := Apply(snapshot.Snapshot{Tick: tick, Entities: prev}, d)
			if err != nil {
				t.Fatalf("iteration %d %s: apply failed: %v", i, policy.name, err)
			}
			if got.Tick != tick+1 {
				t.Fatalf("iteration %d %s: tick %d, want %d", i, policy.name, got.Tick, tick+1)
			}
			if !reflect.DeepEqual(got.Entities, next) {
				t.Fatalf("iteration %d %s: round trip mismatch\nwant: %s\n got: %s", i, policy.name, dump(next), dump(got.Entities))
			}
		}
	}
}

func TestRoundTripWithEmptyEntityID(t *testing.T) {
	base := snapshot.Snapshot{Tick: 1, Entities: snapshot.Entities{}}
	steps := []snapshot.Entities{
		{"": ship(1, 5)},
		{"": ship(2, 5), "b": ship(0, 1)},
		{"b": ship(0, 1)},
	}
	for i, next := range steps {
		d := Compute(base.Entities, next, base.Tick, base.Tick+1)
		got, err := Apply(base, d)
		if err != nil {
			t.Fatalf("step %d: apply failed: %v", i, err)
		}
		if !reflect.DeepEqual(got.Entities, next) {
			t.Fatalf("step %d: want %s, got %s", i, dump(next), dump(got.Entities))
		}
		base = got
	}
}

func TestStats(t *testing.T) {
	prev := snapshot.Entities{"a": ship(1, 1), "b": ship(1, 1)}
	next := snapshot.Entities{"a": ship(2, 1), "c": ship(1, 1)}
	s := Stats(Compute(prev, next, 1, 2))
	want := Summary{Added: 1, Updated: 1, Removed: 1, ComponentWrites: 3}
	if s != want {
		t.Fatalf("want %+v, got %+v", want, s)
	}
	if s.Entities() != 3 {
		t.Fatalf("expected 3 entities, got %d", s.Entities())
	}
}

func randomEntities(rng *rand.Rand, n int) snapshot.Entities {
	entities := make(snapshot.Entities, n)
	for i := 0; i < n; i++ {
		entities[snapshot.EntityID(fmt.Sprintf("e-%02d", i))] = randomComponents(rng)
	}
	return entities
}

func randomComponents(rng *rand.Rand) snapshot.Components {
	var comps snapshot.Components
	if rng.IntN(4) != 0 {
		tr := &snapshot.Transform{
			Position: mgl64.Vec3{float64(rng.IntN(100)), float64(rng.IntN(100)), float64(rng.IntN(100))},
			Rotation: snapshot.IdentityQuat,
		}
		if rng.IntN(2) == 0 {
			v := mgl64.Vec3{rng.Float64(), rng.Float64(), 0}
			tr.Velocity = &v
		}
		comps.Transform = tr
	}
	if rng.IntN(3) == 0 {
		vis := &snapshot.Visual{Model: fmt.Sprintf("model-%d", rng.IntN(3))}
		if rng.IntN(2) == 0 {
			tint := snapshot.RGB{uint8(rng.IntN(256)), uint8(rng.IntN(256)), uint8(rng.IntN(256))}
			vis.Tint = &tint
		}
		comps.Visual = vis
	}
	if rng.IntN(2) == 0 {
		comps.Health = &snapshot.Health{Current: float64(rng.IntN(100)), Max: 100}
	}
	return comps
}

func mutateEntities(rng *rand.Rand, prev snapshot.Entities) snapshot.Entities {
	next := make(snapshot.Entities, len(prev))
	for id, comps := range prev {
		switch rng.IntN(5) {
		case 0:
			// removed
		case 1:
			next[id] = randomComponents(rng)
		default:
			next[id] = comps.Clone()
		}
	}
	for i := 0; i < rng.IntN(4); i++ {
		next[snapshot.EntityID(fmt.Sprintf("new-%d", i))] = randomComponents(rng)
	}
	return next
}

func dump(entities snapshot.Entities) string {
	out := ""
	for id, comps := range entities {
		out += fmt.Sprintf("%s:%v ", id, comps.Kinds())
	}
	return out
}
