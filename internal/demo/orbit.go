// Package demo provides a small world for running the relay without a real
// simulation: ships orbiting a station.
package demo

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/sequence"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/snapshot"
)

const (
	IntentThrust = "thrust"
	IntentLaunch = "launch"
	IntentDock   = "dock"
)

type ship struct {
	radius float64
	phase  float64
	speed  float64 // radians per tick
	hull   float64
	tint   snapshot.RGB
}

// Orbit is a WorldSource and IntentSink. Each session may launch one ship;
// thrust changes its angular speed and dock removes it.
type Orbit struct {
	mu    sync.Mutex
	ships map[snapshot.EntityID]*ship
}

func NewOrbit(ships int) *Orbit {
	o := &Orbit{ships: make(map[snapshot.EntityID]*ship)}
	for i := 0; i < ships; i++ {
		o.ships[snapshot.EntityID(fmt.Sprintf("npc-%d", i))] = &ship{
			radius: 50 + 10*float64(i),
			phase:  float64(i),
			speed:  0.02,
			hull:   100,
			tint:   snapshot.RGB{uint8(40 * i), 200, 255},
		}
	}
	return o
}

// Entities renders the world as of tick.
func (o *Orbit) Entities(tick uint64) snapshot.Entities {
	o.mu.Lock()
	defer o.mu.Unlock()
	entities := snapshot.Entities{
		"station": {
			Transform: &snapshot.Transform{Rotation: snapshot.QuatFromMgl(mgl64.QuatRotate(float64(tick)*0.005, mgl64.Vec3{0, 1, 0}))},
			Visual:    &snapshot.Visual{Model: "station"},
			Health:    &snapshot.Health{Current: 1000, Max: 1000},
		},
	}
	for id, s := range o.ships {
		angle := s.phase + s.speed*float64(tick)
		pos := mgl64.Vec3{s.radius * math.Cos(angle), 0, s.radius * math.Sin(angle)}
		vel := mgl64.Vec3{-math.Sin(angle), 0, math.Cos(angle)}.Mul(s.radius * s.speed)
		// Ships face along their velocity.
		heading := mgl64.QuatRotate(-angle, mgl64.Vec3{0, 1, 0})
		tint := s.tint
		entities[id] = snapshot.Components{
			Transform: &snapshot.Transform{Position: pos, Rotation: snapshot.QuatFromMgl(heading), Velocity: &vel},
			Visual:    &snapshot.Visual{Model: "ship", Tint: &tint},
			Health:    &snapshot.Health{Current: s.hull, Max: 100},
		}
	}
	return entities
}

type thrustPayload struct {
	Delta float64 `json:"delta"`
}

// Submit applies an accepted intent from sessionID.
func (o *Orbit) Submit(sessionID string, intent sequence.Intent) {
	id := snapshot.EntityID("ship-" + sessionID)
	o.mu.Lock()
	defer o.mu.Unlock()
	switch intent.Kind {
	case IntentLaunch:
		if _, ok := o.ships[id]; !ok {
			o.ships[id] = &ship{radius: 80, speed: 0.03, hull: 100, tint: snapshot.RGB{255, 140, 0}}
		}
	case IntentThrust:
		s, ok := o.ships[id]
		if !ok {
			return
		}
		var p thrustPayload
		if len(intent.Payload) > 0 && json.Unmarshal(intent.Payload, &p) == nil {
			s.speed = mgl64.Clamp(s.speed+p.Delta, -0.2, 0.2)
		}
	case IntentDock:
		delete(o.ships, id)
	}
}
