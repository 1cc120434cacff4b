package replication

import (
	"context"

	"github.com/teknokomo/universo-platformo-react-sub028/logging"
)

const (
	// EventDeltaBroadcast is emitted after a tick's delta is fanned out.
	EventDeltaBroadcast logging.EventType = "replication.delta_broadcast"
	// EventTickMismatch is emitted when a delta cannot be applied to the cached snapshot.
	EventTickMismatch logging.EventType = "replication.tick_mismatch"
	// EventKeyframeRecorded is emitted when a full snapshot enters the journal.
	EventKeyframeRecorded logging.EventType = "replication.keyframe_recorded"
	// EventKeyframeEvicted is emitted when the journal drops a keyframe.
	EventKeyframeEvicted logging.EventType = "replication.keyframe_evicted"
	// EventKeyframeMissing is emitted when a requested keyframe is no longer held.
	EventKeyframeMissing logging.EventType = "replication.keyframe_missing"
)

// DeltaPayload summarizes a broadcast delta.
type DeltaPayload struct {
	BaseTick   uint64 `json:"baseTick"`
	Added      int    `json:"added"`
	Updated    int    `json:"updated"`
	Removed    int    `json:"removed"`
	Bytes      int    `json:"bytes"`
	Recipients int    `json:"recipients"`
}

// MismatchPayload captures the ticks of a rejected delta.
type MismatchPayload struct {
	SnapshotTick uint64 `json:"snapshotTick"`
	BaseTick     uint64 `json:"baseTick"`
	DeltaTick    uint64 `json:"deltaTick"`
}

// KeyframePayload describes journal state around a keyframe change.
type KeyframePayload struct {
	Size   int    `json:"size"`
	Oldest uint64 `json:"oldest"`
	Newest uint64 `json:"newest"`
	Reason string `json:"reason,omitempty"`
}

// DeltaBroadcast publishes a debug event describing a fanned out delta.
func DeltaBroadcast(ctx context.Context, pub logging.Publisher, tick uint64, payload DeltaPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDeltaBroadcast,
		Tick:     tick,
		Actor:    logging.RelayRef(),
		Severity: logging.SeverityDebug,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// TickMismatch publishes a warning when a delta does not fit the cached snapshot.
func TickMismatch(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload MismatchPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickMismatch,
		Tick:     payload.DeltaTick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// KeyframeRecorded publishes a debug event after a keyframe is stored.
func KeyframeRecorded(ctx context.Context, pub logging.Publisher, tick uint64, payload KeyframePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventKeyframeRecorded,
		Tick:     tick,
		Actor:    logging.RelayRef(),
		Severity: logging.SeverityDebug,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// KeyframeEvicted publishes a debug event for each keyframe dropped by the journal.
func KeyframeEvicted(ctx context.Context, pub logging.Publisher, tick uint64, payload KeyframePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventKeyframeEvicted,
		Tick:     tick,
		Actor:    logging.RelayRef(),
		Severity: logging.SeverityDebug,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// KeyframeMissing publishes a warning when a session asks for a keyframe the journal no longer holds.
func KeyframeMissing(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload KeyframePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventKeyframeMissing,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}
