package network

import (
	"context"

	"github.com/teknokomo/universo-platformo-react-sub028/logging"
)

const (
	// EventInputGap is emitted when a session skips ahead of the expected input sequence.
	EventInputGap logging.EventType = "network.input_gap"
	// EventInputDuplicate is emitted when a session resends an already accepted input.
	EventInputDuplicate logging.EventType = "network.input_duplicate"
	// EventAckAdvanced is emitted when a client acknowledges a newer tick.
	EventAckAdvanced logging.EventType = "network.ack_advanced"
	// EventAckRegression is emitted when a client reports an older acknowledgement than previously recorded.
	EventAckRegression logging.EventType = "network.ack_regression"
	// EventResyncRequested is emitted when a session is scheduled for a full keyframe.
	EventResyncRequested logging.EventType = "network.resync_requested"
	// EventClockSample is emitted when a client reports a new clock estimate.
	EventClockSample logging.EventType = "network.clock_sample"
	// EventSessionOpened and EventSessionClosed bracket a connection.
	EventSessionOpened logging.EventType = "network.session_opened"
	EventSessionClosed logging.EventType = "network.session_closed"
)

// SequencePayload captures the input sequence numbers involved in an anomaly.
type SequencePayload struct {
	Incoming     int64 `json:"incoming"`
	ExpectedNext int64 `json:"expectedNext"`
}

// AckPayload captures acknowledgement progression details.
type AckPayload struct {
	Previous uint64 `json:"previous"`
	Ack      uint64 `json:"ack"`
}

// ResyncPayload explains why a keyframe was scheduled.
type ResyncPayload struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// ClockPayload mirrors the client's smoothed clock estimate.
type ClockPayload struct {
	OffsetMs float64 `json:"offsetMs"`
	RTTMs    float64 `json:"rttMs"`
	JitterMs float64 `json:"jitterMs"`
}

// SessionPayload describes a connection lifecycle change.
type SessionPayload struct {
	Remote string `json:"remote,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, sev logging.Severity, tick uint64, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: sev,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}

// InputGap publishes a warning when input arrives ahead of the expected sequence.
func InputGap(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SequencePayload, extra map[string]any) {
	publish(ctx, pub, EventInputGap, logging.SeverityWarn, tick, actor, payload, extra)
}

// InputDuplicate publishes a debug event for a resent input.
func InputDuplicate(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SequencePayload, extra map[string]any) {
	publish(ctx, pub, EventInputDuplicate, logging.SeverityDebug, tick, actor, payload, extra)
}

// AckAdvanced publishes a debug event when a client acknowledgement advances.
func AckAdvanced(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AckPayload, extra map[string]any) {
	publish(ctx, pub, EventAckAdvanced, logging.SeverityDebug, tick, actor, payload, extra)
}

// AckRegression publishes a warning event when a client acknowledgement regresses.
func AckRegression(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AckPayload, extra map[string]any) {
	publish(ctx, pub, EventAckRegression, logging.SeverityWarn, tick, actor, payload, extra)
}

// ResyncRequested publishes an info event when a session needs a keyframe.
func ResyncRequested(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ResyncPayload, extra map[string]any) {
	publish(ctx, pub, EventResyncRequested, logging.SeverityInfo, tick, actor, payload, extra)
}

// ClockSample publishes a debug event with a client's clock estimate.
func ClockSample(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ClockPayload, extra map[string]any) {
	publish(ctx, pub, EventClockSample, logging.SeverityDebug, tick, actor, payload, extra)
}

// SessionOpened publishes an info event for a new connection.
func SessionOpened(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SessionPayload) {
	publish(ctx, pub, EventSessionOpened, logging.SeverityInfo, tick, actor, payload, nil)
}

// SessionClosed publishes an info event for a finished connection.
func SessionClosed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SessionPayload) {
	publish(ctx, pub, EventSessionClosed, logging.SeverityInfo, tick, actor, payload, nil)
}
