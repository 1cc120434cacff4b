// Package mirror is the client half of the relay: it keeps the last
// confirmed snapshot, numbers outgoing inputs and estimates the server clock.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/clocksync"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/delta"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/net/proto"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/sequence"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/snapshot"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/telemetry"
	"github.com/teknokomo/universo-platformo-react-sub028/logging"
	lognet "github.com/teknokomo/universo-platformo-react-sub028/logging/network"
	logrep "github.com/teknokomo/universo-platformo-react-sub028/logging/replication"
)

var (
	ErrNoBaseline  = errors.New("mirror: no keyframe received yet")
	ErrChecksum    = errors.New("mirror: checksum mismatch")
	ErrFingerprint = errors.New("mirror: keyframe fingerprint mismatch")
)

const (
	metricDeltasApplied  = "mirror_deltas_applied_total"
	metricDeltasRejected = "mirror_deltas_rejected_total"
	metricKeyframes      = "mirror_keyframes_total"
	metricResent         = "mirror_inputs_resent_total"
)

// Config tunes the clock estimator and intent buffer of a Mirror.
type Config struct {
	ClockWindow    int
	ClockAlpha     float64
	IntentCapacity int
	Publisher      logging.Publisher
	Metrics        telemetry.Metrics
	Now            func() time.Time
}

// DefaultConfig uses the same clock window, alpha and intent capacity as the
// server config defaults.
func DefaultConfig() Config {
	return Config{ClockWindow: 16, ClockAlpha: 0.2, IntentCapacity: 256}
}

// Mirror is safe for concurrent use by a reader loop and input producers.
type Mirror struct {
	mu        sync.Mutex
	snap      snapshot.Snapshot
	baseline  bool
	resyncing bool
	sessionID string
	intents   *sequence.Buffer
	clock     *clocksync.Estimator
	pub       logging.Publisher
	metrics   telemetry.Metrics
	now       func() time.Time
}

// New returns a mirror waiting for its first keyframe.
func New(cfg Config) (*Mirror, error) {
	clock, err := clocksync.New(cfg.ClockWindow, cfg.ClockAlpha)
	if err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}
	m := &Mirror{
		clock:   clock,
		pub:     cfg.Publisher,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if m.pub == nil {
		m.pub = logging.NopPublisher()
	}
	if m.metrics == nil {
		m.metrics = telemetry.NopMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.intents = sequence.NewBuffer(cfg.IntentCapacity, m.metrics)
	return m, nil
}

func (m *Mirror) actor() logging.EntityRef {
	return logging.SessionRef(m.sessionID)
}

// Handle consumes one server frame and returns the frames to send back.
func (m *Mirror) Handle(ctx context.Context, data []byte) ([][]byte, error) {
	env, err := proto.DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case proto.TypeWelcome:
		msg, err := proto.Decode[proto.WelcomeV1](data)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessionID = msg.SessionID
		m.mu.Unlock()
		return nil, nil
	case proto.TypeKeyframe:
		msg, err := proto.Decode[proto.KeyframeV1](data)
		if err != nil {
			return nil, err
		}
		if err := m.ApplyKeyframe(msg); err != nil {
			return requestKeyframe(0), err
		}
		return encodeAll(proto.EncodeAck(msg.Tick))
	case proto.TypeDelta:
		msg, err := proto.Decode[proto.DeltaV1](data)
		if err != nil {
			return nil, err
		}
		if err := m.ApplyDelta(ctx, msg); err != nil {
			if errors.Is(err, errSkipped) {
				return nil, nil
			}
			return requestKeyframe(0), err
		}
		return encodeAll(proto.EncodeAck(msg.Tick))
	case proto.TypeInputAck:
		msg, err := proto.Decode[proto.InputAckV1](data)
		if err != nil {
			return nil, err
		}
		m.Reconcile(msg.Seq)
		return nil, nil
	case proto.TypeInputReject:
		msg, err := proto.Decode[proto.InputRejectV1](data)
		if err != nil {
			return nil, err
		}
		return m.HandleReject(msg)
	case proto.TypePong:
		msg, err := proto.Decode[proto.PongV1](data)
		if err != nil {
			return nil, err
		}
		m.HandlePong(ctx, msg, m.now().UnixMilli())
		return nil, nil
	case proto.TypeKeyframeNack:
		return requestKeyframe(0), nil
	default:
		return nil, fmt.Errorf("server message %q: %w", env.Type, proto.ErrUnknownType)
	}
}

// errSkipped marks deltas that are ignored without requesting a keyframe:
// those arriving while a keyframe is pending and those already covered by
// the cached snapshot.
var errSkipped = errors.New("mirror: delta skipped")

// ApplyKeyframe replaces the cached snapshot after verifying its fingerprint.
func (m *Mirror) ApplyKeyframe(frame proto.KeyframeV1) error {
	if !frame.Verify() {
		return fmt.Errorf("keyframe %d: %w", frame.Tick, ErrFingerprint)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = frame.Snapshot.Clone()
	if m.snap.Entities == nil {
		m.snap.Entities = snapshot.Entities{}
	}
	m.baseline = true
	m.resyncing = false
	m.metrics.Add(metricKeyframes, 1)
	return nil
}

// ApplyDelta verifies the checksum and applies the delta on top of the cached
// snapshot. A failure leaves the cache untouched and marks the mirror as
// waiting for a keyframe; deltas arriving meanwhile are ignored.
func (m *Mirror) ApplyDelta(ctx context.Context, frame proto.DeltaV1) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.baseline {
		return ErrNoBaseline
	}
	if m.resyncing || frame.Tick <= m.snap.Tick {
		return errSkipped
	}
	if !frame.Verify() {
		m.metrics.Add(metricDeltasRejected, 1)
		m.resyncing = true
		return fmt.Errorf("delta %d: %w", frame.Tick, ErrChecksum)
	}
	next, err := delta.Apply(m.snap, frame.Delta)
	if err != nil {
		m.metrics.Add(metricDeltasRejected, 1)
		m.resyncing = true
		if errors.Is(err, delta.ErrTickMismatch) {
			logrep.TickMismatch(ctx, m.pub, m.actor(), logrep.MismatchPayload{
				SnapshotTick: m.snap.Tick,
				BaseTick:     frame.BaseTick,
				DeltaTick:    frame.Tick,
			})
		}
		return err
	}
	next.ServerTimeMs = frame.ServerTimeMs
	m.snap = next
	m.metrics.Add(metricDeltasApplied, 1)
	return nil
}

// Queue numbers a new input, buffers it until acknowledged and returns the
// frame to send.
func (m *Mirror) Queue(kind string, payload json.RawMessage) ([]byte, error) {
	m.mu.Lock()
	intent, err := m.intents.Next(kind, payload)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return proto.EncodeInput(intent.Seq, intent.Kind, intent.Payload)
}

// Reconcile drops inputs confirmed by ack and returns the ones still in
// flight, which prediction replays on top of the server state.
func (m *Mirror) Reconcile(ack int64) sequence.Reconciliation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intents.Acknowledge(ack)
}

// HandleReject resends the buffered inputs from the sequence the server
// expects. Duplicate rejections need no action.
func (m *Mirror) HandleReject(msg proto.InputRejectV1) ([][]byte, error) {
	if msg.Reason == proto.RejectDuplicate {
		return nil, nil
	}
	recon := m.Reconcile(msg.ExpectedNext - 1)
	frames := make([][]byte, 0, len(recon.Unconfirmed))
	for _, intent := range recon.Unconfirmed {
		data, err := proto.EncodeInput(intent.Seq, intent.Kind, intent.Payload)
		if err != nil {
			return frames, err
		}
		frames = append(frames, data)
	}
	m.metrics.Add(metricResent, uint64(len(frames)))
	return frames, nil
}

// Ping returns a ping frame stamped with the local clock.
func (m *Mirror) Ping() ([]byte, error) {
	return proto.EncodePing(m.now().UnixMilli())
}

// HandlePong feeds a completed round trip into the clock estimator.
func (m *Mirror) HandlePong(ctx context.Context, msg proto.PongV1, clientRecvMs int64) clocksync.State {
	m.mu.Lock()
	state := m.clock.AddSample(clocksync.Sample{
		ClientSendMs: msg.ClientSend,
		ServerRecvMs: msg.ServerRecv,
		ServerSendMs: msg.ServerSend,
		ClientRecvMs: clientRecvMs,
	})
	tick := m.snap.Tick
	actor := m.actor()
	m.mu.Unlock()
	lognet.ClockSample(ctx, m.pub, tick, actor, lognet.ClockPayload{OffsetMs: state.OffsetMs, RTTMs: state.RTTMs, JitterMs: state.JitterMs}, nil)
	return state
}

// Snapshot returns a copy of the last confirmed server state.
func (m *Mirror) Snapshot() snapshot.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone()
}

// Clock returns the current clock estimate.
func (m *Mirror) Clock() clocksync.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.State()
}

// ServerNow maps the local clock onto the server's.
func (m *Mirror) ServerNow() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.ServerTime(m.now().UnixMilli())
}

// Pending lists the unacknowledged inputs in sequence order.
func (m *Mirror) Pending() []sequence.Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intents.Pending()
}

func (m *Mirror) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Resyncing reports whether the mirror dropped out of the delta stream and
// is waiting for a keyframe.
func (m *Mirror) Resyncing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resyncing
}

func requestKeyframe(tick uint64) [][]byte {
	data, err := proto.EncodeKeyframeRequest(tick)
	if err != nil {
		return nil
	}
	return [][]byte{data}
}

func encodeAll(data []byte, err error) ([][]byte, error) {
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}
