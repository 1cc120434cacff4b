// Package relay steps the replicated world once per tick and fans the
// resulting deltas out to every connected session.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/delta"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/journal"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/net/proto"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/sequence"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/snapshot"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/telemetry"
	"github.com/teknokomo/universo-platformo-react-sub028/logging"
	lognet "github.com/teknokomo/universo-platformo-react-sub028/logging/network"
	logrep "github.com/teknokomo/universo-platformo-react-sub028/logging/replication"
)

const (
	metricTicks           = "relay_ticks_total"
	metricDeltaBytes      = "relay_delta_bytes_total"
	metricFramesSent      = "relay_frames_sent_total"
	metricFramesDropped   = "relay_frames_dropped_total"
	metricResyncs         = "relay_resyncs_total"
	metricSessions        = "relay_sessions"
	metricInputsAccepted  = "relay_inputs_accepted_total"
	metricInputsRejected  = "relay_inputs_rejected_total"
	metricKeyframeNacks   = "relay_keyframe_nacks_total"
	metricEntitiesTracked = "relay_entities"
)

var (
	ErrUnknownSession   = errors.New("relay: unknown session")
	ErrDuplicateSession = errors.New("relay: session already registered")
)

// WorldSource provides the authoritative entity state for a tick. The relay
// never decides what changes.
type WorldSource interface {
	Entities(tick uint64) snapshot.Entities
}

// IntentSink receives inputs that passed sequence validation, in order.
type IntentSink interface {
	Submit(sessionID string, intent sequence.Intent)
}

// Sender is one connected client. Send must not block; it reports false when
// the frame was dropped.
type Sender interface {
	ID() string
	Send(frame []byte) bool
}

// Config tunes tick rate, keyframing and resync of a Relay.
type Config struct {
	TickRate int
	// KeyframeInterval is the number of ticks between journal keyframes.
	KeyframeInterval int
	// Epsilon enables tolerance-based delta comparison when positive.
	Epsilon float64
	// ResyncThreshold is the anomaly ratio per ten thousand frames that
	// triggers a keyframe. Zero resyncs on the first anomaly. Dropped frames
	// resync whatever the threshold.
	ResyncThreshold uint64

	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
	Now       func() time.Time
}

// DefaultConfig broadcasts at 15 Hz with a keyframe every 30 ticks.
func DefaultConfig() Config {
	return Config{TickRate: 15, KeyframeInterval: 30}
}

type session struct {
	sender  Sender
	seq     sequence.State
	policy  *journal.Policy
	lastAck uint64
	acked   bool
}

// Relay owns the last broadcast snapshot and the per-session sequence state.
type Relay struct {
	mu       sync.Mutex
	cfg      Config
	world    WorldSource
	sink     IntentSink
	journal  *journal.Journal
	current  snapshot.Snapshot
	sessions map[string]*session
	opts     []delta.Option
	pub      logging.Publisher
	metrics  telemetry.Metrics
	logger   telemetry.Logger
	now      func() time.Time
}

// New builds a relay starting from an empty world at tick 0. A nil journal
// disables keyframe history; sink may be nil when inputs are discarded.
func New(world WorldSource, sink IntentSink, j *journal.Journal, cfg Config) *Relay {
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultConfig().TickRate
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = DefaultConfig().KeyframeInterval
	}
	r := &Relay{
		cfg:      cfg,
		world:    world,
		sink:     sink,
		journal:  j,
		current:  snapshot.Snapshot{Entities: snapshot.Entities{}},
		sessions: make(map[string]*session),
		pub:      cfg.Publisher,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if r.pub == nil {
		r.pub = logging.NopPublisher()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NopMetrics()
	}
	if r.logger == nil {
		r.logger = telemetry.LoggerFunc(nil)
	}
	if r.now == nil {
		r.now = time.Now
	}
	if cfg.Epsilon > 0 {
		r.opts = append(r.opts, delta.WithEpsilon(cfg.Epsilon))
	}
	return r
}

// Register adds a session and sends it a welcome followed by the current
// state as a keyframe.
func (r *Relay) Register(ctx context.Context, sender Sender) error {
	id := sender.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("register %s: %w", id, ErrDuplicateSession)
	}
	s := &session{sender: sender, policy: journal.NewPolicy(r.cfg.ResyncThreshold)}
	r.sessions[id] = s
	r.metrics.Store(metricSessions, uint64(len(r.sessions)))

	welcome, err := proto.EncodeWelcome(proto.WelcomeV1{
		SessionID:        id,
		TickRate:         r.cfg.TickRate,
		KeyframeInterval: r.cfg.KeyframeInterval,
		ServerTimeMs:     r.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	r.sendLocked(s, welcome)
	if err := r.sendKeyframeLocked(s, r.current, false, ""); err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	return nil
}

// Unregister drops a session. Unknown ids are ignored.
func (r *Relay) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	r.metrics.Store(metricSessions, uint64(len(r.sessions)))
}

// Step advances one tick: it pulls the world state, computes the delta from
// the last broadcast snapshot and delivers it to every session. With a delta
// tolerance the broadcast snapshot is what clients rebuilt, not the world. Sessions the
// resync policy has flagged receive a keyframe instead.
func (r *Relay) Step(ctx context.Context) (snapshot.Delta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tick := r.current.Tick + 1
	entities := r.world.Entities(tick).Clone()
	if entities == nil {
		entities = snapshot.Entities{}
	}
	d := delta.Compute(r.current.Entities, entities, r.current.Tick, tick, r.opts...)
	next := snapshot.Snapshot{
		Tick:         tick,
		ServerTimeMs: r.now().UnixMilli(),
		Entities:     entities,
	}
	if len(r.opts) > 0 {
		// Under a tolerance the baseline is the state clients hold, so drift
		// below the threshold accumulates until it is sent.
		visible, err := delta.Apply(r.current, d)
		if err != nil {
			return snapshot.Delta{}, fmt.Errorf("step %d: %w", tick, err)
		}
		next.Entities = visible.Entities
	}

	frame, err := proto.NewDelta(d, next.ServerTimeMs)
	if err != nil {
		return snapshot.Delta{}, fmt.Errorf("step %d: %w", tick, err)
	}
	data, err := proto.EncodeDelta(frame)
	if err != nil {
		return snapshot.Delta{}, fmt.Errorf("step %d: %w", tick, err)
	}
	r.current = next

	if r.journal != nil && tick%uint64(r.cfg.KeyframeInterval) == 0 {
		r.recordKeyframeLocked(ctx)
	}

	for _, id := range r.sessionIDsLocked() {
		s := r.sessions[id]
		if signal, ok := s.policy.Consume(); ok {
			reason := journal.AnomalyDroppedFrame
			if len(signal.Reasons) > 0 {
				reason = signal.Reasons[0].Kind
			}
			lognet.ResyncRequested(ctx, r.pub, tick, logging.SessionRef(id), lognet.ResyncPayload{Reason: reason, Detail: signal.Summary()}, nil)
			r.metrics.Add(metricResyncs, 1)
			if err := r.sendKeyframeLocked(s, r.current, true, reason); err != nil {
				r.logger.Printf("resync keyframe for %s failed: %v", id, err)
			}
			continue
		}
		r.sendLocked(s, data)
	}

	stats := delta.Stats(d)
	r.metrics.Add(metricTicks, 1)
	r.metrics.Add(metricDeltaBytes, uint64(len(data)))
	r.metrics.Store(metricEntitiesTracked, uint64(len(entities)))
	if !d.Empty() {
		logrep.DeltaBroadcast(ctx, r.pub, tick, logrep.DeltaPayload{
			BaseTick:   d.BaseTick,
			Added:      stats.Added,
			Updated:    stats.Updated,
			Removed:    stats.Removed,
			Bytes:      len(data),
			Recipients: len(r.sessions),
		})
	}
	return d, nil
}

func (r *Relay) recordKeyframeLocked(ctx context.Context) {
	result, err := r.journal.Record(r.current)
	if err != nil {
		r.logger.Printf("record keyframe %d failed: %v", r.current.Tick, err)
		return
	}
	if result.Recorded {
		logrep.KeyframeRecorded(ctx, r.pub, r.current.Tick, logrep.KeyframePayload{Size: result.Size, Oldest: result.Oldest, Newest: result.Newest})
	}
	for _, ev := range result.Evicted {
		logrep.KeyframeEvicted(ctx, r.pub, ev.Tick, logrep.KeyframePayload{Size: result.Size, Oldest: result.Oldest, Newest: result.Newest, Reason: ev.Reason})
	}
}

func (r *Relay) sessionIDsLocked() []string {
	ids := lo.Keys(r.sessions)
	slices.Sort(ids)
	return ids
}

func (r *Relay) sendLocked(s *session, data []byte) bool {
	if s.sender.Send(data) {
		s.policy.NoteFrame()
		r.metrics.Add(metricFramesSent, 1)
		return true
	}
	s.policy.NoteAnomaly(journal.AnomalyDroppedFrame, "send buffer full")
	r.metrics.Add(metricFramesDropped, 1)
	return false
}

func (r *Relay) sendKeyframeLocked(s *session, snap snapshot.Snapshot, resync bool, reason string) error {
	frame, err := proto.NewKeyframe(snap)
	if err != nil {
		return err
	}
	frame.Resync = resync
	frame.Reason = reason
	data, err := proto.EncodeKeyframe(frame)
	if err != nil {
		return err
	}
	r.sendLocked(s, data)
	return nil
}

// HandleInput validates a sequenced input. Accepted inputs are forwarded to
// the sink and acknowledged; gaps and duplicates are rejected with the
// sequence the relay expects next.
func (r *Relay) HandleInput(ctx context.Context, sessionID string, seq int64, kind string, payload json.RawMessage) (sequence.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return sequence.Result{}, fmt.Errorf("input from %s: %w", sessionID, ErrUnknownSession)
	}

	verdict := sequence.Classify(s.seq, seq)
	result := s.seq.Update(seq)
	actor := logging.SessionRef(sessionID)
	if result.OK {
		if r.sink != nil {
			r.sink.Submit(sessionID, sequence.Intent{Seq: seq, Kind: kind, Payload: payload})
		}
		r.metrics.Add(metricInputsAccepted, 1)
		data, err := proto.EncodeInputAck(proto.InputAckV1{Seq: seq, Tick: r.current.Tick})
		if err != nil {
			return result, fmt.Errorf("input ack %s: %w", sessionID, err)
		}
		r.sendLocked(s, data)
		return result, nil
	}

	r.metrics.Add(metricInputsRejected, 1)
	reason := proto.RejectGap
	payloadLog := lognet.SequencePayload{Incoming: seq, ExpectedNext: result.ExpectedNext}
	if verdict == sequence.Duplicate {
		reason = proto.RejectDuplicate
		lognet.InputDuplicate(ctx, r.pub, r.current.Tick, actor, payloadLog, nil)
	} else {
		lognet.InputGap(ctx, r.pub, r.current.Tick, actor, payloadLog, nil)
		s.policy.NoteAnomaly(journal.AnomalyInputGap, fmt.Sprintf("seq %d, expected %d", seq, result.ExpectedNext))
	}
	data, err := proto.EncodeInputReject(proto.InputRejectV1{Seq: seq, ExpectedNext: result.ExpectedNext, Reason: reason})
	if err != nil {
		return result, fmt.Errorf("input reject %s: %w", sessionID, err)
	}
	r.sendLocked(s, data)
	return result, nil
}

// HandleAck records the last tick a session applied.
func (r *Relay) HandleAck(ctx context.Context, sessionID string, tick uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("ack from %s: %w", sessionID, ErrUnknownSession)
	}
	payload := lognet.AckPayload{Previous: s.lastAck, Ack: tick}
	switch {
	case s.acked && tick < s.lastAck:
		lognet.AckRegression(ctx, r.pub, r.current.Tick, logging.SessionRef(sessionID), payload, nil)
		return nil
	case !s.acked || tick > s.lastAck:
		lognet.AckAdvanced(ctx, r.pub, r.current.Tick, logging.SessionRef(sessionID), payload, nil)
	}
	if tick > r.current.Tick {
		// A client cannot be ahead of the relay.
		s.policy.NoteAnomaly(journal.AnomalyTickMismatch, fmt.Sprintf("ack %d ahead of %d", tick, r.current.Tick))
		return nil
	}
	s.lastAck = tick
	s.acked = true
	return nil
}

// HandlePing answers a clock sample. serverRecvMs is the time the ping was
// read off the connection.
func (r *Relay) HandlePing(sessionID string, clientSendMs, serverRecvMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("ping from %s: %w", sessionID, ErrUnknownSession)
	}
	data, err := proto.EncodePong(proto.PongV1{
		ClientSend: clientSendMs,
		ServerRecv: serverRecvMs,
		ServerSend: r.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("pong %s: %w", sessionID, err)
	}
	r.sendLocked(s, data)
	return nil
}

// HandleKeyframeRequest sends the keyframe for tick. Tick zero, or the
// current tick, selects the live state, which is the only keyframe later
// deltas apply to. Older ticks are served from the journal or refused.
func (r *Relay) HandleKeyframeRequest(ctx context.Context, sessionID string, tick uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("keyframe request from %s: %w", sessionID, ErrUnknownSession)
	}
	if tick == 0 || tick == r.current.Tick {
		s.policy.Consume()
		return r.sendKeyframeLocked(s, r.current, true, journal.AnomalyTickMismatch)
	}
	if r.journal != nil {
		if frame, ok := r.journal.KeyframeAt(tick); ok {
			return r.sendKeyframeLocked(s, frame.Snapshot, false, "")
		}
	}

	reason := "expired"
	if tick > r.current.Tick {
		reason = "future"
	}
	var size int
	var oldest, newest uint64
	if r.journal != nil {
		size, oldest, newest = r.journal.Window()
	}
	logrep.KeyframeMissing(ctx, r.pub, tick, logging.SessionRef(sessionID), logrep.KeyframePayload{Size: size, Oldest: oldest, Newest: newest, Reason: reason})
	r.metrics.Add(metricKeyframeNacks, 1)
	data, err := proto.EncodeKeyframeNack(proto.KeyframeNackV1{Tick: tick, Reason: reason})
	if err != nil {
		return fmt.Errorf("keyframe nack %s: %w", sessionID, err)
	}
	r.sendLocked(s, data)
	return nil
}

// Current returns a copy of the last broadcast snapshot.
func (r *Relay) Current() snapshot.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Clone()
}

// SessionDiagnostics reports one session's sequence and ack progress.
type SessionDiagnostics struct {
	ID      string `json:"id"`
	LastSeq int64  `json:"lastSeq"`
	LastAck uint64 `json:"lastAck"`
}

// Diagnostics is the relay state served on /diagnostics.
type Diagnostics struct {
	Tick           uint64               `json:"tick"`
	Entities       int                  `json:"entities"`
	Sessions       []SessionDiagnostics `json:"sessions"`
	KeyframeWindow struct {
		Size   int    `json:"size"`
		Oldest uint64 `json:"oldest"`
		Newest uint64 `json:"newest"`
	} `json:"keyframeWindow"`
}

// Diagnostics reports the relay state for the HTTP diagnostics endpoint.
func (r *Relay) Diagnostics() Diagnostics {
	r.mu.Lock()
	defer r.mu.Unlock()
	diag := Diagnostics{
		Tick:     r.current.Tick,
		Entities: len(r.current.Entities),
		Sessions: make([]SessionDiagnostics, 0, len(r.sessions)),
	}
	for _, id := range r.sessionIDsLocked() {
		s := r.sessions[id]
		diag.Sessions = append(diag.Sessions, SessionDiagnostics{ID: id, LastSeq: s.seq.LastSeq, LastAck: s.lastAck})
	}
	if r.journal != nil {
		diag.KeyframeWindow.Size, diag.KeyframeWindow.Oldest, diag.KeyframeWindow.Newest = r.journal.Window()
	}
	return diag
}

// Run steps the relay at the configured tick rate until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(r.cfg.TickRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Step(ctx); err != nil {
				r.logger.Printf("relay step failed: %v", err)
			}
		}
	}
}
