package relay

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/delta"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/journal"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/net/proto"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/sequence"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/snapshot"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/telemetry"
	"github.com/teknokomo/universo-platformo-react-sub028/logging"
	lognet "github.com/teknokomo/universo-platformo-react-sub028/logging/network"
)

type worldFunc func(tick uint64) snapshot.Entities

func (f worldFunc) Entities(tick uint64) snapshot.Entities { return f(tick) }

// driftingWorld moves one ship along x by one unit per tick and adds a
// station from tick 2.
func driftingWorld(tick uint64) snapshot.Entities {
	entities := snapshot.Entities{
		"ship-1": {Transform: &snapshot.Transform{Position: mgl64.Vec3{float64(tick), 0, 0}, Rotation: snapshot.IdentityQuat}},
	}
	if tick >= 2 {
		entities["station"] = snapshot.Components{Health: &snapshot.Health{Current: 100, Max: 100}}
	}
	return entities
}

type fakeSender struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	refuse bool
}

func (s *fakeSender) ID() string { return s.id }

func (s *fakeSender) Send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return false
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return true
}

func (s *fakeSender) types(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, frame := range s.frames {
		env, err := proto.DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("bad frame %s: %v", frame, err)
		}
		out = append(out, env.Type)
	}
	return out
}

func (s *fakeSender) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

type recordingSink struct {
	intents []sequence.Intent
}

func (s *recordingSink) Submit(_ string, intent sequence.Intent) {
	s.intents = append(s.intents, intent)
}

func newTestRelay(t *testing.T, cfg Config) (*Relay, *journal.Journal) {
	t.Helper()
	j := journal.New(4, 0)
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.UnixMilli(1_000_000) }
	}
	return New(worldFunc(driftingWorld), nil, j, cfg), j
}

func TestRegisterSendsWelcomeAndKeyframe(t *testing.T) {
	r, _ := newTestRelay(t, Config{})
	sender := &fakeSender{id: "s1"}
	if err := r.Register(context.Background(), sender); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	got := sender.types(t)
	if len(got) != 2 || got[0] != proto.TypeWelcome || got[1] != proto.TypeKeyframe {
		t.Fatalf("unexpected frames %v", got)
	}
	if err := r.Register(context.Background(), sender); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
}

func TestStepDeltasRebuildServerState(t *testing.T) {
	r, _ := newTestRelay(t, Config{})
	sender := &fakeSender{id: "s1"}
	if err := r.Register(context.Background(), sender); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	keyframe, err := proto.Decode[proto.KeyframeV1](sender.last())
	if err != nil {
		t.Fatalf("decode keyframe: %v", err)
	}
	client := keyframe.Snapshot

	for i := 0; i < 5; i++ {
		if _, err := r.Step(context.Background()); err != nil {
			t.Fatalf("step failed: %v", err)
		}
		frame, err := proto.Decode[proto.DeltaV1](sender.last())
		if err != nil {
			t.Fatalf("decode delta: %v", err)
		}
		if !frame.Verify() {
			t.Fatalf("delta checksum mismatch at tick %d", frame.Tick)
		}
		client, err = delta.Apply(client, frame.Delta)
		if err != nil {
			t.Fatalf("apply tick %d: %v", frame.Tick, err)
		}
	}

	server := r.Current()
	if client.Tick != 5 || server.Tick != 5 {
		t.Fatalf("want tick 5, client=%d server=%d", client.Tick, server.Tick)
	}
	if len(client.Entities) != 2 || client.Entities["ship-1"].Transform.Position[0] != 5 {
		t.Fatalf("client state diverged: %+v", client.Entities)
	}
}

func TestDroppedFrameTriggersResyncKeyframe(t *testing.T) {
	var events []logging.Event
	pub := logging.PublisherFunc(func(_ context.Context, e logging.Event) { events = append(events, e) })
	metrics := telemetry.NewCounters()
	r, _ := newTestRelay(t, Config{Publisher: pub, Metrics: metrics})
	sender := &fakeSender{id: "s1"}
	if err := r.Register(context.Background(), sender); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	sender.refuse = true
	if _, err := r.Step(context.Background()); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	sender.refuse = false
	if _, err := r.Step(context.Background()); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	frame, err := proto.Decode[proto.KeyframeV1](sender.last())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != proto.TypeKeyframe || !frame.Resync || frame.Tick != 2 || frame.Reason != journal.AnomalyDroppedFrame {
		t.Fatalf("expected resync keyframe at tick 2, got %+v", frame)
	}
	if !frame.Verify() {
		t.Fatalf("keyframe fingerprint mismatch")
	}

	counters := metrics.Snapshot()
	if counters[metricFramesDropped] != 1 || counters[metricResyncs] != 1 {
		t.Fatalf("unexpected metrics %v", counters)
	}
	found := false
	for _, e := range events {
		if e.Type == lognet.EventResyncRequested {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected resync event, got %+v", events)
	}

	if _, err := r.Step(context.Background()); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if env, _ := proto.DecodeEnvelope(sender.last()); env.Type != proto.TypeDelta {
		t.Fatalf("expected deltas to resume, got %s", env.Type)
	}
}

func TestDroppedFrameResyncsLateInSession(t *testing.T) {
	r, _ := newTestRelay(t, Config{})
	sender := &fakeSender{id: "s1"}
	ctx := context.Background()
	if err := r.Register(ctx, sender); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	for i := 0; i < 10001; i++ {
		if _, err := r.Step(ctx); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}

	sender.refuse = true
	if _, err := r.Step(ctx); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	sender.refuse = false
	if _, err := r.Step(ctx); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	frame, err := proto.Decode[proto.KeyframeV1](sender.last())
	if err != nil || frame.Type != proto.TypeKeyframe || !frame.Resync {
		t.Fatalf("expected resync keyframe after a late drop, got %+v (%v)", frame, err)
	}
}

func TestEpsilonBaselineFollowsSlowDrift(t *testing.T) {
	slow := worldFunc(func(tick uint64) snapshot.Entities {
		return snapshot.Entities{
			"ship-1": {Transform: &snapshot.Transform{Position: mgl64.Vec3{100 + 0.01*float64(tick), 0, 0}, Rotation: snapshot.IdentityQuat}},
		}
	})
	r := New(slow, nil, journal.New(4, 0), Config{Epsilon: 1e-3, KeyframeInterval: 50})
	sender := &fakeSender{id: "s1"}
	ctx := context.Background()
	if err := r.Register(ctx, sender); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	keyframe, err := proto.Decode[proto.KeyframeV1](sender.last())
	if err != nil {
		t.Fatalf("decode keyframe: %v", err)
	}
	client := keyframe.Snapshot

	updates := 0
	for i := 0; i < 1000; i++ {
		if _, err := r.Step(ctx); err != nil {
			t.Fatalf("step failed: %v", err)
		}
		frame, err := proto.Decode[proto.DeltaV1](sender.last())
		if err != nil || !frame.Verify() {
			t.Fatalf("bad delta at step %d: %v", i, err)
		}
		updates += len(frame.Updated)
		client, err = delta.Apply(client, frame.Delta)
		if err != nil {
			t.Fatalf("apply step %d: %v", i, err)
		}
	}

	truth := 100 + 0.01*1000.0
	got := client.Entities["ship-1"].Transform.Position[0]
	// Relative tolerance 1e-3 around 110 allows roughly 0.22 of lag.
	if math.Abs(got-truth) > 0.25 {
		t.Fatalf("client drifted: client x=%v world x=%v", got, truth)
	}
	if updates == 0 || updates >= 1000 {
		t.Fatalf("expected tolerance to suppress most but not all updates, got %d", updates)
	}
	if server := r.Current(); !reflect.DeepEqual(server.Entities, client.Entities) {
		t.Fatalf("relay baseline differs from client state:\nserver %+v\nclient %+v", server.Entities, client.Entities)
	}
}

func TestHandleInputSequencing(t *testing.T) {
	sink := &recordingSink{}
	r := New(worldFunc(driftingWorld), sink, nil, Config{})
	sender := &fakeSender{id: "s1"}
	ctx := context.Background()
	if err := r.Register(ctx, sender); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	steps := []struct {
		seq      int64
		ok       bool
		expected int64
		reply    string
		reason   string
	}{
		{seq: 1, ok: true, expected: 1, reply: proto.TypeInputAck},
		{seq: 3, ok: false, expected: 2, reply: proto.TypeInputReject, reason: proto.RejectGap},
		{seq: 1, ok: false, expected: 2, reply: proto.TypeInputReject, reason: proto.RejectDuplicate},
		{seq: 2, ok: true, expected: 2, reply: proto.TypeInputAck},
	}
	for _, step := range steps {
		res, err := r.HandleInput(ctx, "s1", step.seq, "thrust", json.RawMessage(`{"power":1}`))
		if err != nil {
			t.Fatalf("seq %d: %v", step.seq, err)
		}
		if res.OK != step.ok || res.ExpectedNext != step.expected {
			t.Fatalf("seq %d: want ok=%v expected=%d, got %+v", step.seq, step.ok, step.expected, res)
		}
		env, _ := proto.DecodeEnvelope(sender.last())
		if env.Type != step.reply {
			t.Fatalf("seq %d: want reply %s, got %s", step.seq, step.reply, env.Type)
		}
		if step.reason != "" {
			reject, _ := proto.Decode[proto.InputRejectV1](sender.last())
			if reject.Reason != step.reason || reject.ExpectedNext != step.expected {
				t.Fatalf("seq %d: unexpected reject %+v", step.seq, reject)
			}
		}
	}
	if len(sink.intents) != 2 || sink.intents[0].Seq != 1 || sink.intents[1].Seq != 2 {
		t.Fatalf("sink should see accepted intents in order, got %+v", sink.intents)
	}

	if _, err := r.Step(ctx); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	resync, err := proto.Decode[proto.KeyframeV1](sender.last())
	if err != nil || resync.Type != proto.TypeKeyframe {
		t.Fatalf("expected resync keyframe after input gap, got %s (%v)", sender.last(), err)
	}
	if !resync.Resync || resync.Reason != journal.AnomalyInputGap {
		t.Fatalf("unexpected resync keyframe %+v", resync)
	}

	if _, err := r.HandleInput(ctx, "ghost", 1, "thrust", nil); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestHandleKeyframeRequest(t *testing.T) {
	r, _ := newTestRelay(t, Config{KeyframeInterval: 2})
	sender := &fakeSender{id: "s1"}
	ctx := context.Background()
	if err := r.Register(ctx, sender); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := r.Step(ctx); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}

	if err := r.HandleKeyframeRequest(ctx, "s1", 0); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	live, _ := proto.Decode[proto.KeyframeV1](sender.last())
	if live.Type != proto.TypeKeyframe || live.Tick != 5 {
		t.Fatalf("expected live keyframe at tick 5, got %+v", live)
	}

	if err := r.HandleKeyframeRequest(ctx, "s1", 4); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	historic, _ := proto.Decode[proto.KeyframeV1](sender.last())
	if historic.Type != proto.TypeKeyframe || historic.Tick != 4 || historic.Resync {
		t.Fatalf("expected journal keyframe at tick 4, got %+v", historic)
	}

	if err := r.HandleKeyframeRequest(ctx, "s1", 3); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	nack, _ := proto.Decode[proto.KeyframeNackV1](sender.last())
	if nack.Type != proto.TypeKeyframeNack || nack.Tick != 3 || nack.Reason != "expired" {
		t.Fatalf("expected nack for tick 3, got %+v", nack)
	}

	if err := r.HandleKeyframeRequest(ctx, "s1", 99); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	nack, _ = proto.Decode[proto.KeyframeNackV1](sender.last())
	if nack.Reason != "future" {
		t.Fatalf("expected future nack, got %+v", nack)
	}
}

func TestHandleAckAndPing(t *testing.T) {
	var events []logging.Event
	pub := logging.PublisherFunc(func(_ context.Context, e logging.Event) { events = append(events, e) })
	now := time.UnixMilli(5000)
	r := New(worldFunc(driftingWorld), nil, nil, Config{Publisher: pub, Now: func() time.Time { return now }})
	sender := &fakeSender{id: "s1"}
	ctx := context.Background()
	if err := r.Register(ctx, sender); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.Step(ctx); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}

	if err := r.HandleAck(ctx, "s1", 3); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if err := r.HandleAck(ctx, "s1", 1); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	var advanced, regressed int
	for _, e := range events {
		switch e.Type {
		case lognet.EventAckAdvanced:
			advanced++
		case lognet.EventAckRegression:
			regressed++
		}
	}
	if advanced != 1 || regressed != 1 {
		t.Fatalf("want 1 advance and 1 regression, got %d/%d", advanced, regressed)
	}
	if diag := r.Diagnostics(); len(diag.Sessions) != 1 || diag.Sessions[0].LastAck != 3 {
		t.Fatalf("regression should not lower the ack: %+v", diag)
	}

	if err := r.HandlePing("s1", 4900, 4990); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	pong, err := proto.Decode[proto.PongV1](sender.last())
	if err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.ClientSend != 4900 || pong.ServerRecv != 4990 || pong.ServerSend != 5000 {
		t.Fatalf("unexpected pong %+v", pong)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	r, _ := newTestRelay(t, Config{})
	sender := &fakeSender{id: "s1"}
	ctx := context.Background()
	if err := r.Register(ctx, sender); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	r.Unregister("s1")
	before := len(sender.types(t))
	if _, err := r.Step(ctx); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if after := len(sender.types(t)); after != before {
		t.Fatalf("unregistered session received %d frames", after-before)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r := New(worldFunc(driftingWorld), nil, nil, Config{TickRate: 200})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for r.Current().Tick < 2 {
		select {
		case <-deadline:
			t.Fatalf("relay did not advance")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}
