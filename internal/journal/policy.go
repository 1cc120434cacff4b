package journal

import (
	"fmt"
)

// Anomaly kinds noted against a session.
const (
	AnomalyDroppedFrame = "dropped_frame"
	AnomalyTickMismatch = "tick_mismatch"
	AnomalyInputGap     = "input_gap"
)

type ResyncReason struct {
	Kind   string
	Detail string
}

type ResyncSignal struct {
	Anomalies uint64
	Frames    uint64
	Reasons   []ResyncReason
}

// Policy decides when a session has drifted far enough from the delta stream
// that it should receive a keyframe. It is not safe for concurrent use.
type Policy struct {
	frames    uint64
	anomalies uint64
	pending   bool
	reasons   []ResyncReason
	threshold uint64
}

const resyncReasonLimit = 8

// NewPolicy returns a policy that signals once anomalies reach
// thresholdPerTenThousand of delivered frames. Zero signals on any anomaly.
// A dropped frame always signals: the session can no longer apply the deltas
// that follow it.
func NewPolicy(thresholdPerTenThousand uint64) *Policy {
	return &Policy{
		reasons:   make([]ResyncReason, 0, resyncReasonLimit),
		threshold: thresholdPerTenThousand,
	}
}

// NoteFrame counts one frame delivered to the session.
func (p *Policy) NoteFrame() {
	if p == nil {
		return
	}
	if p.frames == ^uint64(0) {
		p.frames = p.frames / 2
		p.anomalies = p.anomalies / 2
	}
	p.frames++
}

// NoteAnomaly records a reason the session may be out of step.
func (p *Policy) NoteAnomaly(kind, detail string) {
	if p == nil {
		return
	}
	p.anomalies++
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, ResyncReason{Kind: kind, Detail: detail})
	}
	if kind == AnomalyDroppedFrame {
		p.pending = true
		return
	}
	p.evaluate()
}

func (p *Policy) evaluate() {
	if p == nil || p.pending || p.anomalies == 0 {
		return
	}
	if p.threshold == 0 {
		p.pending = true
		return
	}
	total := p.frames
	if total == 0 {
		total = 1
	}
	if p.anomalies*10000 >= total*p.threshold {
		p.pending = true
	}
}

// Pending reports whether a signal is waiting to be consumed.
func (p *Policy) Pending() bool {
	return p != nil && p.pending
}

// Consume returns the pending signal and resets the counters.
func (p *Policy) Consume() (ResyncSignal, bool) {
	if p == nil || !p.pending {
		return ResyncSignal{}, false
	}
	signal := ResyncSignal{
		Anomalies: p.anomalies,
		Frames:    p.frames,
		Reasons:   append([]ResyncReason(nil), p.reasons...),
	}
	p.pending = false
	p.frames = 0
	p.anomalies = 0
	if len(p.reasons) > 0 {
		p.reasons = p.reasons[:0]
	}
	return signal, true
}

func (s ResyncSignal) Summary() string {
	if s.Anomalies == 0 && s.Frames == 0 {
		return ""
	}
	return fmt.Sprintf("anomalies=%d frames=%d reasons=%v", s.Anomalies, s.Frames, s.Reasons)
}
