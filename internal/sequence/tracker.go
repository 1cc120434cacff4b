// Package sequence validates per-connection input ordering and reconciles
// server acknowledgements against the client's unconfirmed inputs.
package sequence

import (
	"encoding/json"

	"github.com/samber/lo"
)

// State tracks the last in-order sequence number accepted on one connection.
// It has a single writer: the connection's receive path.
type State struct {
	LastSeq int64 `json:"lastSeq"`
}

// Result reports the outcome of Update.
type Result struct {
	OK           bool  `json:"ok"`
	ExpectedNext int64 `json:"expectedNext"`
}

// Update accepts incoming only when it is exactly LastSeq+1, advancing the
// state. Gaps, duplicates and reordered packets leave the state untouched and
// report OK=false; deciding whether to drop, retransmit or resync is up to the
// caller.
func (s *State) Update(incoming int64) Result {
	expected := s.LastSeq + 1
	if incoming != expected {
		return Result{OK: false, ExpectedNext: expected}
	}
	s.LastSeq = incoming
	return Result{OK: true, ExpectedNext: expected}
}

// Verdict classifies an incoming sequence number against a state.
type Verdict int

const (
	Accepted Verdict = iota
	Duplicate
	Gap
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	default:
		return "unknown"
	}
}

// Classify reports how Update would treat incoming without changing s.
// Duplicate covers anything at or below LastSeq, Gap anything beyond the
// expected next number.
func Classify(s State, incoming int64) Verdict {
	expected := s.LastSeq + 1
	switch {
	case incoming == expected:
		return Accepted
	case incoming < expected:
		return Duplicate
	default:
		return Gap
	}
}

// Intent is one buffered client input command.
type Intent struct {
	Seq     int64           `json:"seq"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reconciliation is the outcome of ReconcileAck.
type Reconciliation struct {
	ConfirmedSeq int64    `json:"confirmedSeq"`
	Unconfirmed  []Intent `json:"unconfirmed"`
}

// ReconcileAck returns the intents the server has not confirmed yet, in their
// original order. Negative acknowledgements are floored to zero. intents is not
// modified.
func ReconcileAck(lastAck int64, intents []Intent) Reconciliation {
	confirmed := max(lastAck, 0)
	unconfirmed := lo.Filter(intents, func(intent Intent, _ int) bool {
		return intent.Seq > confirmed
	})
	return Reconciliation{ConfirmedSeq: confirmed, Unconfirmed: unconfirmed}
}
