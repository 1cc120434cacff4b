// Package clocksync estimates clock offset, round-trip time and jitter between
// a client and the server from ping/pong timestamp samples.
package clocksync

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidWindow is returned for a window size below one.
	ErrInvalidWindow = errors.New("clocksync: window size must be at least 1")
	// ErrInvalidAlpha is returned for a smoothing factor outside (0, 1].
	ErrInvalidAlpha = errors.New("clocksync: ema alpha must be in (0, 1]")
)

// Sample holds the four timestamps of one ping/pong round trip, in
// milliseconds. Client fields come from the client clock, server fields from
// the server clock.
type Sample struct {
	ClientSendMs int64 `json:"clientSendMs"`
	ServerRecvMs int64 `json:"serverRecvMs"`
	ServerSendMs int64 `json:"serverSendMs"`
	ClientRecvMs int64 `json:"clientRecvMs"`
}

// Measurement is the raw offset and round-trip time of a single sample.
type Measurement struct {
	OffsetMs float64 `json:"offsetMs"`
	RTTMs    float64 `json:"rttMs"`
}

// Measure applies two-way time transfer to one sample. The offset is what must
// be added to a client timestamp to obtain server time; the round-trip time
// excludes the server's processing delay.
func Measure(s Sample) Measurement {
	offset := float64((s.ServerRecvMs-s.ClientSendMs)+(s.ServerSendMs-s.ClientRecvMs)) / 2
	rtt := float64((s.ClientRecvMs - s.ClientSendMs) - (s.ServerSendMs - s.ServerRecvMs))
	return Measurement{OffsetMs: offset, RTTMs: rtt}
}

// State is the smoothed estimate exposed to callers.
type State struct {
	OffsetMs float64 `json:"offsetMs"`
	RTTMs    float64 `json:"rttMs"`
	// JitterMs is the mean absolute deviation of the raw round-trip times
	// currently in the window.
	JitterMs float64 `json:"jitterMs"`
	Samples  int     `json:"samples"`
}

// Estimator keeps a bounded window of recent measurements and an
// exponentially smoothed offset and round-trip time. It belongs to a single
// connection and is not safe for concurrent use.
type Estimator struct {
	alpha  float64
	window []Measurement
	next   int
	filled int
	total  int
	offset float64
	rtt    float64
}

// New constructs an estimator keeping the last windowSize measurements and
// smoothing with emaAlpha, where larger values weigh the latest sample more.
func New(windowSize int, emaAlpha float64) (*Estimator, error) {
	if windowSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWindow, windowSize)
	}
	if !(emaAlpha > 0 && emaAlpha <= 1) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidAlpha, emaAlpha)
	}
	return &Estimator{alpha: emaAlpha, window: make([]Measurement, windowSize)}, nil
}

// AddSample folds one round trip into the estimate and returns the new state.
func (e *Estimator) AddSample(s Sample) State {
	m := Measure(s)

	e.window[e.next] = m
	e.next = (e.next + 1) % len(e.window)
	if e.filled < len(e.window) {
		e.filled++
	}

	if e.total == 0 {
		e.offset = m.OffsetMs
		e.rtt = m.RTTMs
	} else {
		e.offset = e.alpha*m.OffsetMs + (1-e.alpha)*e.offset
		e.rtt = e.alpha*m.RTTMs + (1-e.alpha)*e.rtt
	}
	e.total++

	return e.State()
}

// State returns the current estimate. Before the first sample it is the zero
// state.
func (e *Estimator) State() State {
	if e == nil || e.total == 0 {
		return State{}
	}
	return State{
		OffsetMs: e.offset,
		RTTMs:    e.rtt,
		JitterMs: e.jitter(),
		Samples:  e.total,
	}
}

// Window returns the measurements currently held, oldest first.
func (e *Estimator) Window() []Measurement {
	if e == nil {
		return nil
	}
	out := make([]Measurement, 0, e.filled)
	start := (e.next - e.filled + len(e.window)) % len(e.window)
	for i := 0; i < e.filled; i++ {
		out = append(out, e.window[(start+i)%len(e.window)])
	}
	return out
}

// ServerTime maps a client timestamp onto the server clock.
func (e *Estimator) ServerTime(localMs int64) float64 {
	return float64(localMs) + e.State().OffsetMs
}

// LocalTime maps a server timestamp onto the client clock.
func (e *Estimator) LocalTime(serverMs int64) float64 {
	return float64(serverMs) - e.State().OffsetMs
}

// Reset discards every sample, returning the estimator to its zero state.
func (e *Estimator) Reset() {
	clear(e.window)
	e.next = 0
	e.filled = 0
	e.total = 0
	e.offset = 0
	e.rtt = 0
}

func (e *Estimator) jitter() float64 {
	if e.filled < 2 {
		return 0
	}
	var sum float64
	for i := 0; i < e.filled; i++ {
		sum += e.window[i].RTTMs
	}
	mean := sum / float64(e.filled)
	var dev float64
	for i := 0; i < e.filled; i++ {
		dev += math.Abs(e.window[i].RTTMs - mean)
	}
	return dev / float64(e.filled)
}
