// Package journal keeps a rolling history of full snapshots so sessions that
// fall out of step can be rehydrated, and tracks when they should be.
package journal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/snapshot"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/telemetry"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/wire"
)

const (
	metricKeyframesRecorded = "journal_keyframes_recorded_total"
	metricKeyframesSkipped  = "journal_keyframes_skipped_total"
	metricKeyframesEvicted  = "journal_keyframes_evicted_total"
	metricKeyframesHeld     = "journal_keyframes_held"
)

// Eviction reasons.
const (
	ReasonExpired = "expired"
	ReasonCount   = "count"
)

// ErrStaleTick is returned when a keyframe does not advance past the newest
// recorded tick.
var ErrStaleTick = errors.New("journal: keyframe tick does not advance")

// Keyframe is a full snapshot retained for resynchronisation.
type Keyframe struct {
	Tick        uint64
	Snapshot    snapshot.Snapshot
	Fingerprint uint64
	RecordedAt  time.Time
}

type Eviction struct {
	Tick   uint64
	Reason string
}

type RecordResult struct {
	// Recorded is false when the snapshot matched the newest keyframe and was
	// skipped.
	Recorded bool
	Size     int
	Oldest   uint64
	Newest   uint64
	Evicted  []Eviction
}

// Journal holds keyframes in tick order, bounded by count and age.
type Journal struct {
	mu        sync.RWMutex
	frames    *orderedmap.OrderedMap[uint64, Keyframe]
	maxFrames int
	maxAge    time.Duration
	now       func() time.Time
	metrics   telemetry.Metrics
}

type Option func(*Journal)

// WithClock replaces the wall clock used to stamp and expire keyframes.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

// WithMetrics reports record, skip and eviction counts.
func WithMetrics(m telemetry.Metrics) Option {
	return func(j *Journal) {
		if m != nil {
			j.metrics = m
		}
	}
}

// New constructs a journal retaining at most keyframeCapacity frames no
// older than maxAge. A zero maxAge disables age eviction.
func New(keyframeCapacity int, maxAge time.Duration, opts ...Option) *Journal {
	if keyframeCapacity < 0 {
		keyframeCapacity = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	j := &Journal{
		frames:    orderedmap.NewOrderedMap[uint64, Keyframe](),
		maxFrames: keyframeCapacity,
		maxAge:    maxAge,
		now:       time.Now,
		metrics:   telemetry.NopMetrics(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Record stores a copy of snap as a keyframe enforcing retention limits. A
// snapshot whose entities fingerprint the same as the newest keyframe is not
// stored again.
func (j *Journal) Record(snap snapshot.Snapshot) (RecordResult, error) {
	fingerprint, err := wire.Fingerprint(snap)
	if err != nil {
		return RecordResult{}, fmt.Errorf("record keyframe %d: %w", snap.Tick, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.maxFrames == 0 {
		return RecordResult{}, nil
	}

	if newest := j.frames.Back(); newest != nil {
		if snap.Tick <= newest.Key {
			return RecordResult{}, fmt.Errorf("record keyframe %d after %d: %w", snap.Tick, newest.Key, ErrStaleTick)
		}
		if newest.Value.Fingerprint == fingerprint {
			j.metrics.Add(metricKeyframesSkipped, 1)
			result := j.windowLocked()
			return result, nil
		}
	}

	recordedAt := j.now()
	j.frames.Set(snap.Tick, Keyframe{
		Tick:        snap.Tick,
		Snapshot:    snap.Clone(),
		Fingerprint: fingerprint,
		RecordedAt:  recordedAt,
	})
	j.metrics.Add(metricKeyframesRecorded, 1)

	evicted := make([]Eviction, 0)
	if j.maxAge > 0 {
		cutoff := recordedAt.Add(-j.maxAge)
		for el := j.frames.Front(); el != nil; {
			if !el.Value.RecordedAt.Before(cutoff) {
				break
			}
			next := el.Next()
			evicted = append(evicted, Eviction{Tick: el.Key, Reason: ReasonExpired})
			j.frames.Delete(el.Key)
			el = next
		}
	}
	for j.frames.Len() > j.maxFrames {
		oldest := j.frames.Front()
		evicted = append(evicted, Eviction{Tick: oldest.Key, Reason: ReasonCount})
		j.frames.Delete(oldest.Key)
	}
	if len(evicted) > 0 {
		j.metrics.Add(metricKeyframesEvicted, uint64(len(evicted)))
	}

	result := j.windowLocked()
	result.Recorded = true
	result.Evicted = evicted
	return result, nil
}

func (j *Journal) windowLocked() RecordResult {
	result := RecordResult{Size: j.frames.Len()}
	if front := j.frames.Front(); front != nil {
		result.Oldest = front.Key
		result.Newest = j.frames.Back().Key
	}
	j.metrics.Store(metricKeyframesHeld, uint64(result.Size))
	return result
}

// KeyframeAt returns a copy of the keyframe recorded for tick.
func (j *Journal) KeyframeAt(tick uint64) (Keyframe, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	frame, ok := j.frames.Get(tick)
	if !ok {
		return Keyframe{}, false
	}
	return frame.clone(), true
}

// Latest returns a copy of the newest keyframe.
func (j *Journal) Latest() (Keyframe, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	newest := j.frames.Back()
	if newest == nil {
		return Keyframe{}, false
	}
	return newest.Value.clone(), true
}

// Keyframes exposes the buffer contents in chronological order. Callers
// receive copies.
func (j *Journal) Keyframes() []Keyframe {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.frames.Len() == 0 {
		return nil
	}
	frames := make([]Keyframe, 0, j.frames.Len())
	for el := j.frames.Front(); el != nil; el = el.Next() {
		frames = append(frames, el.Value.clone())
	}
	return frames
}

// Window reports the current retention window.
func (j *Journal) Window() (size int, oldest, newest uint64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	size = j.frames.Len()
	if size == 0 {
		return 0, 0, 0
	}
	return size, j.frames.Front().Key, j.frames.Back().Key
}

func (k Keyframe) clone() Keyframe {
	k.Snapshot = k.Snapshot.Clone()
	return k
}
