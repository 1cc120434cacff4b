package sequence

import (
	"encoding/json"
	"errors"
)

const (
	bufferOccupancyMetricKey = "sequence_intent_buffer_occupancy"
	bufferOverflowMetricKey  = "sequence_intent_buffer_overflow_total"
)

// ErrBufferFull is returned by Next when the buffer holds its capacity of
// unconfirmed intents.
var ErrBufferFull = errors.New("intent buffer full")

type metrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// Buffer keeps the client's unconfirmed intents in a fixed-size ring and
// numbers new ones. Like State it is owned by a single connection and is not
// safe for concurrent use.
type Buffer struct {
	data    []Intent
	head    int
	count   int
	lastSeq int64
	metrics metrics
}

// NewBuffer constructs a buffer holding at most capacity unconfirmed intents.
func NewBuffer(capacity int, metrics metrics) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{data: make([]Intent, capacity), metrics: metrics}
}

// Next tags a new intent with the next sequence number and buffers it.
func (b *Buffer) Next(kind string, payload json.RawMessage) (Intent, error) {
	if b.count == len(b.data) {
		if b.metrics != nil {
			b.metrics.Add(bufferOverflowMetricKey, 1)
		}
		return Intent{}, ErrBufferFull
	}
	b.lastSeq++
	intent := Intent{Seq: b.lastSeq, Kind: kind, Payload: payload}
	b.data[(b.head+b.count)%len(b.data)] = intent
	b.count++
	b.storeOccupancy()
	return intent, nil
}

// Acknowledge drops every intent confirmed by ack and returns the remaining
// unconfirmed ones for replay on top of the corrected state.
func (b *Buffer) Acknowledge(ack int64) Reconciliation {
	result := ReconcileAck(ack, b.Pending())
	dropped := b.count - len(result.Unconfirmed)
	for i := 0; i < dropped; i++ {
		b.data[b.head] = Intent{}
		b.head = (b.head + 1) % len(b.data)
	}
	b.count -= dropped
	b.storeOccupancy()
	return result
}

// Pending returns the unconfirmed intents in sequence order.
func (b *Buffer) Pending() []Intent {
	pending := make([]Intent, b.count)
	for i := 0; i < b.count; i++ {
		pending[i] = b.data[(b.head+i)%len(b.data)]
	}
	return pending
}

// Len reports the number of unconfirmed intents.
func (b *Buffer) Len() int {
	return b.count
}

// LastSeq reports the sequence number of the most recent intent.
func (b *Buffer) LastSeq() int64 {
	return b.lastSeq
}

func (b *Buffer) storeOccupancy() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(bufferOccupancyMetricKey, uint64(b.count))
}
