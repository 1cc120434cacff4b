package logging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// Printer receives the router's own diagnostics (drops, sink failures).
type Printer interface {
	Printf(format string, args ...any)
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router fans published events out to every sink on background workers. A
// full queue drops events instead of blocking the publisher.
type Router struct {
	cfg      Config
	clock    Clock
	fallback Printer
	queue    chan Event
	workers  []*sinkWorker
	stop     chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	eventsTotal  atomic.Uint64
	droppedTotal atomic.Uint64
	nextDropWarn atomic.Int64
}

type RouterStats struct {
	EventsTotal  uint64 `json:"eventsTotal"`
	DroppedTotal uint64 `json:"droppedTotal"`
}

// NewRouter starts a router delivering to the given sinks. A nil clock uses
// wall time and a nil fallback uses the standard logrus logger.
func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink, fallback Printer) (*Router, error) {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	if fallback == nil {
		fallback = logrus.StandardLogger()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 512
	}
	sinkBuffer := min(max(bufferSize, 32), 1024)

	r := &Router{
		cfg:      cfg,
		clock:    clock,
		fallback: fallback,
		queue:    make(chan Event, bufferSize),
		stop:     make(chan struct{}),
	}

	seen := make(map[string]struct{}, len(namedSinks))
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		if _, dup := seen[named.Name]; dup {
			return nil, fmt.Errorf("logging: duplicate sink %q", named.Name)
		}
		seen[named.Name] = struct{}{}
		r.workers = append(r.workers, &sinkWorker{
			name:     named.Name,
			sink:     named.Sink,
			events:   make(chan Event, sinkBuffer),
			fallback: fallback,
		})
	}

	r.wg.Add(1)
	go r.dispatch()
	for _, worker := range r.workers {
		r.wg.Add(1)
		go func(w *sinkWorker) {
			defer r.wg.Done()
			w.run()
		}(worker)
	}
	return r, nil
}

func (r *Router) dispatch() {
	defer r.wg.Done()
	defer func() {
		for _, worker := range r.workers {
			close(worker.events)
		}
	}()
	for {
		select {
		case event := <-r.queue:
			r.forward(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Severity < r.cfg.MinimumSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = withDefaultExtra(event, r.cfg.Fields)
	r.eventsTotal.Add(1)
	for _, worker := range r.workers {
		worker.enqueue(cloneEvent(event))
	}
}

func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.noteDrop(event)
	}
}

func (r *Router) noteDrop(event Event) {
	r.droppedTotal.Add(1)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now().UnixNano()
	next := r.nextDropWarn.Load()
	if now >= next && r.nextDropWarn.CompareAndSwap(next, now+interval.Nanoseconds()) {
		r.fallback.Printf("[logging] dropping event type=%s tick=%d", event.Type, event.Tick)
	}
}

// Close drains queued events, stops the workers and closes every sink.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, worker := range r.workers {
		if err := worker.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("logging: close sink %s: %w", worker.name, err)
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		EventsTotal:  r.eventsTotal.Load(),
		DroppedTotal: r.droppedTotal.Load(),
	}
}

func (r *Router) Sink(name string) Sink {
	for _, worker := range r.workers {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name      string
	sink      Sink
	events    chan Event
	fallback  Printer
	failures  int
	nextRetry time.Time
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- event:
	default:
		w.fallback.Printf("[logging] sink %s backlog full, dropping event type=%s", w.name, event.Type)
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		if wait := time.Until(w.nextRetry); w.failures > 0 && wait > 0 {
			time.Sleep(wait)
		}
		if err := w.sink.Write(event); err != nil {
			w.failures++
			delay := time.Duration(1<<min(w.failures, 5)) * time.Second
			w.nextRetry = time.Now().Add(delay)
			w.fallback.Printf("[logging] sink %s failed: %v (retry in %s)", w.name, err, delay)
			continue
		}
		w.failures = 0
		w.nextRetry = time.Time{}
	}
}
