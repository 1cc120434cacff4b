package telemetry

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Logger exposes the logging capabilities required by relay components.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapLogger adapts a logrus logger to the Logger interface.
func WrapLogger(logger *logrus.Logger) Logger {
	return &loggerAdapter{logger: logger}
}

type loggerAdapter struct {
	logger *logrus.Logger
}

func (l *loggerAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Infof(format, args...)
}

// StandardLogger exposes the wrapped logrus logger so callers can reuse its
// output and formatter.
func (l *loggerAdapter) StandardLogger() *logrus.Logger {
	if l == nil {
		return nil
	}
	return l.logger
}

// Metrics exposes the counters required by relay components.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// Counters is a concurrency-safe Metrics implementation backed by atomics.
type Counters struct {
	mu     sync.RWMutex
	values map[string]*atomic.Uint64
}

func NewCounters() *Counters {
	return &Counters{values: make(map[string]*atomic.Uint64)}
}

func (c *Counters) counter(key string) *atomic.Uint64 {
	c.mu.RLock()
	v, ok := c.values[key]
	c.mu.RUnlock()
	if ok {
		return v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]*atomic.Uint64)
	}
	if v, ok = c.values[key]; !ok {
		v = new(atomic.Uint64)
		c.values[key] = v
	}
	return v
}

func (c *Counters) Add(key string, delta uint64) {
	if c == nil || key == "" {
		return
	}
	c.counter(key).Add(delta)
}

func (c *Counters) Store(key string, value uint64) {
	if c == nil || key == "" {
		return
	}
	c.counter(key).Store(value)
}

// Snapshot returns a copy of every counter's current value.
func (c *Counters) Snapshot() map[string]uint64 {
	if c == nil {
		return map[string]uint64{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v.Load()
	}
	return out
}

// Merged returns the union of several snapshots; later ones win on key clashes.
func Merged(snapshots ...map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64)
	for _, s := range snapshots {
		maps.Copy(out, s)
	}
	return out
}

type nopMetrics struct{}

func (nopMetrics) Add(string, uint64)   {}
func (nopMetrics) Store(string, uint64) {}

// NopMetrics discards every update.
func NopMetrics() Metrics {
	return nopMetrics{}
}
