// Package config loads the relay settings from an optional YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the relay server.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	// TickRate is the number of simulation ticks per second.
	TickRate int `yaml:"tickRate"`

	Keyframes KeyframeConfig `yaml:"keyframes"`
	Clock     ClockConfig    `yaml:"clock"`
	Delta     DeltaConfig    `yaml:"delta"`
	Sessions  SessionConfig  `yaml:"sessions"`

	Logging LoggingConfig `yaml:"logging"`

	SentryDSN         string `yaml:"sentryDsn"`
	SentryEnvironment string `yaml:"sentryEnvironment"`
	StatsviewAddr     string `yaml:"statsviewAddr"`
}

type KeyframeConfig struct {
	Capacity int           `yaml:"capacity"`
	MaxAge   time.Duration `yaml:"maxAge"`
	// Interval is the number of ticks between recorded keyframes.
	Interval int `yaml:"interval"`
}

type ClockConfig struct {
	Window int     `yaml:"window"`
	Alpha  float64 `yaml:"alpha"`
}

type DeltaConfig struct {
	// Epsilon switches delta computation to tolerance-based float comparison
	// when positive.
	Epsilon float64 `yaml:"epsilon"`
}

type SessionConfig struct {
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	SendBuffer   int           `yaml:"sendBuffer"`
	IntentBuffer int           `yaml:"intentBuffer"`
}

type LoggingConfig struct {
	Sinks    []string `yaml:"sinks"`
	Severity string   `yaml:"severity"`
	JSONPath string   `yaml:"jsonPath"`
	Color    bool     `yaml:"color"`
}

func Default() Config {
	return Config{
		ListenAddr: ":8080",
		TickRate:   15,
		Keyframes: KeyframeConfig{
			Capacity: 8,
			MaxAge:   5 * time.Second,
			Interval: 30,
		},
		Clock: ClockConfig{
			Window: 16,
			Alpha:  0.2,
		},
		Sessions: SessionConfig{
			WriteTimeout: 5 * time.Second,
			SendBuffer:   64,
			IntentBuffer: 256,
		},
		Logging: LoggingConfig{
			Sinks:    []string{"console"},
			Severity: "info",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

const (
	EnvListenAddr       = "SYNC_LISTEN_ADDR"
	EnvTickRate         = "SYNC_TICK_RATE"
	EnvKeyframeCapacity = "SYNC_KEYFRAME_CAPACITY"
	EnvKeyframeInterval = "SYNC_KEYFRAME_INTERVAL"
	EnvClockWindow      = "SYNC_CLOCK_WINDOW"
	EnvClockAlpha       = "SYNC_CLOCK_ALPHA"
	EnvDeltaEpsilon     = "SYNC_DELTA_EPSILON"
	EnvSentryDSN        = "SYNC_SENTRY_DSN"
	EnvStatsviewAddr    = "SYNC_STATSVIEW_ADDR"
)

// ApplyEnv overrides fields from the environment. Malformed values are
// collected and returned together; valid ones are still applied.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	str := func(key string, dst *string) {
		if raw, ok := lookup(key); ok {
			*dst = raw
		}
	}
	integer := func(key string, dst *int) {
		raw, ok := lookup(key)
		if !ok || raw == "" {
			return
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s=%q: %w", key, raw, err))
			return
		}
		*dst = value
	}
	float := func(key string, dst *float64) {
		raw, ok := lookup(key)
		if !ok || raw == "" {
			return
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s=%q: %w", key, raw, err))
			return
		}
		*dst = value
	}

	str(EnvListenAddr, &c.ListenAddr)
	integer(EnvTickRate, &c.TickRate)
	integer(EnvKeyframeCapacity, &c.Keyframes.Capacity)
	integer(EnvKeyframeInterval, &c.Keyframes.Interval)
	integer(EnvClockWindow, &c.Clock.Window)
	float(EnvClockAlpha, &c.Clock.Alpha)
	float(EnvDeltaEpsilon, &c.Delta.Epsilon)
	str(EnvSentryDSN, &c.SentryDSN)
	str(EnvStatsviewAddr, &c.StatsviewAddr)
	return errors.Join(errs...)
}

// Validate reports the first setting the relay cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("config: listenAddr is required")
	case c.TickRate <= 0:
		return fmt.Errorf("config: tickRate must be positive, got %d", c.TickRate)
	case c.Keyframes.Capacity < 1:
		return fmt.Errorf("config: keyframes.capacity must be at least 1, got %d", c.Keyframes.Capacity)
	case c.Keyframes.Interval < 1:
		return fmt.Errorf("config: keyframes.interval must be at least 1, got %d", c.Keyframes.Interval)
	case c.Keyframes.MaxAge < 0:
		return fmt.Errorf("config: keyframes.maxAge must not be negative, got %s", c.Keyframes.MaxAge)
	case c.Clock.Window < 1:
		return fmt.Errorf("config: clock.window must be at least 1, got %d", c.Clock.Window)
	case c.Clock.Alpha <= 0 || c.Clock.Alpha > 1:
		return fmt.Errorf("config: clock.alpha must be in (0, 1], got %g", c.Clock.Alpha)
	case c.Delta.Epsilon < 0:
		return fmt.Errorf("config: delta.epsilon must not be negative, got %g", c.Delta.Epsilon)
	case c.Sessions.SendBuffer < 1:
		return fmt.Errorf("config: sessions.sendBuffer must be at least 1, got %d", c.Sessions.SendBuffer)
	case c.Sessions.IntentBuffer < 1:
		return fmt.Errorf("config: sessions.intentBuffer must be at least 1, got %d", c.Sessions.IntentBuffer)
	}
	return nil
}

// TickInterval converts TickRate into the ticker period.
func (c Config) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(c.TickRate)
}
