package app

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
	"github.com/sirupsen/logrus"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/config"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/demo"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/journal"
	servernet "github.com/teknokomo/universo-platformo-react-sub028/internal/net"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/net/ws"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/observability"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/relay"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/telemetry"
	"github.com/teknokomo/universo-platformo-react-sub028/logging"
	loggingSinks "github.com/teknokomo/universo-platformo-react-sub028/logging/sinks"
)

type Config struct {
	Logger        telemetry.Logger
	Settings      config.Config
	Observability observability.Config
	// World overrides the demo world.
	World relay.WorldSource
}

// Run serves the relay until ctx is done.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(logrus.StandardLogger())
	}

	fallbackLogger := logrus.StandardLogger()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *logrus.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	settings := cfg.Settings
	if err := settings.Validate(); err != nil {
		return err
	}

	observabilityCfg := cfg.Observability
	if observabilityCfg.SentryDSN == "" {
		observabilityCfg.SentryDSN = settings.SentryDSN
		observabilityCfg.SentryEnvironment = settings.SentryEnvironment
	}
	if observabilityCfg.StatsviewAddr == "" {
		observabilityCfg.StatsviewAddr = settings.StatsviewAddr
	}

	if observabilityCfg.SentryEnabled() {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         observabilityCfg.SentryDSN,
			Environment: observabilityCfg.SentryEnvironment,
		}); err != nil {
			return fmt.Errorf("failed to initialise sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	logConfig := loggingConfig(settings, observabilityCfg)
	sinks, closeFiles, err := buildSinks(logConfig)
	if err != nil {
		return err
	}
	defer closeFiles()

	router, err := logging.NewRouter(nil, logConfig, sinks, fallbackLogger)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	counters := telemetry.NewCounters()
	world := cfg.World
	var sink relay.IntentSink
	if world == nil {
		orbit := demo.NewOrbit(4)
		world, sink = orbit, orbit
	} else if s, ok := world.(relay.IntentSink); ok {
		sink = s
	}

	keyframes := journal.New(settings.Keyframes.Capacity, settings.Keyframes.MaxAge, journal.WithMetrics(counters))
	r := relay.New(world, sink, keyframes, relay.Config{
		TickRate:         settings.TickRate,
		KeyframeInterval: settings.Keyframes.Interval,
		Epsilon:          settings.Delta.Epsilon,
		Publisher:        router,
		Metrics:          counters,
		Logger:           telemetryLogger,
	})

	socket := ws.NewHandler(r, ws.HandlerConfig{
		Logger:       telemetryLogger,
		Publisher:    router,
		Metrics:      counters,
		SendBuffer:   settings.Sessions.SendBuffer,
		WriteTimeout: settings.Sessions.WriteTimeout,
	})
	handler := servernet.NewHTTPHandler(r, socket, servernet.HTTPHandlerConfig{
		Logger:   telemetryLogger,
		TickRate: settings.TickRate,
		Telemetry: func() map[string]uint64 {
			stats := router.Stats()
			return telemetry.Merged(counters.Snapshot(), map[string]uint64{
				"logging_events_total":  stats.EventsTotal,
				"logging_dropped_total": stats.DroppedTotal,
			})
		},
	})

	if observabilityCfg.StatsviewEnabled() {
		viewer.SetConfiguration(viewer.WithAddr(observabilityCfg.StatsviewAddr))
		mgr := statsview.New()
		go mgr.Start()
		defer mgr.Stop()
		telemetryLogger.Printf("statsview listening on %s", observabilityCfg.StatsviewAddr)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	relayDone := make(chan error, 1)
	go func() { relayDone <- r.Run(runCtx) }()

	srv := &nethttp.Server{Addr: settings.ListenAddr, Handler: handler}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	telemetryLogger.Printf("server listening on %s", srv.Addr)

	select {
	case err := <-serveErr:
		stop()
		<-relayDone
		if errors.Is(err, nethttp.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetryLogger.Printf("server shutdown: %v", err)
	}
	<-relayDone
	return nil
}

func loggingConfig(settings config.Config, obs observability.Config) logging.Config {
	logConfig := logging.DefaultConfig()
	if len(settings.Logging.Sinks) > 0 {
		logConfig.EnabledSinks = append([]string(nil), settings.Logging.Sinks...)
	}
	if settings.Logging.Severity != "" {
		logConfig.MinimumSeverity = logging.ParseSeverity(settings.Logging.Severity)
	}
	logConfig.JSON.FilePath = settings.Logging.JSONPath
	logConfig.Console.UseColor = settings.Logging.Color
	logConfig.Sentry.DSN = obs.SentryDSN
	logConfig.Sentry.Environment = obs.SentryEnvironment
	if obs.SentryEnabled() && !logConfig.HasSink("sentry") {
		logConfig.EnabledSinks = append(logConfig.EnabledSinks, "sentry")
	}
	return logConfig
}

func buildSinks(cfg logging.Config) ([]logging.NamedSink, func(), error) {
	var sinks []logging.NamedSink
	var files []*os.File
	closeFiles := func() {
		for _, f := range files {
			f.Close()
		}
	}
	for _, name := range cfg.EnabledSinks {
		switch name {
		case "console":
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewConsole(os.Stdout, cfg.Console)})
		case "json":
			out := os.Stdout
			if cfg.JSON.FilePath != "" {
				f, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					closeFiles()
					return nil, nil, fmt.Errorf("open json log %s: %w", cfg.JSON.FilePath, err)
				}
				files = append(files, f)
				out = f
			}
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewJSON(out, cfg.JSON.FlushInterval)})
		case "sentry":
			if cfg.Sentry.DSN == "" {
				continue
			}
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewSentry(nil, cfg.Sentry.MinSeverity)})
		default:
			closeFiles()
			return nil, nil, fmt.Errorf("unknown logging sink %q", name)
		}
	}
	return sinks, closeFiles, nil
}
