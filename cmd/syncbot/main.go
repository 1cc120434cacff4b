// Command syncbot connects a mirror to a running relay, launches a ship and
// keeps thrusting it while reporting the estimated clock state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/config"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/mirror"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/telemetry"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay websocket url")
	interval := flag.Duration("interval", time.Second, "ping and thrust interval")
	configPath := flag.String("config", "", "optional YAML config file shared with the server")
	flag.Parse()

	logger := logrus.New()
	settings, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if err := settings.ApplyEnv(os.LookupEnv); err != nil {
		logger.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mirrorCfg := mirror.DefaultConfig()
	mirrorCfg.ClockWindow = settings.Clock.Window
	mirrorCfg.ClockAlpha = settings.Clock.Alpha
	mirrorCfg.IntentCapacity = settings.Sessions.IntentBuffer
	m, err := mirror.New(mirrorCfg)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	client, err := mirror.Dial(ctx, *url, m, telemetry.WrapLogger(logger))
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	if err := client.SendInput("launch", nil); err != nil {
		logger.Fatalf("launch: %v", err)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	thrust := json.RawMessage(`{"delta":0.01}`)
	for {
		select {
		case err := <-done:
			if err != nil {
				logger.Fatalf("%v", err)
			}
			return
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				logger.Warnf("ping: %v", err)
				continue
			}
			if err := client.SendInput("thrust", thrust); err != nil {
				logger.Warnf("thrust: %v", err)
			}
			clock := m.Clock()
			snap := m.Snapshot()
			logger.WithFields(logrus.Fields{
				"tick":     snap.Tick,
				"entities": len(snap.Entities),
				"offsetMs": clock.OffsetMs,
				"rttMs":    clock.RTTMs,
				"jitterMs": clock.JitterMs,
				"pending":  len(m.Pending()),
			}).Info("mirror state")
		}
	}
}
