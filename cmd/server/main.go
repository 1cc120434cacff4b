package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/app"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/config"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	settings, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if err := settings.ApplyEnv(os.LookupEnv); err != nil {
		logger.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{
		Logger:   telemetry.WrapLogger(logger),
		Settings: settings,
	}); err != nil {
		logger.Fatalf("%v", err)
	}
}
