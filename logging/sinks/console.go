package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/teknokomo/universo-platformo-react-sub028/logging"
)

// Console renders events as human-readable lines through logrus.
type Console struct {
	logger *logrus.Logger
}

func NewConsole(w io.Writer, cfg logging.ConsoleConfig) *Console {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(logrus.DebugLevel)
	logger.Formatter = &logrus.TextFormatter{
		ForceColors:   cfg.UseColor,
		DisableColors: !cfg.UseColor,
		FullTimestamp: true,
	}
	return &Console{logger: logger}
}

func (s *Console) Write(event logging.Event) error {
	if s.logger == nil {
		return nil
	}
	fields := logrus.Fields{
		"tick":  event.Tick,
		"actor": formatEntity(event.Actor),
	}
	if event.Category != "" {
		fields["category"] = event.Category
	}
	if targets := formatTargets(event.Targets); targets != "" {
		fields["targets"] = targets
	}
	if event.Payload != nil {
		fields["payload"] = formatPayload(event.Payload)
	}
	if event.TraceID != "" {
		fields["trace"] = event.TraceID
	}
	for k, v := range event.Extra {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}

	entry := s.logger.WithFields(fields).WithTime(event.Time)
	msg := string(event.Type)
	switch event.Severity {
	case logging.SeverityDebug:
		entry.Debug(msg)
	case logging.SeverityWarn:
		entry.Warn(msg)
	case logging.SeverityError:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

func (s *Console) Close(context.Context) error {
	return nil
}

func formatEntity(ref logging.EntityRef) string {
	if ref.ID == "" {
		return string(ref.Kind)
	}
	if ref.Kind == "" {
		return ref.ID
	}
	return fmt.Sprintf("%s:%s", ref.Kind, ref.ID)
}

func formatTargets(targets []logging.EntityRef) string {
	if len(targets) == 0 {
		return ""
	}
	parts := make([]string, 0, len(targets))
	for _, target := range targets {
		parts = append(parts, formatEntity(target))
	}
	return strings.Join(parts, ",")
}

func formatPayload(payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}
