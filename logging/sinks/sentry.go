package sinks

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/teknokomo/universo-platformo-react-sub028/logging"
)

// Sentry forwards events at or above a severity to a sentry hub.
type Sentry struct {
	hub          *sentry.Hub
	minSeverity  logging.Severity
	flushTimeout time.Duration
}

// NewSentry forwards through hub; a nil hub uses a clone of the current hub.
func NewSentry(hub *sentry.Hub, minSeverity logging.Severity) *Sentry {
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}
	return &Sentry{hub: hub, minSeverity: minSeverity, flushTimeout: 5 * time.Second}
}

func (s *Sentry) Write(event logging.Event) error {
	if event.Severity < s.minSeverity {
		return nil
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(event.Severity))
		scope.SetTag("event_type", string(event.Type))
		scope.SetTag("actor", formatEntity(event.Actor))
		if event.Category != "" {
			scope.SetTag("category", event.Category)
		}
		if event.TraceID != "" {
			scope.SetTag("trace_id", event.TraceID)
		}
		details := sentry.Context{"tick": event.Tick}
		if event.Payload != nil {
			details["payload"] = formatPayload(event.Payload)
		}
		for k, v := range event.Extra {
			details[k] = v
		}
		scope.SetContext("sync_event", details)
		s.hub.CaptureMessage(string(event.Type))
	})
	return nil
}

func (s *Sentry) Close(context.Context) error {
	s.hub.Flush(s.flushTimeout)
	return nil
}

func sentryLevel(sev logging.Severity) sentry.Level {
	switch sev {
	case logging.SeverityDebug:
		return sentry.LevelDebug
	case logging.SeverityInfo:
		return sentry.LevelInfo
	case logging.SeverityWarn:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}
