package net

import (
	"encoding/json"
	nethttp "net/http"
	"time"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/relay"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/telemetry"
)

type DiagnosticsSource interface {
	Diagnostics() relay.Diagnostics
}

type HTTPHandlerConfig struct {
	Logger   telemetry.Logger
	TickRate int
	// Telemetry returns the counters rendered by /diagnostics.
	Telemetry func() map[string]uint64
}

func NewHTTPHandler(source DiagnosticsSource, socket nethttp.Handler, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var counters map[string]uint64
		if cfg.Telemetry != nil {
			counters = cfg.Telemetry()
		}
		payload := struct {
			Status     string            `json:"status"`
			ServerTime int64             `json:"serverTime"`
			TickRate   int               `json:"tickRate"`
			Relay      relay.Diagnostics `json:"relay"`
			Telemetry  map[string]uint64 `json:"telemetry,omitempty"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			TickRate:   cfg.TickRate,
			Relay:      source.Diagnostics(),
			Telemetry:  counters,
		}

		data, err := json.Marshal(payload)
		if err != nil {
			logger.Printf("failed to encode diagnostics: %v", err)
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	if socket != nil {
		mux.Handle("/ws", socket)
	}

	return mux
}

func httpError(w nethttp.ResponseWriter, message string, status int) {
	nethttp.Error(w, message, status)
}
