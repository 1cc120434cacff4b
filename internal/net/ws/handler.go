package ws

import (
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/net/proto"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/relay"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/sequence"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/telemetry"
	"github.com/teknokomo/universo-platformo-react-sub028/logging"
	lognet "github.com/teknokomo/universo-platformo-react-sub028/logging/network"
)

const (
	metricMalformedFrames = "ws_malformed_frames_total"
	metricSessionsOpened  = "ws_sessions_opened_total"
	metricPanics          = "ws_panics_total"
)

// Relay is the subset of the relay the handler drives.
type Relay interface {
	Register(ctx context.Context, sender relay.Sender) error
	Unregister(id string)
	HandleInput(ctx context.Context, sessionID string, seq int64, kind string, payload json.RawMessage) (sequence.Result, error)
	HandleAck(ctx context.Context, sessionID string, tick uint64) error
	HandlePing(sessionID string, clientSendMs, serverRecvMs int64) error
	HandleKeyframeRequest(ctx context.Context, sessionID string, tick uint64) error
}

type HandlerConfig struct {
	Logger       telemetry.Logger
	Publisher    logging.Publisher
	Metrics      telemetry.Metrics
	SendBuffer   int
	WriteTimeout time.Duration
	Now          func() time.Time
}

type Handler struct {
	relay    Relay
	logger   telemetry.Logger
	pub      logging.Publisher
	metrics  telemetry.Metrics
	upgrader websocket.Upgrader
	cfg      HandlerConfig
	now      func() time.Time
}

func NewHandler(r Relay, cfg HandlerConfig) *Handler {
	h := &Handler{
		relay:   r,
		logger:  cfg.Logger,
		pub:     cfg.Publisher,
		metrics: cfg.Metrics,
		cfg:     cfg,
		now:     cfg.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
	if h.logger == nil {
		h.logger = telemetry.LoggerFunc(nil)
	}
	if h.pub == nil {
		h.pub = logging.NopPublisher()
	}
	if h.metrics == nil {
		h.metrics = telemetry.NopMetrics()
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.cfg.SendBuffer <= 0 {
		h.cfg.SendBuffer = 64
	}
	return h
}

func (h *Handler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	session := newSession(conn, h.cfg.SendBuffer, h.cfg.WriteTimeout)
	session.onWriteError = func(err error) {
		h.logger.Printf("write to %s failed: %v", session.ID(), err)
	}
	ctx := r.Context()
	actor := logging.SessionRef(session.ID())
	go session.writeLoop()

	if err := h.relay.Register(ctx, session); err != nil {
		h.logger.Printf("register %s failed: %v", session.ID(), err)
		session.Close()
		return
	}
	h.metrics.Add(metricSessionsOpened, 1)
	lognet.SessionOpened(ctx, h.pub, 0, actor, lognet.SessionPayload{Remote: r.RemoteAddr})

	reason := "closed"
	defer func() {
		h.relay.Unregister(session.ID())
		session.Close()
		lognet.SessionClosed(context.WithoutCancel(ctx), h.pub, 0, actor, lognet.SessionPayload{Remote: r.RemoteAddr, Reason: reason})
	}()
	defer h.recoverSession(session, &reason)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = err.Error()
			}
			return
		}
		recvMs := h.now().UnixMilli()

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.metrics.Add(metricMalformedFrames, 1)
			h.logger.Printf("discarding malformed message from %s: %v", session.ID(), err)
			continue
		}
		if err := h.dispatch(ctx, session.ID(), msg, recvMs); err != nil {
			h.logger.Printf("message %s from %s: %v", msg.Type, session.ID(), err)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, id string, msg proto.ClientMessage, recvMs int64) error {
	switch msg.Type {
	case proto.TypeInput:
		_, err := h.relay.HandleInput(ctx, id, msg.Seq, msg.Kind, msg.Payload)
		return err
	case proto.TypeAck:
		return h.relay.HandleAck(ctx, id, msg.Tick)
	case proto.TypePing:
		return h.relay.HandlePing(id, msg.ClientSend, recvMs)
	case proto.TypeKeyframeReq:
		return h.relay.HandleKeyframeRequest(ctx, id, msg.Tick)
	default:
		return fmt.Errorf("unhandled message type %q", msg.Type)
	}
}

func (h *Handler) recoverSession(session *Session, reason *string) {
	err := recover()
	if err == nil {
		return
	}
	*reason = "panic"
	h.metrics.Add(metricPanics, 1)
	h.logger.Printf("session %s panic: %v", session.ID(), err)
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("conn_type", "websocket")
		scope.SetTag("session", session.ID())
	})
	hub.Recover(err)
	hub.Flush(5 * time.Second)
}
