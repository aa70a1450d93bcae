package relay

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/carelink/voice-relay/internal/agent"
	"github.com/carelink/voice-relay/internal/observability/metrics"
	"github.com/carelink/voice-relay/internal/session"
	"github.com/carelink/voice-relay/pkg/logging"
)

// AgentSession is the relay's view of one live agent conversation.
type AgentSession interface {
	SendAudio(payloadB64 string) error
	Events() <-chan agent.Event
	Close() error
}

// AgentDialer opens agent sessions on demand.
type AgentDialer interface {
	Open(ctx context.Context, callID string, dynamicVariables map[string]string) (AgentSession, error)
}

// CallTerminator hangs up the telephony leg of a call.
type CallTerminator interface {
	Hangup(ctx context.Context, callID string) error
}

// OutcomeNotifier delivers the end-of-call outcome to the downstream consumer.
type OutcomeNotifier interface {
	NotifyCallEnded(ctx context.Context, s *session.CallSession) error
}

// HandlerConfig holds the dependencies for the media stream endpoint.
type HandlerConfig struct {
	Registry session.Registry
	Agents   AgentDialer
	Calls    CallTerminator
	Notifier OutcomeNotifier
	Metrics  *metrics.RelayMetrics
	Logger   *logging.Logger
	// QueueSize bounds the per-call playback buffer; zero means the default.
	QueueSize int
}

// Handler accepts telephony media stream connections and runs one bridge per
// call until the call ends.
type Handler struct {
	registry  session.Registry
	agents    AgentDialer
	calls     CallTerminator
	notifier  OutcomeNotifier
	metrics   *metrics.RelayMetrics
	logger    *logging.Logger
	queueSize int
	upgrader  websocket.Upgrader
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("relay: registry is required")
	}
	if cfg.Agents == nil {
		return nil, errors.New("relay: agent dialer is required")
	}
	if cfg.Calls == nil {
		return nil, errors.New("relay: call terminator is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("relay: outcome notifier is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Handler{
		registry:  cfg.Registry,
		agents:    cfg.Agents,
		calls:     cfg.Calls,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		queueSize: cfg.QueueSize,
		upgrader: websocket.Upgrader{
			// The telephony provider does not send a browser Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// ServeMediaStream upgrades the request and relays the call until it ends.
// The handler returns when the bridge does, which keeps the connection's
// lifetime tied to the HTTP server's.
func (h *Handler) ServeMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("media stream upgrade failed", "error", err)
		return
	}

	h.logger.Debug("media stream connection accepted", "remote", r.RemoteAddr)
	b := newBridge(h, conn)
	b.run()
	b.wg.Wait()
}
