package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carelink/voice-relay/internal/observability/metrics"
	"github.com/carelink/voice-relay/pkg/logging"
)

// ErrAgentUnavailable is returned when the agent handshake does not complete
// within the configured timeout, or the agent service refuses the connection.
var ErrAgentUnavailable = errors.New("agent: agent unavailable")

// ErrSessionNotOpen is returned by SendAudio outside the OPEN state. During
// teardown the session passes through CLOSING while end-of-conversation
// events are still in flight; callers should drop the frame, not fail the
// call.
var ErrSessionNotOpen = errors.New("agent: session not open")

// SessionState tracks the controller lifecycle for one agent connection.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionOpen
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "CONNECTING"
	case SessionOpen:
		return "OPEN"
	case SessionClosing:
		return "CLOSING"
	case SessionClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("SessionState(%d)", int32(s))
}

// Config configures the Controller.
type Config struct {
	// WSURL is the conversational-AI WebSocket endpoint.
	WSURL   string
	APIKey  string
	AgentID string
	// HandshakeTimeout bounds connection dial plus session initiation.
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Metrics          *metrics.RelayMetrics
	Logger           *logging.Logger
}

// Controller opens agent sessions. One Session per call.
type Controller struct {
	wsURL            string
	apiKey           string
	agentID          string
	handshakeTimeout time.Duration
	dialer           *websocket.Dialer
	metrics          *metrics.RelayMetrics
	logger           *logging.Logger
}

// NewController validates cfg and returns a Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.WSURL == "" {
		return nil, errors.New("agent: WS URL is required")
	}
	if cfg.AgentID == "" {
		return nil, errors.New("agent: agent id is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	return &Controller{
		wsURL:            cfg.WSURL,
		apiKey:           cfg.APIKey,
		agentID:          cfg.AgentID,
		handshakeTimeout: cfg.HandshakeTimeout,
		dialer:           dialer,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
	}, nil
}

// Open establishes the agent connection for one call, injects the dynamic
// variables in the session-initiation message, and waits for the initiation
// acknowledgement. The whole handshake is bounded by HandshakeTimeout;
// failures return ErrAgentUnavailable with no session left open.
func (c *Controller) Open(ctx context.Context, callID string, dynamicVariables map[string]string) (*Session, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	endpoint, err := c.buildEndpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("xi-api-key", c.apiKey)
	}

	conn, _, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrAgentUnavailable, err)
	}

	deadline := started.Add(c.handshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(newInitiationMessage(dynamicVariables)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: send initiation: %v", ErrAgentUnavailable, err)
	}

	// The first server frame must acknowledge the initiation.
	_ = conn.SetReadDeadline(deadline)
	if err := awaitInitiationAck(conn); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	c.metrics.ObserveHandshake(time.Since(started).Seconds())
	c.logger.Info("agent session open", "call_id", callID, "handshake_ms", time.Since(started).Milliseconds())

	s := &Session{
		callID: callID,
		conn:   conn,
		events: make(chan Event, 32),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	s.state.Store(int32(SessionOpen))
	go s.readLoop()
	return s, nil
}

func (c *Controller) buildEndpoint() (string, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return "", fmt.Errorf("agent: invalid WS URL: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", c.agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func awaitInitiationAck(conn *websocket.Conn) error {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: handshake read: %v", ErrAgentUnavailable, err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: handshake decode: %v", ErrAgentUnavailable, err)
	}
	if msg.Type != initiationAckType {
		return fmt.Errorf("%w: unexpected handshake message %q", ErrAgentUnavailable, msg.Type)
	}
	return nil
}

// Session is one live agent connection. Lifecycle:
// CONNECTING -> OPEN -> CLOSING -> CLOSED. CLOSING is entered either when
// the agent reports conversation_ended or on an external Close; both paths
// send a close handshake before releasing the connection.
type Session struct {
	callID string
	conn   *websocket.Conn
	events chan Event
	// done unblocks readLoop's event delivery once the session is closed;
	// closing the connection alone only interrupts ReadMessage.
	done   chan struct{}
	logger *logging.Logger

	state     atomic.Int32
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// State returns the controller lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Events returns the parsed message stream. The channel closes when the
// connection is gone; a close without a preceding EventConversationEnded
// means the connection was lost.
func (s *Session) Events() <-chan Event {
	return s.events
}

// SendAudio forwards one caller audio frame (base64 payload) to the agent.
func (s *Session) SendAudio(payloadB64 string) error {
	if st := s.State(); st != SessionOpen {
		return fmt.Errorf("%w: state %s", ErrSessionNotOpen, st)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(audioChunkMessage{UserAudioChunk: payloadB64}); err != nil {
		return fmt.Errorf("agent: send audio: %w", err)
	}
	return nil
}

// Close performs the close handshake and releases the connection. Safe to
// call multiple times and from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(SessionClosing))
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
		s.state.Store(int32(SessionClosed))
	})
	return nil
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() == SessionOpen {
				s.logger.Warn("agent connection closed", "call_id", s.callID, "error", err)
			}
			return
		}

		ev, err := parseServerMessage(data)
		if err != nil {
			// One malformed frame never tears down the call.
			s.logger.Warn("dropping malformed agent message", "call_id", s.callID, "error", err)
			continue
		}

		switch ev.Kind {
		case EventPing:
			s.sendPong(ev.PingID)
		case EventUnknown:
			s.logger.Debug("ignoring unknown agent message", "call_id", s.callID, "type", ev.RawType)
		case EventConversationEnded:
			s.state.CompareAndSwap(int32(SessionOpen), int32(SessionClosing))
			if !s.deliver(ev) {
				return
			}
		default:
			if !s.deliver(ev) {
				return
			}
		}
	}
}

// deliver hands an event to the consumer, giving up once the session is
// closed so a stopped consumer never strands this goroutine.
func (s *Session) deliver(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) sendPong(eventID int) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(pongMessage{Type: "pong", EventID: eventID}); err != nil {
		s.logger.Debug("failed to answer agent ping", "call_id", s.callID, "error", err)
	}
}
