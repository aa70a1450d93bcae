package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/voice-relay/pkg/logging"
)

// fakeAgentServer speaks just enough of the agent protocol for tests.
type fakeAgentServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// serve runs with the accepted connection after the handshake reply.
	serve func(conn *websocket.Conn, init initiationMessage)
	// ackType overrides the handshake reply type; empty means the normal ack.
	ackType string
}

func newFakeAgentServer(t *testing.T, serve func(conn *websocket.Conn, init initiationMessage)) *fakeAgentServer {
	t.Helper()
	f := &fakeAgentServer{t: t, serve: serve}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgentServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	var init initiationMessage
	if err := conn.ReadJSON(&init); err != nil {
		f.t.Errorf("read initiation: %v", err)
		return
	}

	ackType := f.ackType
	if ackType == "" {
		ackType = initiationAckType
	}
	if err := conn.WriteJSON(map[string]string{"type": ackType}); err != nil {
		return
	}

	if f.serve != nil {
		f.serve(conn, init)
	} else {
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func (f *fakeAgentServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func newTestController(t *testing.T, wsURL string) *Controller {
	t.Helper()
	c, err := NewController(Config{
		WSURL:            wsURL,
		AgentID:          "agent-1",
		APIKey:           "key",
		HandshakeTimeout: 2 * time.Second,
		Logger:           logging.New("error"),
	})
	require.NoError(t, err)
	return c
}

func TestOpenInjectsDynamicVariablesOnce(t *testing.T) {
	gotVars := make(chan map[string]string, 1)
	f := newFakeAgentServer(t, func(conn *websocket.Conn, init initiationMessage) {
		gotVars <- init.DynamicVariables
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestController(t, f.wsURL())
	s, err := c.Open(context.Background(), "CA1", map[string]string{"patient_name": "Jane Doe"})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, SessionOpen, s.State())
	select {
	case vars := <-gotVars:
		assert.Equal(t, map[string]string{"patient_name": "Jane Doe"}, vars)
	case <-time.After(time.Second):
		t.Fatal("server never received initiation")
	}
}

func TestOpenRejectsBadHandshake(t *testing.T) {
	f := newFakeAgentServer(t, nil)
	f.ackType = "something_else"

	c := newTestController(t, f.wsURL())
	_, err := c.Open(context.Background(), "CA1", nil)
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestOpenTimesOutWhenAgentSilent(t *testing.T) {
	// Server upgrades but never acknowledges the initiation.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	c, err := NewController(Config{
		WSURL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		AgentID:          "agent-1",
		HandshakeTimeout: 200 * time.Millisecond,
		Logger:           logging.New("error"),
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Open(context.Background(), "CA1", nil)
	require.ErrorIs(t, err, ErrAgentUnavailable)
	assert.Less(t, time.Since(start), time.Second, "handshake must be bounded")
}

func TestOpenRejectsUnreachableAgent(t *testing.T) {
	c, err := NewController(Config{
		WSURL:            "ws://127.0.0.1:1",
		AgentID:          "agent-1",
		HandshakeTimeout: 300 * time.Millisecond,
		Logger:           logging.New("error"),
	})
	require.NoError(t, err)

	_, err = c.Open(context.Background(), "CA1", nil)
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestSendAudioReachesAgent(t *testing.T) {
	gotAudio := make(chan string, 1)
	f := newFakeAgentServer(t, func(conn *websocket.Conn, _ initiationMessage) {
		var chunk audioChunkMessage
		if err := conn.ReadJSON(&chunk); err != nil {
			return
		}
		gotAudio <- chunk.UserAudioChunk
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestController(t, f.wsURL())
	s, err := c.Open(context.Background(), "CA1", nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SendAudio("AAAA"))
	select {
	case got := <-gotAudio:
		assert.Equal(t, "AAAA", got)
	case <-time.After(time.Second):
		t.Fatal("agent never received audio")
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	f := newFakeAgentServer(t, func(conn *websocket.Conn, _ initiationMessage) {
		frames := []string{
			`{"type":"audio","audio_event":{"audio_base_64":"one","event_id":1}}`,
			`{"type":"audio","audio_event":{"audio_base_64":"two","event_id":2}}`,
			`{"type":"interruption"}`,
			`{"type":"audio","audio_event":{"audio_base_64":"three","event_id":3}}`,
		}
		for _, fr := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(fr)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestController(t, f.wsURL())
	s, err := c.Open(context.Background(), "CA1", nil)
	require.NoError(t, err)
	defer s.Close()

	var got []Event
	for i := 0; i < 4; i++ {
		select {
		case ev := <-s.Events():
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	require.Len(t, got, 4)
	assert.Equal(t, "one", got[0].AudioB64)
	assert.Equal(t, "two", got[1].AudioB64)
	assert.Equal(t, EventInterruption, got[2].Kind)
	assert.Equal(t, "three", got[3].AudioB64)
}

func TestPingAnsweredWithPong(t *testing.T) {
	gotPong := make(chan pongMessage, 1)
	f := newFakeAgentServer(t, func(conn *websocket.Conn, _ initiationMessage) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","ping_event":{"event_id":9}}`)); err != nil {
			return
		}
		var pong pongMessage
		if err := conn.ReadJSON(&pong); err != nil {
			return
		}
		gotPong <- pong
	})

	c := newTestController(t, f.wsURL())
	s, err := c.Open(context.Background(), "CA1", nil)
	require.NoError(t, err)
	defer s.Close()

	select {
	case pong := <-gotPong:
		assert.Equal(t, "pong", pong.Type)
		assert.Equal(t, 9, pong.EventID)
	case <-time.After(time.Second):
		t.Fatal("agent never received pong")
	}
}

func TestConversationEndedMovesToClosing(t *testing.T) {
	f := newFakeAgentServer(t, func(conn *websocket.Conn, _ initiationMessage) {
		payload := map[string]any{
			"type": "conversation_ended",
			"conversation_ended_event": map[string]any{
				"collected_data": map[string]string{"selected_time": "2026-02-01T10:00:00Z"},
			},
		}
		data, _ := json.Marshal(payload)
		_ = conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestController(t, f.wsURL())
	s, err := c.Open(context.Background(), "CA1", nil)
	require.NoError(t, err)
	defer s.Close()

	select {
	case ev := <-s.Events():
		assert.Equal(t, EventConversationEnded, ev.Kind)
		assert.Equal(t, map[string]string{"selected_time": "2026-02-01T10:00:00Z"}, ev.Outcome)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for conversation end")
	}
	assert.Equal(t, SessionClosing, s.State())

	require.NoError(t, s.Close())
	assert.Equal(t, SessionClosed, s.State())
}

func TestSendAudioRejectedOutsideOpen(t *testing.T) {
	f := newFakeAgentServer(t, nil)

	c := newTestController(t, f.wsURL())
	s, err := c.Open(context.Background(), "CA1", nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	err = s.SendAudio("AAAA")
	assert.ErrorIs(t, err, ErrSessionNotOpen)
}

func TestCloseReleasesReadLoopWhenEventsUnconsumed(t *testing.T) {
	// Server floods far more frames than the events buffer holds; the client
	// never consumes them, so the read loop ends up blocked on delivery.
	f := newFakeAgentServer(t, func(conn *websocket.Conn, _ initiationMessage) {
		for i := 0; i < 100; i++ {
			frame := `{"type":"audio","audio_event":{"audio_base_64":"AAAA","event_id":1}}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestController(t, f.wsURL())
	s, err := c.Open(context.Background(), "CA1", nil)
	require.NoError(t, err)

	// Let the flood fill the buffer and park the read loop.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, s.Close())

	// The events channel must still close; a read loop stuck on a full
	// buffer would keep it open forever.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed after Close")
		}
	}
}

func TestEventsChannelClosesOnConnectionLoss(t *testing.T) {
	f := newFakeAgentServer(t, func(conn *websocket.Conn, _ initiationMessage) {
		conn.Close()
	})

	c := newTestController(t, f.wsURL())
	s, err := c.Open(context.Background(), "CA1", nil)
	require.NoError(t, err)
	defer s.Close()

	select {
	case _, ok := <-s.Events():
		assert.False(t, ok, "events channel should close without delivering events")
	case <-time.After(time.Second):
		t.Fatal("events channel never closed")
	}
}
