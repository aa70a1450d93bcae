package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carelink/voice-relay/internal/agent"
	"github.com/carelink/voice-relay/internal/session"
)

// bridge relays one call between the telephony media stream and the agent
// connection. It is two unidirectional pumps (telephony reader on the serve
// goroutine, agent reader on its own) coupled only through the session state
// machine and a shared cancellation context: either leg failing cancels the
// other deterministically.
type bridge struct {
	h    *Handler
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	callID    string
	streamSID string
	vars      map[string]string
	started   bool

	agent    AgentSession
	playback *playbackQueue

	writeMu sync.Mutex
	endOnce sync.Once
	wg      sync.WaitGroup
}

func newBridge(h *Handler, conn *websocket.Conn) *bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &bridge{
		h:      h,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		playback: newPlaybackQueue(h.queueSize, func() {
			h.metrics.ObserveDrop("overflow")
		}),
	}
}

// run is the telephony pump. It owns the websocket read loop and dispatches
// parsed frames until the stream stops or either leg fails.
func (b *bridge) run() {
	defer b.end(session.EndReasonError, nil)

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			// Reads fail after end() closes the socket; a failure before
			// that means the caller leg dropped.
			select {
			case <-b.ctx.Done():
			default:
				b.h.logger.Warn("media stream closed", "call_id", b.callID, "error", err)
				b.end(session.EndReasonError, nil)
			}
			return
		}

		msg, err := parseStreamMessage(data)
		if err != nil {
			// Drop the malformed frame, keep the call alive.
			b.h.logger.Warn("dropping malformed media message", "call_id", b.callID, "error", err)
			b.h.metrics.ObserveDrop("protocol")
			continue
		}

		switch msg.Kind {
		case KindConnected:
			b.h.logger.Debug("media stream protocol connected")
		case KindStreamStart:
			b.onStart(msg)
		case KindMediaFrame:
			b.onMedia(msg)
		case KindStreamStop:
			b.h.logger.Info("media stream stopped", "call_id", b.callID)
			b.end(session.EndReasonCallerHangup, nil)
			return
		case KindMark:
			// Playback marker acks are informational.
		case KindUnknown:
			b.h.logger.Debug("ignoring unknown media event", "event", msg.RawEvent)
		}
	}
}

// onStart binds the stream to its call session and moves it to
// MEDIA_CONNECTED. A stream for an unregistered call id (an inbound leg that
// skipped the voice webhook) gets a fresh session.
func (b *bridge) onStart(msg Message) {
	b.callID = msg.CallSID
	b.streamSID = msg.StreamSID

	s, err := b.h.registry.Get(b.ctx, b.callID)
	if errors.Is(err, session.ErrNotFound) {
		s, err = b.h.registry.Create(b.ctx, b.callID, nil)
	}
	if err != nil {
		b.h.logger.Error("media stream for unresolvable call", "call_id", b.callID, "error", err)
		b.end(session.EndReasonError, nil)
		return
	}
	b.vars = s.DynamicVariables

	if _, err := b.h.registry.Update(b.ctx, b.callID, func(s *session.CallSession) error {
		return s.AdvanceTo(session.StateMediaConnected)
	}); err != nil {
		b.h.logger.Error("failed to mark media connected", "call_id", b.callID, "error", err)
		b.end(session.EndReasonError, nil)
		return
	}

	b.started = true
	b.h.metrics.CallStarted()
	b.h.logger.Info("media stream started", "call_id", b.callID, "stream_sid", b.streamSID)
}

// onMedia forwards one caller audio frame to the agent, lazily opening the
// agent session on the first frame. No audio is relayed before the session
// reaches AGENT_CONNECTED.
func (b *bridge) onMedia(msg Message) {
	if b.callID == "" {
		b.h.logger.Warn("media frame before stream start, dropping")
		b.h.metrics.ObserveDrop("protocol")
		return
	}

	if b.agent == nil {
		if !b.connectAgent() {
			return
		}
	}

	if err := b.agent.SendAudio(msg.PayloadB64); err != nil {
		if errors.Is(err, agent.ErrSessionNotOpen) {
			// The agent is tearing down; the pending end event settles the
			// call with its real reason and outcome.
			b.h.metrics.ObserveDrop("closing")
			return
		}
		b.h.logger.Error("failed to forward caller audio", "call_id", b.callID, "error", err)
		b.end(session.EndReasonError, nil)
		return
	}
	b.h.metrics.ObserveFrame("inbound")
}

// connectAgent opens the agent session exactly once per call. On handshake
// failure the call is still hung up cleanly rather than left open.
func (b *bridge) connectAgent() bool {
	agentSession, err := b.h.agents.Open(b.ctx, b.callID, b.vars)
	if err != nil {
		b.h.logger.Error("agent session failed to open", "call_id", b.callID, "error", err)
		b.end(session.EndReasonError, nil)
		return false
	}
	b.agent = agentSession

	if _, err := b.h.registry.Update(b.ctx, b.callID, func(s *session.CallSession) error {
		return s.AdvanceTo(session.StateAgentConnected)
	}); err != nil {
		b.h.logger.Error("failed to mark agent connected", "call_id", b.callID, "error", err)
		b.end(session.EndReasonError, nil)
		return false
	}

	b.wg.Add(2)
	go b.agentPump()
	go b.playbackWriter()
	b.h.logger.Info("agent connected", "call_id", b.callID)
	return true
}

// agentPump is the agent-side pump: it consumes parsed agent events and
// feeds the playback queue until the conversation ends or a leg fails.
func (b *bridge) agentPump() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev, ok := <-b.agent.Events():
			if !ok {
				b.end(session.EndReasonError, nil)
				return
			}
			switch ev.Kind {
			case agent.EventAudio:
				b.playback.push(ev.AudioB64)
			case agent.EventInterruption:
				cleared := b.playback.clear()
				b.sendClear()
				b.h.logger.Debug("interruption: cleared queued playback", "call_id", b.callID, "frames", cleared)
			case agent.EventConversationEnded:
				b.end(session.EndReasonAgentCompleted, ev.Outcome)
				return
			}
		}
	}
}

// playbackWriter drains the playback queue onto the telephony stream,
// preserving arrival order.
func (b *bridge) playbackWriter() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case payload := <-b.playback.out():
			if err := b.writeStream(newMediaMessage(b.streamSID, payload)); err != nil {
				b.h.logger.Warn("failed to write playback audio", "call_id", b.callID, "error", err)
				b.end(session.EndReasonError, nil)
				return
			}
			b.h.metrics.ObserveFrame("outbound")
		}
	}
}

func (b *bridge) sendClear() {
	if err := b.writeStream(newClearMessage(b.streamSID)); err != nil {
		b.h.logger.Warn("failed to send clear", "call_id", b.callID, "error", err)
	}
}

func (b *bridge) writeStream(v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(v)
}

// end terminates the call once: cancels both pumps, records the terminal
// state and outcome, emits the outcome notification (exactly once per call),
// asks the telephony provider to hang up, and releases both connections.
func (b *bridge) end(reason session.EndReason, outcome map[string]string) {
	b.endOnce.Do(func() {
		b.cancel()

		var snapshot *session.CallSession
		claimed := false
		if b.callID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			snap, err := b.h.registry.Update(ctx, b.callID, func(s *session.CallSession) error {
				s.SetOutcome(outcome)
				if !s.Ended() {
					if err := s.End(reason); err != nil {
						return err
					}
				}
				if !s.Reported {
					s.Reported = true
					claimed = true
				}
				return nil
			})
			if err != nil {
				b.h.logger.Error("failed to finalize session", "call_id", b.callID, "error", err)
			} else {
				snapshot = snap
			}

			if claimed && snapshot != nil {
				if err := b.h.notifier.NotifyCallEnded(ctx, snapshot); err != nil {
					b.h.logger.Error("failed to deliver outcome notification", "call_id", b.callID, "error", err)
				}
				if err := b.h.registry.Evict(ctx, b.callID); err != nil {
					b.h.logger.Warn("failed to evict session", "call_id", b.callID, "error", err)
				}
			}

			finalReason := reason
			if snapshot != nil {
				finalReason = snapshot.EndReason
			}
			if finalReason != session.EndReasonCallerHangup {
				if err := b.h.calls.Hangup(ctx, b.callID); err != nil {
					b.h.logger.Warn("failed to hang up call", "call_id", b.callID, "error", err)
				}
			}
			if b.started {
				b.h.metrics.CallEnded(string(finalReason))
			}
			b.h.logger.Info("call ended", "call_id", b.callID, "end_reason", string(finalReason))
		}

		if b.agent != nil {
			_ = b.agent.Close()
		}
		_ = b.conn.Close()
	})
}
