package agent

import (
	"encoding/json"
	"fmt"
)

// EventKind is the closed set of agent-side message variants. Payloads are
// parsed into these at the connection boundary; unrecognized message types
// become EventUnknown and are logged and dropped rather than propagated.
type EventKind int

const (
	EventUnknown EventKind = iota
	// EventAudio carries a chunk of agent speech for playback to the caller.
	EventAudio
	// EventInterruption means the caller spoke over the agent; any queued
	// playback audio must be discarded.
	EventInterruption
	// EventConversationEnded means the agent finished; Outcome carries the
	// variables it extracted during the conversation.
	EventConversationEnded
	// EventPing is answered internally with a pong and never surfaced.
	EventPing
)

// Event is one parsed message from the agent connection.
type Event struct {
	Kind     EventKind
	AudioB64 string
	Outcome  map[string]string
	PingID   int
	RawType  string
}

// serverMessage mirrors the conversational-AI WebSocket envelope. Only the
// fields the relay cares about are decoded.
type serverMessage struct {
	Type                   string                  `json:"type"`
	AudioEvent             *audioEvent             `json:"audio_event,omitempty"`
	PingEvent              *pingEvent              `json:"ping_event,omitempty"`
	ConversationEndedEvent *conversationEndedEvent `json:"conversation_ended_event,omitempty"`
}

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int    `json:"event_id"`
}

type pingEvent struct {
	EventID int `json:"event_id"`
	PingMS  int `json:"ping_ms"`
}

type conversationEndedEvent struct {
	Reason        string            `json:"reason,omitempty"`
	CollectedData map[string]string `json:"collected_data,omitempty"`
}

// initiationMessage opens the agent session and injects the call's dynamic
// variables. Sent exactly once, immediately after the connection opens.
type initiationMessage struct {
	Type             string            `json:"type"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

func newInitiationMessage(dynamicVariables map[string]string) initiationMessage {
	return initiationMessage{
		Type:             "conversation_initiation_client_data",
		DynamicVariables: dynamicVariables,
	}
}

// audioChunkMessage carries one caller audio frame to the agent.
type audioChunkMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

const initiationAckType = "conversation_initiation_metadata"

// parseServerMessage decodes one frame from the agent connection into a
// tagged Event. A JSON error is a protocol error for that frame only.
func parseServerMessage(data []byte) (Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("agent: malformed server message: %w", err)
	}

	switch msg.Type {
	case "audio":
		if msg.AudioEvent == nil {
			return Event{}, fmt.Errorf("agent: audio message without audio_event")
		}
		return Event{Kind: EventAudio, AudioB64: msg.AudioEvent.AudioBase64}, nil
	case "interruption":
		return Event{Kind: EventInterruption}, nil
	case "conversation_ended":
		ev := Event{Kind: EventConversationEnded}
		if msg.ConversationEndedEvent != nil {
			ev.Outcome = msg.ConversationEndedEvent.CollectedData
		}
		return ev, nil
	case "ping":
		ev := Event{Kind: EventPing}
		if msg.PingEvent != nil {
			ev.PingID = msg.PingEvent.EventID
		}
		return ev, nil
	default:
		return Event{Kind: EventUnknown, RawType: msg.Type}, nil
	}
}
