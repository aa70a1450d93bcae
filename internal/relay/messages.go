package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMediaProtocol marks a malformed telephony control message. The offending
// frame is logged and dropped; it never tears the call down on its own.
var ErrMediaProtocol = errors.New("relay: media protocol error")

// MessageKind is the closed set of telephony-side message variants.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	// KindConnected is the protocol preamble sent once per stream.
	KindConnected
	// KindStreamStart identifies the call and its media format.
	KindStreamStart
	// KindMediaFrame carries one base64 audio payload.
	KindMediaFrame
	// KindStreamStop means the telephony side ended the stream.
	KindStreamStop
	// KindMark acknowledges a playback marker.
	KindMark
)

// Message is one parsed telephony-side frame.
type Message struct {
	Kind       MessageKind
	StreamSID  string
	CallSID    string
	PayloadB64 string
	RawEvent   string
}

// streamMessage mirrors the Twilio Media Streams envelope.
type streamMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid,omitempty"`
	Start          *streamStart `json:"start,omitempty"`
	Media          *streamMedia `json:"media,omitempty"`
}

type streamStart struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type streamMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// parseStreamMessage decodes one telephony frame into a tagged Message.
func parseStreamMessage(data []byte) (Message, error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMediaProtocol, err)
	}

	switch msg.Event {
	case "connected":
		return Message{Kind: KindConnected}, nil
	case "start":
		if msg.Start == nil || msg.Start.CallSID == "" {
			return Message{}, fmt.Errorf("%w: start without call sid", ErrMediaProtocol)
		}
		streamSID := msg.Start.StreamSID
		if streamSID == "" {
			streamSID = msg.StreamSID
		}
		return Message{Kind: KindStreamStart, StreamSID: streamSID, CallSID: msg.Start.CallSID}, nil
	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return Message{}, fmt.Errorf("%w: media without payload", ErrMediaProtocol)
		}
		return Message{Kind: KindMediaFrame, StreamSID: msg.StreamSID, PayloadB64: msg.Media.Payload}, nil
	case "stop":
		return Message{Kind: KindStreamStop, StreamSID: msg.StreamSID}, nil
	case "mark":
		return Message{Kind: KindMark, StreamSID: msg.StreamSID}, nil
	default:
		return Message{Kind: KindUnknown, RawEvent: msg.Event}, nil
	}
}

// outboundMedia is the frame shape the telephony transport expects for
// playback audio.
type outboundMedia struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     mediaEnvelope `json:"media"`
}

type mediaEnvelope struct {
	Payload string `json:"payload"`
}

func newMediaMessage(streamSID, payloadB64 string) outboundMedia {
	return outboundMedia{Event: "media", StreamSID: streamSID, Media: mediaEnvelope{Payload: payloadB64}}
}

// outboundClear tells the telephony side to flush buffered playback audio.
type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func newClearMessage(streamSID string) outboundClear {
	return outboundClear{Event: "clear", StreamSID: streamSID}
}
