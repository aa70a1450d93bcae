package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "audio",
			raw:  `{"type":"audio","audio_event":{"audio_base_64":"AAAA","event_id":1}}`,
			want: Event{Kind: EventAudio, AudioB64: "AAAA"},
		},
		{
			name: "interruption",
			raw:  `{"type":"interruption","interruption_event":{"event_id":3}}`,
			want: Event{Kind: EventInterruption},
		},
		{
			name: "conversation ended with outcome",
			raw:  `{"type":"conversation_ended","conversation_ended_event":{"reason":"done","collected_data":{"selected_time":"2026-02-01T10:00:00Z"}}}`,
			want: Event{Kind: EventConversationEnded, Outcome: map[string]string{"selected_time": "2026-02-01T10:00:00Z"}},
		},
		{
			name: "conversation ended without payload",
			raw:  `{"type":"conversation_ended"}`,
			want: Event{Kind: EventConversationEnded},
		},
		{
			name: "ping",
			raw:  `{"type":"ping","ping_event":{"event_id":7,"ping_ms":20}}`,
			want: Event{Kind: EventPing, PingID: 7},
		},
		{
			name: "unknown type",
			raw:  `{"type":"agent_response","agent_response_event":{"agent_response":"hello"}}`,
			want: Event{Kind: EventUnknown, RawType: "agent_response"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseServerMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseServerMessageMalformed(t *testing.T) {
	_, err := parseServerMessage([]byte(`{not json`))
	assert.Error(t, err)

	_, err = parseServerMessage([]byte(`{"type":"audio"}`))
	assert.Error(t, err, "audio message requires audio_event")
}
