package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "wss://api.elevenlabs.io/v1/convai/conversation", cfg.ElevenLabsWSURL)
	assert.Equal(t, 10*time.Second, cfg.AgentHandshakeTimeout)
	assert.Equal(t, 10*time.Minute, cfg.SessionIdleTimeout)
	assert.Equal(t, 256, cfg.PlaybackQueueSize)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AGENT_HANDSHAKE_TIMEOUT", "5s")
	t.Setenv("SESSION_IDLE_TIMEOUT", "1m")
	t.Setenv("PLAYBACK_QUEUE_SIZE", "64")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC000")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.AgentHandshakeTimeout)
	assert.Equal(t, time.Minute, cfg.SessionIdleTimeout)
	assert.Equal(t, 64, cfg.PlaybackQueueSize)
	assert.True(t, cfg.RedisTLS)
	assert.Equal(t, "AC000", cfg.TwilioAccountSID)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("PLAYBACK_QUEUE_SIZE", "lots")
	t.Setenv("AGENT_HANDSHAKE_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 256, cfg.PlaybackQueueSize)
	assert.Equal(t, 10*time.Second, cfg.AgentHandshakeTimeout)
}
