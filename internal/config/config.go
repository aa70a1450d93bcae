package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string

	TwilioAccountSID string
	// TwilioAuthToken doubles as the webhook signing key; Twilio signs
	// callbacks with the account's auth token.
	TwilioAuthToken  string
	TwilioFromNumber string

	ElevenLabsAPIKey  string
	ElevenLabsAgentID string
	ElevenLabsWSURL   string

	// AgentHandshakeTimeout bounds the ElevenLabs session handshake.
	AgentHandshakeTimeout time.Duration
	// SessionIdleTimeout is how long a session may sit without a terminal
	// event before the registry reaps it.
	SessionIdleTimeout time.Duration
	// PlaybackQueueSize bounds the per-call queue of agent audio awaiting
	// delivery to the caller.
	PlaybackQueueSize int

	OutcomeWebhookURL    string
	OutcomeWebhookSecret string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getEnv("TWILIO_FROM_NUMBER", ""),

		ElevenLabsAPIKey:  getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsAgentID: getEnv("ELEVENLABS_AGENT_ID", ""),
		ElevenLabsWSURL:   getEnv("ELEVENLABS_WS_URL", "wss://api.elevenlabs.io/v1/convai/conversation"),

		AgentHandshakeTimeout: getEnvAsDuration("AGENT_HANDSHAKE_TIMEOUT", 10*time.Second),
		SessionIdleTimeout:    getEnvAsDuration("SESSION_IDLE_TIMEOUT", 10*time.Minute),
		PlaybackQueueSize:     getEnvAsInt("PLAYBACK_QUEUE_SIZE", 256),

		OutcomeWebhookURL:    getEnv("OUTCOME_WEBHOOK_URL", ""),
		OutcomeWebhookSecret: getEnv("OUTCOME_WEBHOOK_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
