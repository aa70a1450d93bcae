package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/carelink/voice-relay/internal/agent"
	"github.com/carelink/voice-relay/internal/api/router"
	"github.com/carelink/voice-relay/internal/calls"
	"github.com/carelink/voice-relay/internal/calls/twilioclient"
	appconfig "github.com/carelink/voice-relay/internal/config"
	"github.com/carelink/voice-relay/internal/notify"
	"github.com/carelink/voice-relay/internal/observability/metrics"
	"github.com/carelink/voice-relay/internal/relay"
	"github.com/carelink/voice-relay/internal/session"
	"github.com/carelink/voice-relay/pkg/logging"
)

// agentDialer adapts the agent controller to the relay's dialer interface.
type agentDialer struct {
	controller *agent.Controller
}

func (d agentDialer) Open(ctx context.Context, callID string, vars map[string]string) (relay.AgentSession, error) {
	s, err := d.controller.Open(ctx, callID, vars)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func main() {
	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting voice-relay API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	relayMetrics := metrics.NewRelayMetrics(prometheus.DefaultRegisterer)

	notifier := notify.NewWebhookNotifier(notify.WebhookConfig{
		URL:    cfg.OutcomeWebhookURL,
		Secret: cfg.OutcomeWebhookSecret,
		Logger: logger,
	})

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	registry := buildRegistry(janitorCtx, cfg, notifier, logger)

	controller, err := agent.NewController(agent.Config{
		WSURL:            cfg.ElevenLabsWSURL,
		APIKey:           cfg.ElevenLabsAPIKey,
		AgentID:          cfg.ElevenLabsAgentID,
		HandshakeTimeout: cfg.AgentHandshakeTimeout,
		Metrics:          relayMetrics,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("failed to build agent controller", "error", err)
		os.Exit(1)
	}

	twilioClient, err := twilioclient.New(twilioclient.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
	})
	if err != nil {
		logger.Error("failed to build telephony client", "error", err)
		os.Exit(1)
	}

	relayHandler, err := relay.NewHandler(relay.HandlerConfig{
		Registry:  registry,
		Agents:    agentDialer{controller: controller},
		Calls:     twilioClient,
		Notifier:  notifier,
		Metrics:   relayMetrics,
		Logger:    logger,
		QueueSize: cfg.PlaybackQueueSize,
	})
	if err != nil {
		logger.Error("failed to build relay handler", "error", err)
		os.Exit(1)
	}

	callsHandler, err := calls.NewHandler(calls.HandlerConfig{
		Registry:        registry,
		Client:          twilioClient,
		Notifier:        notifier,
		PublicBaseURL:   cfg.PublicBaseURL,
		TwilioAuthToken: cfg.TwilioAuthToken,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to build calls handler", "error", err)
		os.Exit(1)
	}

	r := router.New(&router.Config{
		Logger:         logger,
		CallsHandler:   callsHandler,
		RelayHandler:   relayHandler,
		MetricsHandler: promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	stopJanitor()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// buildRegistry selects the Redis-backed registry when an address is
// configured and falls back to the in-process one otherwise. Only the
// in-memory registry runs the idle janitor; Redis entries expire by TTL.
func buildRegistry(ctx context.Context, cfg *appconfig.Config, notifier *notify.WebhookNotifier, logger *logging.Logger) session.Registry {
	if cfg.RedisAddr != "" {
		opts := &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		logger.Info("using redis call session registry", "addr", cfg.RedisAddr)
		return session.NewRedisRegistry(redis.NewClient(opts), cfg.SessionIdleTimeout)
	}

	registry := session.NewMemoryRegistry(session.MemoryConfig{
		IdleTimeout: cfg.SessionIdleTimeout,
		Logger:      logger,
		OnExpire: func(s *session.CallSession) {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := notifier.NotifyCallEnded(notifyCtx, s); err != nil {
				logger.Error("failed to report expired session", "call_id", s.CallID, "error", err)
			}
		},
	})
	registry.Start(ctx)
	return registry
}
