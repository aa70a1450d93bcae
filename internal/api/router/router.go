package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/carelink/voice-relay/internal/calls"
	httpmiddleware "github.com/carelink/voice-relay/internal/http/middleware"
	"github.com/carelink/voice-relay/internal/relay"
	"github.com/carelink/voice-relay/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	CallsHandler   *calls.Handler
	RelayHandler   *relay.Handler
	MetricsHandler http.Handler
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", healthCheck)

	if cfg.CallsHandler != nil {
		r.Post("/calls", cfg.CallsHandler.HandleMakeCall)
		r.Get("/calls/{callID}", cfg.CallsHandler.HandleGetCall)
		r.Route("/webhooks/twilio", func(r chi.Router) {
			r.Post("/voice", cfg.CallsHandler.HandleVoiceWebhook)
			r.Post("/status", cfg.CallsHandler.HandleStatusCallback)
		})
	}

	// Upgrades to a websocket; the connection lives for the whole call.
	if cfg.RelayHandler != nil {
		r.Get("/webhooks/twilio/media", cfg.RelayHandler.ServeMediaStream)
	}

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	return r
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
