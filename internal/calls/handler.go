package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/carelink/voice-relay/internal/calls/twilioclient"
	"github.com/carelink/voice-relay/internal/session"
	"github.com/carelink/voice-relay/pkg/logging"
)

var callsTracer = otel.Tracer("voicerelay.internal.calls")

// CallCreator places outbound calls with the telephony provider.
type CallCreator interface {
	CreateCall(ctx context.Context, req twilioclient.CreateCallRequest) (*twilioclient.CallResource, error)
}

// OutcomeNotifier delivers the end-of-call outcome to the downstream consumer.
type OutcomeNotifier interface {
	NotifyCallEnded(ctx context.Context, s *session.CallSession) error
}

// HandlerConfig configures the call API and webhook handler.
type HandlerConfig struct {
	Registry session.Registry
	Client   CallCreator
	Notifier OutcomeNotifier
	// PublicBaseURL is the externally reachable base (https://host) used to
	// build the voice, status, and media stream URLs handed to the provider.
	PublicBaseURL string
	// TwilioAuthToken signs webhook requests; empty disables validation.
	TwilioAuthToken string
	Logger          *logging.Logger
}

// Handler exposes the call API and the telephony webhooks.
type Handler struct {
	registry      session.Registry
	client        CallCreator
	notifier      OutcomeNotifier
	publicBaseURL string
	authToken     string
	logger        *logging.Logger
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("calls: registry is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("calls: call creator is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("calls: outcome notifier is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Handler{
		registry:      cfg.Registry,
		client:        cfg.Client,
		notifier:      cfg.Notifier,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		authToken:     cfg.TwilioAuthToken,
		logger:        cfg.Logger,
	}, nil
}

type makeCallRequest struct {
	To               string            `json:"to"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

type makeCallResponse struct {
	CallID string `json:"call_id"`
	State  string `json:"state"`
}

// HandleMakeCall is the HTTP handler for POST /calls. It places the outbound
// call and registers the session under the provider's call id.
func (h *Handler) HandleMakeCall(w http.ResponseWriter, r *http.Request) {
	ctx, span := callsTracer.Start(r.Context(), "calls.make")
	defer span.End()

	var req makeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("make call: invalid body", "error", err)
		h.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := ValidateE164(req.To); err != nil {
		// Rejected before any provider interaction, so no session exists.
		h.logger.Warn("make call: rejected destination", "to", req.To)
		span.RecordError(err)
		h.writeError(w, http.StatusBadRequest, "invalid_number")
		return
	}

	call, err := h.client.CreateCall(ctx, twilioclient.CreateCallRequest{
		To:                req.To,
		VoiceURL:          h.publicBaseURL + "/webhooks/twilio/voice",
		StatusCallbackURL: h.publicBaseURL + "/webhooks/twilio/status",
	})
	if err != nil {
		h.logger.Error("make call: provider rejected call", "to", req.To, "error", err)
		span.RecordError(err)
		h.writeError(w, http.StatusBadGateway, "call_failed")
		return
	}
	span.SetAttributes(attribute.String("call_id", call.SID))

	s, err := h.registry.Create(ctx, call.SID, req.DynamicVariables)
	if err != nil {
		h.logger.Error("make call: failed to register session", "call_id", call.SID, "error", err)
		span.RecordError(err)
		h.writeError(w, http.StatusInternalServerError, "session_failed")
		return
	}

	h.logger.Info("make call: placed", "call_id", call.SID, "to", req.To)
	h.writeJSON(w, http.StatusCreated, makeCallResponse{CallID: s.CallID, State: s.State.String()})
}

// HandleGetCall is the HTTP handler for GET /calls/{callID}.
func (h *Handler) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	s, err := h.registry.Get(r.Context(), callID)
	if errors.Is(err, session.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		h.logger.Error("get call: registry error", "call_id", callID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "registry_failed")
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

// HandleVoiceWebhook answers the provider's answered-call callback with the
// TwiML that connects the bidirectional media stream.
func (h *Handler) HandleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := callsTracer.Start(r.Context(), "calls.twilio.voice")
	defer span.End()

	if h.authToken != "" {
		if !ValidateTwilioSignature(r, h.authToken, buildAbsoluteURL(r)) {
			h.logger.Warn("voice webhook: invalid signature")
			span.RecordError(errors.New("invalid twilio signature"))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	callID := r.FormValue("CallSid")
	h.logger.Info("voice webhook: call answered", "call_id", callID)

	// Inbound calls reach this webhook without a prior makeCall; register the
	// leg so the media stream finds its session.
	if callID != "" {
		if _, err := h.registry.Get(ctx, callID); errors.Is(err, session.ErrNotFound) {
			if _, err := h.registry.Create(ctx, callID, nil); err != nil && !errors.Is(err, session.ErrDuplicateSession) {
				h.logger.Error("voice webhook: failed to register inbound session", "call_id", callID, "error", err)
			}
		}
	}

	streamURL := h.mediaStreamURL()
	twiml := fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="%s"/></Connect></Response>`,
		streamURL,
	)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(twiml)); err != nil {
		h.logger.Warn("voice webhook: failed to write twiml", "error", err)
	}
}

// HandleStatusCallback consumes the provider's call progress events. Terminal
// statuses that the media stream never sees (the callee never answered, the
// carrier failed the call) are folded into the session here.
func (h *Handler) HandleStatusCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := callsTracer.Start(r.Context(), "calls.twilio.status")
	defer span.End()

	if h.authToken != "" {
		if !ValidateTwilioSignature(r, h.authToken, buildAbsoluteURL(r)) {
			h.logger.Warn("status callback: invalid signature")
			span.RecordError(errors.New("invalid twilio signature"))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	callID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	span.SetAttributes(attribute.String("call_id", callID), attribute.String("call_status", status))

	reason, terminal := endReasonForStatus(status)
	if !terminal {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.logger.Info("status callback: terminal status", "call_id", callID, "status", status, "end_reason", string(reason))
	h.finalizeCall(ctx, callID, reason)
	w.WriteHeader(http.StatusNoContent)
}

// endReasonForStatus maps provider call statuses to session end reasons.
// Completed calls normally end through the media stream first; treating a
// late completed callback as caller hangup only matters when the stream
// never reported.
func endReasonForStatus(status string) (session.EndReason, bool) {
	switch status {
	case "no-answer", "busy":
		return session.EndReasonNoAnswer, true
	case "failed", "canceled":
		return session.EndReasonError, true
	case "completed":
		return session.EndReasonCallerHangup, true
	default:
		return "", false
	}
}

// finalizeCall ends the session and emits the outcome notification unless
// another path already claimed it.
func (h *Handler) finalizeCall(ctx context.Context, callID string, reason session.EndReason) {
	claimed := false
	snapshot, err := h.registry.Update(ctx, callID, func(s *session.CallSession) error {
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
	if errors.Is(err, session.ErrNotFound) {
		// The relay already reported and evicted this call.
		return
	}
	if err != nil {
		h.logger.Error("status callback: failed to finalize session", "call_id", callID, "error", err)
		return
	}
	if !claimed {
		return
	}

	notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.notifier.NotifyCallEnded(notifyCtx, snapshot); err != nil {
		h.logger.Error("status callback: failed to deliver outcome notification", "call_id", callID, "error", err)
	}
	if err := h.registry.Evict(notifyCtx, callID); err != nil {
		h.logger.Warn("status callback: failed to evict session", "call_id", callID, "error", err)
	}
}

// mediaStreamURL converts the public base URL into the websocket endpoint the
// provider streams call audio to.
func (h *Handler) mediaStreamURL() string {
	base := h.publicBaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/webhooks/twilio/media"
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code string) {
	h.writeJSON(w, status, map[string]string{"error": code})
}
