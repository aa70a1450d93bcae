package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/voice-relay/internal/session"
	"github.com/carelink/voice-relay/pkg/logging"
)

// WebhookConfig configures the outcome webhook notifier.
type WebhookConfig struct {
	// URL receives the end-of-call event. Empty disables delivery; ended
	// calls are then only logged.
	URL string
	// Secret signs the payload. Empty sends unsigned events.
	Secret     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// WebhookNotifier posts one end-of-call event per call to the appointment
// backend. Delivery is at-most-once; the caller guards against duplicates.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *logging.Logger
}

// CallEndedEvent is the payload delivered when a call reaches its terminal
// state.
type CallEndedEvent struct {
	EventID          string            `json:"event_id"`
	CallID           string            `json:"call_id"`
	EndReason        string            `json:"end_reason"`
	CollectedOutcome map[string]string `json:"collected_outcome,omitempty"`
	EndedAt          time.Time         `json:"ended_at"`
}

func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookNotifier{
		url:        strings.TrimSpace(cfg.URL),
		secret:     cfg.Secret,
		httpClient: httpClient,
		logger:     logger,
	}
}

// NotifyCallEnded delivers the call's outcome downstream.
func (n *WebhookNotifier) NotifyCallEnded(ctx context.Context, s *session.CallSession) error {
	if s == nil {
		return errors.New("notify: nil session")
	}
	event := CallEndedEvent{
		EventID:          uuid.NewString(),
		CallID:           s.CallID,
		EndReason:        string(s.EndReason),
		CollectedOutcome: s.CollectedOutcome,
		EndedAt:          s.UpdatedAt,
	}

	if n.url == "" {
		n.logger.Info("notify: no outcome webhook configured",
			"call_id", event.CallID,
			"end_reason", event.EndReason,
		)
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, n.secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}

	n.logger.Info("notify: delivered call outcome",
		"call_id", event.CallID,
		"end_reason", event.EndReason,
		"event_id", event.EventID,
	)
	return nil
}

// Sign computes the hex HMAC-SHA256 of the payload. Receivers recompute it
// from the raw body and compare with hmac.Equal.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
