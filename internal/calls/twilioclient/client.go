package twilioclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://api.twilio.com/2010-04-01"
	defaultUserAgent = "voice-relay/0.1"
)

// Config controls how the Twilio voice client behaves.
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	FromNumber string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	UserAgent  string
}

// Client wraps the Twilio voice REST endpoints the relay needs.
type Client struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, errors.New("twilioclient: account SID is required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilioclient: auth token is required")
	}
	if strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, errors.New("twilioclient: from number is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
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
		logger = slog.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

// CreateCallRequest describes one outbound call.
type CreateCallRequest struct {
	// To is the destination in E.164.
	To string
	// VoiceURL is fetched by Twilio when the call is answered; it must return
	// the TwiML that connects the media stream.
	VoiceURL string
	// StatusCallbackURL receives call progress events.
	StatusCallbackURL string
}

func (r CreateCallRequest) validate() error {
	if strings.TrimSpace(r.To) == "" {
		return errors.New("twilioclient: destination number required")
	}
	if strings.TrimSpace(r.VoiceURL) == "" {
		return errors.New("twilioclient: voice URL required")
	}
	return nil
}

// CallResource is the subset of Twilio's call resource the relay uses.
type CallResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// CreateCall places an outbound call and returns the provider's call resource.
// The returned SID keys the call session for its whole lifetime.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (*CallResource, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", c.fromNumber)
	form.Set("Url", req.VoiceURL)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Add("StatusCallbackEvent", "completed")
		form.Add("StatusCallbackEvent", "no-answer")
	}
	data, err := c.invoke(ctx, fmt.Sprintf("/Accounts/%s/Calls.json", c.accountSID), form)
	if err != nil {
		return nil, err
	}
	var call CallResource
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("twilioclient: decode call resource: %w", err)
	}
	return &call, nil
}

// Hangup asks Twilio to complete an in-progress call.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	if strings.TrimSpace(callSID) == "" {
		return errors.New("twilioclient: call SID required")
	}
	form := url.Values{}
	form.Set("Status", "completed")
	_, err := c.invoke(ctx, fmt.Sprintf("/Accounts/%s/Calls/%s.json", c.accountSID, callSID), form)
	return err
}

func (c *Client) invoke(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilioclient: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("twilioclient: http error: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("twilioclient: read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, decodeAPIError(resp.StatusCode, data)
}

type apiError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	MoreInfo   string `json:"more_info,omitempty"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("twilioclient: %s (status=%d code=%d)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("twilioclient: http status %d", e.StatusCode)
}

func decodeAPIError(status int, body []byte) error {
	var parsed apiError
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &apiError{StatusCode: status, Message: string(body)}
	}
	parsed.StatusCode = status
	return &parsed
}
