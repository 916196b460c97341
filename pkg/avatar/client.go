// Package avatar wraps the avatar provider's REST endpoints. Every call is a
// single request/response with no client-side state; the realtime control
// channel lives in pkg/relay/channel.
package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "https://api.avatarstream.example.com"
	defaultTimeout = 15 * time.Second
)

// Error codes for avatar client failures.
const (
	ErrCodeInvalidConfig = "invalid_config"
	ErrCodeRequestFailed = "request_failed"
	ErrCodeProviderError = "provider_error"
)

// Error is a typed avatar client error.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("avatar: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("avatar: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config holds configuration for the avatar client.
type Config struct {
	// APIKey is the avatar provider API key (required).
	APIKey string

	// BaseURL overrides the provider endpoint. Used by tests.
	BaseURL string

	// Timeout bounds each HTTP call.
	Timeout time.Duration
}

// Client calls the avatar provider's REST API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an avatar client. A missing API key is a construction
// error, never silently defaulted.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidConfig,
			Message: "avatar provider API key is required",
		}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ICEServer is a STUN/TURN server entry handed to the browser's media leg.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Session is the provider-side session metadata returned by CreateSession.
// URL is the per-session control channel endpoint; AccessToken authorizes it.
type Session struct {
	SessionID   string          `json:"session_id"`
	URL         string          `json:"url"`
	AccessToken string          `json:"access_token"`
	ICEServers  []ICEServer     `json:"ice_servers"`
	SDP         json.RawMessage `json:"sdp,omitempty"`
}

// Avatar is one entry from the provider's avatar list.
type Avatar struct {
	AvatarID  string `json:"avatar_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	IsPublic  bool   `json:"is_public"`
	CreatedAt int64  `json:"created_at"`
}

// NewSessionRequest configures session creation.
type NewSessionRequest struct {
	AvatarID string `json:"avatar_id,omitempty"`
	Quality  string `json:"quality,omitempty"`
	VoiceID  string `json:"voice_id,omitempty"`
}

// envelope is the provider's response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// CreateSession provisions a new streaming session at the provider.
func (c *Client) CreateSession(ctx context.Context, req NewSessionRequest) (*Session, error) {
	var session Session
	if err := c.post(ctx, "/v1/streaming.new", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// StartSession starts the avatar stream for a provisioned session. The SDP
// answer comes from the browser's media leg.
func (c *Client) StartSession(ctx context.Context, sessionID, sdp string) error {
	body := map[string]any{"session_id": sessionID}
	if sdp != "" {
		body["sdp"] = map[string]string{"type": "answer", "sdp": sdp}
	}
	return c.post(ctx, "/v1/streaming.start", body, nil)
}

// StopSession stops the avatar stream.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/v1/streaming.stop", map[string]string{"session_id": sessionID}, nil)
}

// SendTask submits a text task (repeat/chat) for the avatar to perform.
func (c *Client) SendTask(ctx context.Context, sessionID, text string) error {
	return c.post(ctx, "/v1/streaming.task", map[string]string{
		"session_id": sessionID,
		"text":       text,
	}, nil)
}

// ListAvatars returns the avatars available to this account.
func (c *Client) ListAvatars(ctx context.Context) ([]Avatar, error) {
	var data struct {
		Avatars []Avatar `json:"avatars"`
	}
	if err := c.get(ctx, "/v1/streaming/avatar.list", &data); err != nil {
		return nil, err
	}
	return data.Avatars, nil
}

// CreateToken mints a short-lived client token for the provider.
func (c *Client) CreateToken(ctx context.Context) (string, error) {
	var data struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "/v1/streaming.create_token", struct{}{}, &data); err != nil {
		return "", err
	}
	return data.Token, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Code: ErrCodeRequestFailed, Message: "failed to encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Code: ErrCodeRequestFailed, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &Error{Code: ErrCodeRequestFailed, Message: "failed to build request", Err: err}
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Code: ErrCodeRequestFailed, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &Error{Code: ErrCodeProviderError, Message: "failed to decode response", Err: err}
	}

	if resp.StatusCode >= 400 {
		return &Error{
			Code:    ErrCodeProviderError,
			Message: fmt.Sprintf("provider returned %d: %s", resp.StatusCode, env.Message),
		}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Code: ErrCodeProviderError, Message: "failed to decode response data", Err: err}
		}
	}
	return nil
}
