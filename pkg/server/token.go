package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrMissingAIKey is returned when token minting is attempted without a
// conversational-AI API key configured.
var ErrMissingAIKey = errors.New("conversational-AI API key not configured")

// tokenMinter mints ephemeral client secrets for the conversational-AI
// provider's realtime API. The browser uses the secret to establish its
// WebRTC leg directly; the relay never holds that connection.
type tokenMinter struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

func newTokenMinter(apiKey, model, endpoint string) *tokenMinter {
	return &tokenMinter{
		apiKey:     apiKey,
		model:      model,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Mint requests an ephemeral client secret. A missing API key is an
// immediate error, never silently defaulted.
func (m *tokenMinter) Mint(ctx context.Context) (string, error) {
	if m.apiKey == "" {
		return "", ErrMissingAIKey
	}

	payload, err := json.Marshal(map[string]string{"model": m.model})
	if err != nil {
		return "", fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.ClientSecret.Value == "" {
		return "", fmt.Errorf("token response missing client secret")
	}
	return body.ClientSecret.Value, nil
}
