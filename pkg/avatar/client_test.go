package avatar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{APIKey: "key_test", BaseURL: srv.URL})
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrCodeInvalidConfig, apiErr.Code)
}

func TestCreateSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/streaming.new", r.URL.Path)
		assert.Equal(t, "key_test", r.Header.Get("X-Api-Key"))

		var req NewSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "av_demo", req.AvatarID)

		json.NewEncoder(w).Encode(map[string]any{
			"code": 100,
			"data": map[string]any{
				"session_id":   "sess_provider",
				"url":          "wss://provider.example/ws",
				"access_token": "tok_session",
				"ice_servers":  []map[string]any{{"urls": []string{"stun:stun.example:3478"}}},
			},
		})
	})

	session, err := client.CreateSession(context.Background(), NewSessionRequest{AvatarID: "av_demo"})
	require.NoError(t, err)
	assert.Equal(t, "sess_provider", session.SessionID)
	assert.Equal(t, "wss://provider.example/ws", session.URL)
	assert.Equal(t, "tok_session", session.AccessToken)
	require.Len(t, session.ICEServers, 1)
}

func TestStartSessionSendsSDPAnswer(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/streaming.start", r.URL.Path)

		var body struct {
			SessionID string `json:"session_id"`
			SDP       struct {
				Type string `json:"type"`
				SDP  string `json:"sdp"`
			} `json:"sdp"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sess_provider", body.SessionID)
		assert.Equal(t, "answer", body.SDP.Type)
		assert.Equal(t, "v=0...", body.SDP.SDP)

		json.NewEncoder(w).Encode(map[string]any{"code": 100})
	})

	err := client.StartSession(context.Background(), "sess_provider", "v=0...")
	require.NoError(t, err)
}

func TestProviderErrorEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"code":    40012,
			"message": "avatar not found",
		})
	})

	_, err := client.CreateSession(context.Background(), NewSessionRequest{AvatarID: "av_missing"})
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrCodeProviderError, apiErr.Code)
	assert.Contains(t, apiErr.Message, "avatar not found")
}

func TestListAvatars(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/streaming/avatar.list", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]any{
			"code": 100,
			"data": map[string]any{
				"avatars": []map[string]any{
					{"avatar_id": "av_1", "name": "Ada", "status": "active", "is_public": true},
					{"avatar_id": "av_2", "name": "Lin", "status": "active"},
				},
			},
		})
	})

	avatars, err := client.ListAvatars(context.Background())
	require.NoError(t, err)
	require.Len(t, avatars, 2)
	assert.Equal(t, "av_1", avatars[0].AvatarID)
	assert.True(t, avatars[0].IsPublic)
}

func TestCreateToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/streaming.create_token", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"code": 100,
			"data": map[string]string{"token": "tok_short_lived"},
		})
	})

	token, err := client.CreateToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok_short_lived", token)
}

func TestRequestFailure(t *testing.T) {
	client, err := NewClient(Config{APIKey: "key_test", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = client.CreateSession(context.Background(), NewSessionRequest{})
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrCodeRequestFailed, apiErr.Code)
}
