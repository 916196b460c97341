// Package server exposes the relay's HTTP surface: session lifecycle against
// the avatar provider, the event relay into each session's bridge, and
// conversational-AI token minting.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/avatar-relay/avatar-relay/pkg/avatar"
	"github.com/avatar-relay/avatar-relay/pkg/relay"
	"github.com/avatar-relay/avatar-relay/pkg/relay/bridge"
	"github.com/avatar-relay/avatar-relay/pkg/relay/events"
	"github.com/avatar-relay/avatar-relay/pkg/trace"
)

// Server is the HTTP relay server.
type Server struct {
	config     *Config
	registry   *relay.Registry
	avatars    *avatar.Client
	tokens     *tokenMinter
	mux        *http.ServeMux
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a relay server. A missing avatar API key is a construction
// error.
func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}

	avatarClient, err := avatar.NewClient(avatar.Config{
		APIKey:  config.AvatarAPIKey,
		BaseURL: config.AvatarBaseURL,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   config,
		registry: relay.NewRegistry(),
		avatars:  avatarClient,
		tokens:   newTokenMinter(config.AIAPIKey, config.AIModel, config.AISessionURL),
		mux:      http.NewServeMux(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/sessions", s.withCORS(s.handleCreateSession))
	s.mux.HandleFunc("POST /api/sessions/{id}/start", s.withCORS(s.handleStartSession))
	s.mux.HandleFunc("POST /api/sessions/{id}/stop", s.withCORS(s.handleStopSession))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.withCORS(s.handleDeleteSession))
	s.mux.HandleFunc("POST /api/sessions/{id}/events", s.withCORS(s.handleSessionEvents))
	s.mux.HandleFunc("GET /api/sessions/{id}/state", s.withCORS(s.handleSessionState))
	s.mux.HandleFunc("POST /api/sessions/{id}/control", s.withCORS(s.handleSessionControl))
	s.mux.HandleFunc("GET /api/avatars", s.withCORS(s.handleAvatars))
	s.mux.HandleFunc("POST /api/token", s.withCORS(s.handleToken))
	s.mux.HandleFunc("POST /api/avatar-token", s.withCORS(s.handleAvatarToken))
	s.mux.HandleFunc("OPTIONS /api/", s.withCORS(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

// Handler returns the server's HTTP handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Registry returns the server's session registry.
func (s *Server) Registry() *relay.Registry {
	return s.registry
}

// Start starts the HTTP server and the session reaper.
func (s *Server) Start() error {
	s.registry.StartReaper(s.ctx, s.config.ReapInterval, s.config.SessionTimeout)

	s.httpServer = &http.Server{
		Addr:    s.config.Addr,
		Handler: s.mux,
	}

	log.Printf("[server] listening on %s", s.config.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down and tears down every session.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.registry.Close()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// withCORS adds permissive CORS headers to a handler.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next(w, r)
	}
}

type createSessionRequest struct {
	AvatarID string `json:"avatar_id"`
	Quality  string `json:"quality"`
	VoiceID  string `json:"voice_id"`

	// Coordinate opts the session into avatar coordination (the control
	// channel + bridge pair). Defaults to true.
	Coordinate *bool `json:"coordinate"`
}

type createSessionResponse struct {
	SessionID string         `json:"session_id"`
	Avatar    avatar.Session `json:"avatar"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := trace.InstrumentSessionCreate(r.Context())
	defer span.End()

	av, err := s.avatars.CreateSession(ctx, avatar.NewSessionRequest{
		AvatarID: req.AvatarID,
		Quality:  req.Quality,
		VoiceID:  req.VoiceID,
	})
	if err != nil {
		trace.RecordError(span, err)
		log.Printf("[server] avatar session create failed: %v", err)
		writeError(w, http.StatusBadGateway, "failed to create session")
		return
	}

	sess := relay.NewSession(*av)

	coordinate := req.Coordinate == nil || *req.Coordinate
	if coordinate && av.URL != "" {
		sess.BindAvatarChannel(av.URL, av.AccessToken, s.config.Channel)

		// Connect asynchronously; on failure the session degrades to
		// video-only and every bridge operation becomes a no-op.
		ch := sess.Channel
		go func() {
			if err := ch.Connect(context.Background()); err != nil {
				log.Printf("[server] control channel connect failed for %s: %v", sess.ID, err)
			}
		}()
	}

	s.registry.Add(sess)

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		Avatar:    sess.Avatar,
		CreatedAt: sess.CreatedAt,
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req struct {
		SDP string `json:"sdp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.avatars.StartSession(r.Context(), sess.Avatar.SessionID, req.SDP); err != nil {
		log.Printf("[server] avatar session start failed: %v", err)
		writeError(w, http.StatusBadGateway, "failed to start session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if err := s.avatars.StopSession(r.Context(), sess.Avatar.SessionID); err != nil {
		log.Printf("[server] avatar session stop failed: %v", err)
		writeError(w, http.StatusBadGateway, "failed to stop session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	_, span := trace.InstrumentSessionTeardown(r.Context(), id)
	defer span.End()

	// Best-effort provider stop; teardown proceeds regardless.
	if err := s.avatars.StopSession(r.Context(), sess.Avatar.SessionID); err != nil {
		log.Printf("[server] avatar session stop on teardown failed: %v", err)
	}

	s.registry.Remove(id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req struct {
		Event json.RawMessage `json:"event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Event) == 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Sessions without avatar coordination accept and ignore relay events.
	if sess.Bridge == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"handled": false})
		return
	}

	event, err := events.ParseAIEvent(req.Event)
	if err != nil {
		// Malformed events are dropped, not surfaced as request failures.
		log.Printf("[server] dropping malformed relay event for %s: %v", sess.ID, err)
		writeJSON(w, http.StatusOK, map[string]bool{"handled": false})
		return
	}

	sess.Bridge.ProcessEvent(event)
	writeJSON(w, http.StatusOK, map[string]bool{"handled": true})
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if sess.Bridge == nil {
		// Zero value carries the absent-bridge shape.
		writeJSON(w, http.StatusOK, bridge.State{})
		return
	}
	writeJSON(w, http.StatusOK, sess.Bridge.GetState())
}

type controlRequest struct {
	Action string `json:"action"`
	Text   string `json:"text"`
}

func (s *Server) handleSessionControl(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Without a bridge, speak falls back to the provider's REST task
	// endpoint; the other controls are no-ops, not errors.
	if sess.Bridge == nil {
		if req.Action == "speak" && req.Text != "" {
			if err := s.avatars.SendTask(r.Context(), sess.Avatar.SessionID, req.Text); err != nil {
				log.Printf("[server] avatar task failed: %v", err)
				writeError(w, http.StatusBadGateway, "failed to send task")
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"handled": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"handled": false})
		return
	}

	switch req.Action {
	case "speak":
		sess.Bridge.SpeakText(req.Text)
	case "interrupt":
		sess.Bridge.Interrupt()
	case "start_listening":
		sess.Bridge.StartListening()
	case "stop_listening":
		sess.Bridge.StopListening()
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"handled": true})
}

func (s *Server) handleAvatars(w http.ResponseWriter, r *http.Request) {
	avatars, err := s.avatars.ListAvatars(r.Context())
	if err != nil {
		log.Printf("[server] avatar list failed: %v", err)
		writeError(w, http.StatusBadGateway, "failed to list avatars")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"avatars": avatars})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokens.Mint(r.Context())
	if err != nil {
		log.Printf("[server] token mint failed: %v", err)
		if errors.Is(err, ErrMissingAIKey) {
			writeError(w, http.StatusInternalServerError, "token minting not configured")
			return
		}
		writeError(w, http.StatusBadGateway, "failed to mint token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleAvatarToken mints a short-lived avatar provider token for the
// browser's streaming SDK. Distinct from /api/token, which mints the
// conversational-AI client secret.
func (s *Server) handleAvatarToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.avatars.CreateToken(r.Context())
	if err != nil {
		log.Printf("[server] avatar token mint failed: %v", err)
		writeError(w, http.StatusBadGateway, "failed to mint token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
