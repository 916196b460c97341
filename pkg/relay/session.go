// Package relay owns session records for the avatar relay: each session pairs
// avatar-provider metadata with an optional control channel and bridge.
package relay

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/avatar-relay/avatar-relay/pkg/avatar"
	"github.com/avatar-relay/avatar-relay/pkg/relay/bridge"
	"github.com/avatar-relay/avatar-relay/pkg/relay/channel"
	"github.com/avatar-relay/avatar-relay/pkg/relay/events"
)

// Session is one relay session. Channel and Bridge are nil for sessions that
// did not opt into avatar coordination (or whose channel setup failed); all
// bridge-touching operations on such a session are no-ops.
type Session struct {
	ID        string
	Avatar    avatar.Session
	CreatedAt time.Time

	Channel *channel.Channel
	Bridge  *bridge.Bridge
}

// NewSession creates a session record around avatar-provider session metadata.
func NewSession(av avatar.Session) *Session {
	return &Session{
		ID:        "sess_" + uuid.New().String()[:12],
		Avatar:    av,
		CreatedAt: time.Now(),
	}
}

// BindAvatarChannel provisions the channel/bridge pair for a session and
// wires the bridge's listeners onto the channel. Handlers are registered
// before the connection attempt so they cannot race with initial traffic; the
// connect itself happens asynchronously, and on failure the session simply
// keeps an unconnected channel (video-only operation continues via the
// separate media transport).
func (s *Session) BindAvatarChannel(endpoint, token string, cfg channel.Config) {
	ch := channel.New(s.ID, endpoint, token, cfg)
	br := bridge.New(s.ID, ch)

	ch.On(events.ProviderEventTypeSpeakEnded, br.HandleProviderEvent)
	ch.On(events.ProviderEventTypeSpeakInterrupted, br.HandleProviderEvent)
	ch.OnAny(func(event *events.ProviderEvent) {
		log.Printf("[session %s] control event: %s", s.ID, event.Type)
	})
	ch.OnDisconnected(func(code int, reason string) {
		log.Printf("[session %s] control channel closed (code=%d reason=%q)", s.ID, code, reason)
	})

	s.Channel = ch
	s.Bridge = br
}

// Age returns how long the session has existed.
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}
