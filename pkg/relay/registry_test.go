package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatar-relay/avatar-relay/pkg/avatar"
)

func newTestSession() *Session {
	return NewSession(avatar.Session{SessionID: "av_123", URL: "wss://example/ws"})
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	s := newTestSession()

	r.Add(s)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = r.Get("sess_unknown")
	assert.False(t, ok)

	r.Remove(s.ID)
	assert.Equal(t, 0, r.Len())
	_, ok = r.Get(s.ID)
	assert.False(t, ok)

	// Removing again is a no-op.
	r.Remove(s.ID)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemoveDestroysBridge(t *testing.T) {
	r := NewRegistry()
	s := newTestSession()
	s.BindAvatarChannel("ws://127.0.0.1:1/ws", "tok", testChannelConfig())

	r.Add(s)
	r.Remove(s.ID)

	st := s.Bridge.GetState()
	assert.False(t, st.HasChannel, "bridge should release its channel on teardown")
}

func TestRegistryReap(t *testing.T) {
	r := NewRegistry()

	old := newTestSession()
	old.CreatedAt = time.Now().Add(-time.Hour)
	fresh := newTestSession()

	r.Add(old)
	r.Add(fresh)

	reaped := r.Reap(30 * time.Minute)
	assert.Equal(t, 1, reaped)
	assert.Equal(t, 1, r.Len())

	_, ok := r.Get(old.ID)
	assert.False(t, ok)
	_, ok = r.Get(fresh.ID)
	assert.True(t, ok)
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry()
	r.Add(newTestSession())
	r.Add(newTestSession())

	r.Close()
	assert.Equal(t, 0, r.Len())
}

func TestSessionIDs(t *testing.T) {
	a := newTestSession()
	b := newTestSession()

	assert.NotEqual(t, a.ID, b.ID)
	assert.Regexp(t, `^sess_[0-9a-f-]{12}$`, a.ID)
}
