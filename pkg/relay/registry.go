package relay

import (
	"context"
	"log"
	"sync"
	"time"
)

// Registry is the process-wide session store. Entries are added on session
// creation and removed exactly once on teardown; an optional reaper destroys
// sessions that outlive a maximum age.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	log.Printf("[registry] session %s added", s.ID)
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove tears down a session: the bridge is destroyed (clearing state and
// disconnecting the channel) and the entry is deleted. Removing an unknown id
// is a no-op, so teardown is idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.teardown(s)
	log.Printf("[registry] session %s removed", id)
}

// teardown releases a session's channel/bridge pair.
func (r *Registry) teardown(s *Session) {
	if s.Bridge != nil {
		s.Bridge.Destroy()
	} else if s.Channel != nil {
		s.Channel.Disconnect()
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reap removes all sessions older than maxAge and returns how many were
// removed.
func (r *Registry) Reap(maxAge time.Duration) int {
	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.Age() > maxAge {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.teardown(s)
		log.Printf("[registry] session %s reaped after %s", s.ID, s.Age().Round(time.Second))
	}
	return len(expired)
}

// StartReaper runs Reap on a fixed interval until ctx is cancelled. A maxAge
// of 0 disables reaping.
func (r *Registry) StartReaper(ctx context.Context, interval, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Reap(maxAge)
			}
		}
	}()
}

// Close tears down every registered session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		r.teardown(s)
	}
}
