// Package state provides state tracking for the avatar relay bridge.
package state

import "sync"

// Snapshot is a point-in-time copy of the bridge's speech/listening state.
type Snapshot struct {
	IsSpeaking      bool
	IsListening     bool
	CurrentSpeechID string
}

// SpeechTracker tracks the in-flight speech command and the listening flag
// for one bridge. A speech is considered in flight from the first chunk's
// command identifier until an explicit end, interrupt, or response-complete
// signal clears it. The listening flag reflects the last listening command
// issued, not any acknowledgement from the provider.
type SpeechTracker struct {
	mu              sync.RWMutex
	currentSpeechID string
	listening       bool
}

// NewSpeechTracker creates a new SpeechTracker.
func NewSpeechTracker() *SpeechTracker {
	return &SpeechTracker{}
}

// StartSpeech records eventID as the current speech if none is in flight.
// Returns true if eventID became the current speech ID. Additional chunks of
// an ongoing utterance leave the current ID unchanged.
func (t *SpeechTracker) StartSpeech(eventID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.currentSpeechID != "" {
		return false
	}
	t.currentSpeechID = eventID
	return true
}

// EndSpeech clears the in-flight speech. Returns the prior speech ID and
// whether a speech was actually in flight.
func (t *SpeechTracker) EndSpeech() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.currentSpeechID == "" {
		return "", false
	}
	id := t.currentSpeechID
	t.currentSpeechID = ""
	return id, true
}

// IsSpeaking returns true if a speech command is in flight.
func (t *SpeechTracker) IsSpeaking() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentSpeechID != ""
}

// CurrentSpeechID returns the in-flight speech command identifier, or "".
func (t *SpeechTracker) CurrentSpeechID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentSpeechID
}

// SetListening updates the listening flag. Returns true if the flag changed,
// false if it was already in the target state.
func (t *SpeechTracker) SetListening(listening bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listening == listening {
		return false
	}
	t.listening = listening
	return true
}

// IsListening returns the listening flag.
func (t *SpeechTracker) IsListening() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listening
}

// Snapshot returns a copy of the current state.
func (t *SpeechTracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		IsSpeaking:      t.currentSpeechID != "",
		IsListening:     t.listening,
		CurrentSpeechID: t.currentSpeechID,
	}
}

// Reset clears all state.
func (t *SpeechTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentSpeechID = ""
	t.listening = false
}
