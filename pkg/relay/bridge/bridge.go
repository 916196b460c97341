// Package bridge translates events from the conversational-AI leg into avatar
// provider commands and tracks the combined session state.
package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/avatar-relay/avatar-relay/pkg/relay/events"
	"github.com/avatar-relay/avatar-relay/pkg/relay/state"
	"github.com/avatar-relay/avatar-relay/pkg/trace"
)

// simulatedSpeechDuration is the fixed delay SpeakText waits before issuing
// the end-speech command. See SpeakText.
const simulatedSpeechDuration = 1 * time.Second

// CommandChannel is the bridge's view of the avatar control channel. Every
// command returns the generated event ID whether or not it was transmitted.
type CommandChannel interface {
	Speak(audio string) string
	SpeakEnd(audio string) string
	Interrupt() string
	StartListening() string
	StopListening() string
	ClearBuffer() string
	IsOpen() bool
	Disconnect()
}

// State is the observable bridge state snapshot. Field names match the relay
// endpoint's wire format.
type State struct {
	HasChannel      bool    `json:"hasWebSocket"`
	IsConnected     bool    `json:"isConnected"`
	IsSpeaking      bool    `json:"isSpeaking"`
	IsListening     bool    `json:"isListening"`
	CurrentSpeechID *string `json:"currentSpeakEventId"`
}

// Bridge consumes conversational-AI events and inbound control-channel
// lifecycle events, maintains speaking/listening state, and issues commands
// on its channel.
type Bridge struct {
	sessionID string

	mu        sync.Mutex
	ch        CommandChannel // nil when channel setup failed or after Destroy
	tracker   *state.SpeechTracker
	destroyed bool

	// speechDelay is the simulated utterance length used by SpeakText.
	speechDelay time.Duration
}

// New creates a Bridge for one session. The channel may be nil; all
// operations on a channel-less bridge are logged no-ops.
func New(sessionID string, ch CommandChannel) *Bridge {
	return &Bridge{
		sessionID:   sessionID,
		ch:          ch,
		tracker:     state.NewSpeechTracker(),
		speechDelay: simulatedSpeechDuration,
	}
}

// channelReady returns the attached channel if it is open, or nil. Caller
// holds b.mu.
func (b *Bridge) channelReady() CommandChannel {
	if b.ch == nil || !b.ch.IsOpen() {
		return nil
	}
	return b.ch
}

// ProcessEvent dispatches one conversational-AI event. Events arriving while
// no channel is attached or the channel is not open are logged and dropped;
// ProcessEvent never panics on unknown types or missing payload fields.
func (b *Bridge) ProcessEvent(event *events.AIEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.channelReady()
	if ch == nil {
		log.Printf("[bridge %s] channel not open, ignoring %s event", b.sessionID, event.Type)
		return
	}

	_, span := trace.InstrumentBridgeEvent(context.Background(), b.sessionID, string(event.Type))
	defer span.End()

	switch event.Type {
	case events.AIEventTypeResponseAudio, events.AIEventTypeResponseAudioDelta:
		b.handleAudioChunk(ch, event)

	case events.AIEventTypeResponseText, events.AIEventTypeResponseTextDelta:
		// Extension point for a text-to-speech bridge; observed only.
		log.Printf("[bridge %s] text chunk (%d chars)", b.sessionID, len(event.TextPayload()))

	case events.AIEventTypeResponseTranscriptDone, events.AIEventTypeResponseTextDone:
		log.Printf("[bridge %s] final text: %q", b.sessionID, event.Transcript+event.Text)

	case events.AIEventTypeResponseDone:
		if b.tracker.IsSpeaking() {
			ch.SpeakEnd("")
			b.tracker.EndSpeech()
		}

	case events.AIEventTypeInputText:
		if !b.tracker.IsListening() {
			ch.StartListening()
			b.tracker.SetListening(true)
		}
		ch.ClearBuffer()

	case events.AIEventTypeInputAudio:
		if b.tracker.IsSpeaking() {
			ch.Interrupt()
			b.tracker.EndSpeech()
		}
		if !b.tracker.IsListening() {
			ch.StartListening()
			b.tracker.SetListening(true)
		}

	case events.AIEventTypeInputAudioStop:
		if b.tracker.IsListening() {
			ch.StopListening()
			b.tracker.SetListening(false)
		}

	case events.AIEventTypeError:
		log.Printf("[bridge %s] error event from AI leg: %s", b.sessionID, event.Content)

	default:
		log.Printf("[bridge %s] unhandled event type: %s", b.sessionID, event.Type)
	}
}

// handleAudioChunk forwards one audio chunk as a speak command. The first
// chunk's command ID becomes the current speech ID; later chunks go out under
// fresh IDs without changing it. Caller holds b.mu.
func (b *Bridge) handleAudioChunk(ch CommandChannel, event *events.AIEvent) {
	audio := event.AudioPayload()
	if audio == "" {
		log.Printf("[bridge %s] audio event without audio payload, ignoring", b.sessionID)
		return
	}

	eventID := ch.Speak(audio)
	if b.tracker.StartSpeech(eventID) {
		log.Printf("[bridge %s] speech started: %s", b.sessionID, eventID)
	}
}

// HandleProviderEvent observes avatar-provider lifecycle events from the
// control channel. A terminating event for the in-flight speech clears it.
func (b *Bridge) HandleProviderEvent(event *events.ProviderEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch event.Type {
	case events.ProviderEventTypeSpeakEnded, events.ProviderEventTypeSpeakInterrupted:
		if id, ok := b.tracker.EndSpeech(); ok {
			log.Printf("[bridge %s] speech %s terminated by provider (%s)", b.sessionID, id, event.Type)
		}
	default:
		log.Printf("[bridge %s] provider event: %s", b.sessionID, event.Type)
	}
}

// SpeakText issues a speak command for direct control, then ends it after a
// fixed one-second delay, simulating a one-second utterance. This is a
// placeholder for a future text-to-speech integration: no audio is
// synthesized or transmitted, and the text argument is only logged.
func (b *Bridge) SpeakText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.channelReady()
	if ch == nil {
		log.Printf("[bridge %s] channel not open, ignoring speakText", b.sessionID)
		return
	}

	log.Printf("[bridge %s] speakText placeholder: %q", b.sessionID, text)

	eventID := ch.Speak("")
	b.tracker.StartSpeech(eventID)

	time.AfterFunc(b.speechDelay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// An interrupt may have cleared this speech during the delay.
		if b.tracker.CurrentSpeechID() != eventID {
			return
		}
		if ch := b.channelReady(); ch != nil {
			ch.SpeakEnd("")
		}
		b.tracker.EndSpeech()
	})
}

// Interrupt cancels the in-flight speech, if any.
func (b *Bridge) Interrupt() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.channelReady()
	if ch == nil || !b.tracker.IsSpeaking() {
		return
	}
	ch.Interrupt()
	b.tracker.EndSpeech()
}

// StartListening puts the avatar into listening mode. No-op when already
// listening or when no channel is open.
func (b *Bridge) StartListening() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.channelReady()
	if ch == nil || b.tracker.IsListening() {
		return
	}
	ch.StartListening()
	b.tracker.SetListening(true)
}

// StopListening takes the avatar out of listening mode. No-op when not
// listening or when no channel is open.
func (b *Bridge) StopListening() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.channelReady()
	if ch == nil || !b.tracker.IsListening() {
		return
	}
	ch.StopListening()
	b.tracker.SetListening(false)
}

// GetState returns a snapshot of the bridge state. IsConnected reflects the
// channel's live IsOpen, not a cached flag.
func (b *Bridge) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := b.tracker.Snapshot()
	st := State{
		HasChannel:  b.ch != nil,
		IsConnected: b.ch != nil && b.ch.IsOpen(),
		IsSpeaking:  snap.IsSpeaking,
		IsListening: snap.IsListening,
	}
	if snap.CurrentSpeechID != "" {
		id := snap.CurrentSpeechID
		st.CurrentSpeechID = &id
	}
	return st
}

// Destroy clears all state, disconnects the channel, and releases the
// reference. Idempotent; safe on an already-destroyed bridge.
func (b *Bridge) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tracker.Reset()
	if b.ch != nil {
		b.ch.Disconnect()
		b.ch = nil
	}
	if !b.destroyed {
		b.destroyed = true
		log.Printf("[bridge %s] destroyed", b.sessionID)
	}
}
