// Package events defines the two event vocabularies the relay translates
// between: events originating from the conversational-AI leg and the command
// protocol of the avatar provider's control channel.
package events

import (
	"encoding/json"
	"errors"
)

// AIEventType represents the type of an event received from the
// conversational-AI leg via the relay endpoint.
type AIEventType string

const (
	AIEventTypeResponseAudio          AIEventType = "response.audio"
	AIEventTypeResponseAudioDelta     AIEventType = "response.audio.delta"
	AIEventTypeResponseText           AIEventType = "response.text"
	AIEventTypeResponseTextDelta      AIEventType = "response.text.delta"
	AIEventTypeResponseTranscriptDone AIEventType = "response.audio_transcript.done"
	AIEventTypeResponseTextDone       AIEventType = "response.text.done"
	AIEventTypeResponseDone           AIEventType = "response.done"
	AIEventTypeInputText              AIEventType = "input_text"
	AIEventTypeInputAudio             AIEventType = "input_audio"
	AIEventTypeInputAudioStop         AIEventType = "input_audio.stop"
	AIEventTypeError                  AIEventType = "error"
)

// ErrMissingEventType is returned when an inbound payload carries no type.
var ErrMissingEventType = errors.New("event has no type field")

// AIEvent is a structured event from the conversational-AI leg. All payload
// fields are optional; which ones are populated depends on the event type.
type AIEvent struct {
	Type       AIEventType     `json:"type"`
	Text       string          `json:"text,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Audio      string          `json:"audio,omitempty"` // base64
	Content    string          `json:"content,omitempty"`
	Item       json.RawMessage `json:"item,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
}

// ParseAIEvent parses an inbound relay payload into an AIEvent.
func ParseAIEvent(data []byte) (*AIEvent, error) {
	var event AIEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, ErrMissingEventType
	}
	return &event, nil
}

// AudioPayload returns the base64 audio carried by the event, preferring the
// full audio field over the delta. Empty when the event carries neither.
func (e *AIEvent) AudioPayload() string {
	if e.Audio != "" {
		return e.Audio
	}
	return e.Delta
}

// TextPayload returns the text carried by the event, preferring the full text
// field over the delta.
func (e *AIEvent) TextPayload() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Delta
}
