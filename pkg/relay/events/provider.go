package events

import "encoding/json"

// ProviderEventType represents the type of an event emitted by the avatar
// provider on the control channel.
type ProviderEventType string

const (
	ProviderEventTypeSpeakStarted     ProviderEventType = "agent.speak_started"
	ProviderEventTypeSpeakEnded       ProviderEventType = "agent.speak_ended"
	ProviderEventTypeSpeakInterrupted ProviderEventType = "agent.speak_interrupted"
	ProviderEventTypeIdleStarted      ProviderEventType = "agent.idle_started"
	ProviderEventTypeIdleEnded        ProviderEventType = "agent.idle_ended"
)

// ProviderEvent is an inbound control-channel event. Raw holds the full
// payload so narrow subscribers can decode provider-specific fields.
type ProviderEvent struct {
	Type    ProviderEventType `json:"type"`
	EventID string            `json:"event_id,omitempty"`
	Raw     json.RawMessage   `json:"-"`
}

// ParseProviderEvent parses a control-channel message into a ProviderEvent.
func ParseProviderEvent(data []byte) (*ProviderEvent, error) {
	var event ProviderEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, ErrMissingEventType
	}
	event.Raw = append(json.RawMessage(nil), data...)
	return &event, nil
}
