package events

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// CommandType represents the type of an outbound command sent to the avatar
// provider's control channel.
type CommandType string

const (
	CommandTypeSpeak            CommandType = "agent.speak"
	CommandTypeSpeakEnd         CommandType = "agent.speak_end"
	CommandTypeInterrupt        CommandType = "agent.interrupt"
	CommandTypeStartListening   CommandType = "agent.start_listening"
	CommandTypeStopListening    CommandType = "agent.stop_listening"
	CommandTypeAudioBufferClear CommandType = "agent.audio_buffer_clear"
	CommandTypeKeepAlive        CommandType = "session.keep_alive"
)

// Command is the outbound envelope transmitted on the control channel.
type Command struct {
	Type    CommandType `json:"type"`
	EventID string      `json:"event_id"`
	Audio   string      `json:"audio,omitempty"` // base64
}

// NewCommand creates a command envelope with a freshly generated event ID.
func NewCommand(commandType CommandType) Command {
	return Command{
		Type:    commandType,
		EventID: NewEventID(),
	}
}

// NewSpeakCommand creates an agent.speak command carrying base64 audio.
func NewSpeakCommand(audio string) Command {
	cmd := NewCommand(CommandTypeSpeak)
	cmd.Audio = audio
	return cmd
}

// NewSpeakEndCommand creates an agent.speak_end command. The audio field is
// optional and carries any trailing chunk.
func NewSpeakEndCommand(audio string) Command {
	cmd := NewCommand(CommandTypeSpeakEnd)
	cmd.Audio = audio
	return cmd
}

const eventIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewEventID generates a command event identifier of the form
// "{millisecond timestamp}_{7 random alphanumerics}". Uniqueness is
// best-effort; collision probability is negligible at expected volumes.
func NewEventID() string {
	suffix := make([]byte, 7)
	for i := range suffix {
		suffix[i] = eventIDAlphabet[rand.IntN(len(eventIDAlphabet))]
	}
	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), suffix)
}
