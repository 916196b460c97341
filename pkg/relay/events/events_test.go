package events

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAIEvent(t *testing.T) {
	t.Run("AudioDelta", func(t *testing.T) {
		event, err := ParseAIEvent([]byte(`{"type":"response.audio.delta","delta":"QUJD"}`))
		require.NoError(t, err)
		assert.Equal(t, AIEventTypeResponseAudioDelta, event.Type)
		assert.Equal(t, "QUJD", event.AudioPayload())
	})

	t.Run("AudioPreferredOverDelta", func(t *testing.T) {
		event, err := ParseAIEvent([]byte(`{"type":"response.audio","audio":"ZnVsbA==","delta":"cGFydA=="}`))
		require.NoError(t, err)
		assert.Equal(t, "ZnVsbA==", event.AudioPayload())
	})

	t.Run("TextPayload", func(t *testing.T) {
		event, err := ParseAIEvent([]byte(`{"type":"response.text.delta","delta":"hel"}`))
		require.NoError(t, err)
		assert.Equal(t, "hel", event.TextPayload())
	})

	t.Run("MissingType", func(t *testing.T) {
		_, err := ParseAIEvent([]byte(`{"delta":"QUJD"}`))
		assert.ErrorIs(t, err, ErrMissingEventType)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		_, err := ParseAIEvent([]byte(`{"type":`))
		assert.Error(t, err)
	})
}

func TestParseProviderEvent(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		data := []byte(`{"type":"agent.speak_ended","event_id":"123_abcdefg","duration_ms":450}`)
		event, err := ParseProviderEvent(data)
		require.NoError(t, err)
		assert.Equal(t, ProviderEventTypeSpeakEnded, event.Type)
		assert.Equal(t, "123_abcdefg", event.EventID)
		assert.JSONEq(t, string(data), string(event.Raw))
	})

	t.Run("MissingType", func(t *testing.T) {
		_, err := ParseProviderEvent([]byte(`{"event_id":"123_abcdefg"}`))
		assert.ErrorIs(t, err, ErrMissingEventType)
	})
}

func TestNewEventID(t *testing.T) {
	pattern := regexp.MustCompile(`^\d{13}_[A-Za-z0-9]{7}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewEventID()
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id], "duplicate event ID %s", id)
		seen[id] = true
	}
}

func TestCommandConstructors(t *testing.T) {
	cmd := NewSpeakCommand("QUJD")
	assert.Equal(t, CommandTypeSpeak, cmd.Type)
	assert.Equal(t, "QUJD", cmd.Audio)
	assert.NotEmpty(t, cmd.EventID)

	end := NewSpeakEndCommand("")
	assert.Equal(t, CommandTypeSpeakEnd, end.Type)
	assert.Empty(t, end.Audio)
	assert.NotEqual(t, cmd.EventID, end.EventID)
}
