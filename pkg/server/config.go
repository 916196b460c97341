package server

import (
	"os"
	"time"

	"github.com/avatar-relay/avatar-relay/pkg/relay/channel"
)

// Config holds the configuration for the relay server.
type Config struct {
	// Addr is the address to listen on (e.g. ":8080").
	Addr string

	// AvatarAPIKey is the avatar provider API key.
	AvatarAPIKey string

	// AvatarBaseURL overrides the avatar provider endpoint.
	AvatarBaseURL string

	// AIAPIKey is the conversational-AI provider API key, used only to mint
	// ephemeral client tokens.
	AIAPIKey string

	// AIModel is the realtime model requested when minting tokens.
	AIModel string

	// AISessionURL is the provider's realtime-session endpoint.
	AISessionURL string

	// SessionTimeout is the maximum session age before the reaper destroys
	// it. 0 disables reaping.
	SessionTimeout time.Duration

	// ReapInterval is how often the reaper runs.
	ReapInterval time.Duration

	// Channel is the control-channel configuration applied to every session.
	Channel channel.Config
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           ":8080",
		AIModel:        "gpt-4o-realtime-preview",
		AISessionURL:   "https://api.openai.com/v1/realtime/sessions",
		SessionTimeout: 30 * time.Minute,
		ReapInterval:   time.Minute,
		Channel:        channel.DefaultConfig(),
	}
}

// ConfigFromEnv builds a configuration from environment variables, falling
// back to defaults for anything unset.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("RELAY_ADDR"); v != "" {
		cfg.Addr = v
	}
	cfg.AvatarAPIKey = os.Getenv("AVATAR_API_KEY")
	if v := os.Getenv("AVATAR_API_URL"); v != "" {
		cfg.AvatarBaseURL = v
	}
	cfg.AIAPIKey = os.Getenv("OPENAI_API_KEY")
	if v := os.Getenv("AI_REALTIME_MODEL"); v != "" {
		cfg.AIModel = v
	}
	if v := os.Getenv("AI_SESSION_URL"); v != "" {
		cfg.AISessionURL = v
	}
	if v := os.Getenv("SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTimeout = d
		}
	}
	return cfg
}
