// Package config loads bridge configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Agent service connection.
	AgentURL    string
	AgentAPIKey string

	// Agent model selection.
	AgentLanguage   string
	ListenModel     string
	SpeakModel      string
	ThinkProvider   string
	ThinkModel      string
	DefaultGreeting string

	// Outbound playout pacing.
	FrameInterval time.Duration

	// EHR data service.
	EHRDatabasePath string
	EHRSeedPath     string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	WSWriteTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOICEBRIDGE_ADDR", ":8080"),
		AgentURL:            envOr("VOICEBRIDGE_AGENT_URL", "wss://agent.deepgram.com/v1/agent/converse"),
		AgentAPIKey:         strings.TrimSpace(os.Getenv("VOICEBRIDGE_AGENT_API_KEY")),
		AgentLanguage:       envOr("VOICEBRIDGE_AGENT_LANGUAGE", "en"),
		ListenModel:         envOr("VOICEBRIDGE_LISTEN_MODEL", "flux-general-en"),
		SpeakModel:          envOr("VOICEBRIDGE_SPEAK_MODEL", "aura-2-thalia-en"),
		ThinkProvider:       envOr("VOICEBRIDGE_THINK_PROVIDER", "open_ai"),
		ThinkModel:          envOr("VOICEBRIDGE_THINK_MODEL", "gpt-4.1-mini"),
		DefaultGreeting:     strings.TrimSpace(os.Getenv("VOICEBRIDGE_GREETING")),
		FrameInterval:       envDurationOr("VOICEBRIDGE_FRAME_INTERVAL", 20*time.Millisecond),
		EHRDatabasePath:     envOr("VOICEBRIDGE_EHR_DB_PATH", "voicebridge.db"),
		EHRSeedPath:         envOr("VOICEBRIDGE_EHR_SEED_PATH", ""),
		ReadHeaderTimeout:   envDurationOr("VOICEBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		WSWriteTimeout:      envDurationOr("VOICEBRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		ShutdownGracePeriod: envDurationOr("VOICEBRIDGE_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("VOICEBRIDGE_ADDR must not be empty")
	}
	parsed, err := url.Parse(cfg.AgentURL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
		return Config{}, fmt.Errorf("VOICEBRIDGE_AGENT_URL must be a ws:// or wss:// URL")
	}
	if strings.TrimSpace(cfg.ListenModel) == "" {
		return Config{}, fmt.Errorf("VOICEBRIDGE_LISTEN_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.SpeakModel) == "" {
		return Config{}, fmt.Errorf("VOICEBRIDGE_SPEAK_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.ThinkModel) == "" {
		return Config{}, fmt.Errorf("VOICEBRIDGE_THINK_MODEL must not be empty")
	}
	if cfg.FrameInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_FRAME_INTERVAL must be > 0")
	}
	if strings.TrimSpace(cfg.EHRDatabasePath) == "" {
		return Config{}, fmt.Errorf("VOICEBRIDGE_EHR_DB_PATH must not be empty")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
