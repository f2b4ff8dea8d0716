// Package config loads kindred's configuration from defaults, the JSON
// config file at $XDG_CONFIG_HOME/kindred/config.json, a .env file in
// the working directory, and KINDRED_* environment variables, in that
// order of precedence. Secrets (API key, auth token) never live in the
// config file; they come from the environment only.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	LLM      LLMConfig
	Channels ChannelConfig
	Outreach OutreachConfig
	Log      LogConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type ChannelConfig struct {
	IMessageURL string
	GmailURL    string
}

type OutreachConfig struct {
	RequireApprovalLog bool
	ApprovalTTLHours   int
}

type LogConfig struct {
	Level string
}

type AuthConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4400,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			Model:   "anthropic/claude-sonnet-4",
			BaseURL: "https://openrouter.ai/api/v1",
		},
		Channels: ChannelConfig{
			IMessageURL: "http://localhost:4500",
			GmailURL:    "http://localhost:4501",
		},
		Outreach: OutreachConfig{
			ApprovalTTLHours: 24,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file, .env, and
// KINDRED_* environment variables. The OpenRouter API key is required.
func Load() (Config, error) {
	// A missing .env is fine; it only matters when present.
	_ = godotenv.Load()
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenRouter API key. " +
			"Set it via environment variable KINDRED_LLM_API_KEY or a .env file")
	}

	return cfg, nil
}
