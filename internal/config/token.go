package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetAPIToken returns the bearer token protecting the management API.
// An explicitly configured token (KINDRED_AUTH_TOKEN) wins; otherwise a
// token is generated once and persisted in the data directory so the
// CLI and the server agree across restarts.
func GetAPIToken(cfg Config) (string, error) {
	if cfg.Auth.Token != "" {
		return cfg.Auth.Token, nil
	}

	path := filepath.Join(cfg.Storage.DataDir, "auth_token")
	if data, err := os.ReadFile(path); err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token := hex.EncodeToString(raw)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("persisting API token: %w", err)
	}
	return token, nil
}
