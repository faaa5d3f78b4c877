package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const tokenFile = "api_token"

// EnsureAPIToken returns the API bearer token for this installation,
// generating and persisting one under the data dir on first run. The
// TETRAD_API_TOKEN environment variable overrides the stored token.
func EnsureAPIToken(dataDir string) (string, error) {
	if env := os.Getenv("TETRAD_API_TOKEN"); env != "" {
		return env, nil
	}

	path := filepath.Join(dataDir, tokenFile)
	if data, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persisting api token: %w", err)
	}
	return token, nil
}
