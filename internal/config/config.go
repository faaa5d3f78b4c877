// Package config loads service configuration from a JSON file backend with
// TETRAD_* environment overrides. Values are read once at process start.
package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server  ServerConfig
	LLM     LLMConfig
	Memory  MemoryConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type LLMConfig struct {
	Provider string // "mock" or "ollama"
	BaseURL  string
	Model    string
}

type MemoryConfig struct {
	// Window is K, the number of recent turns kept verbatim in context.
	Window int
	// TokenBudget bounds the estimated size of a packed context block.
	TokenBudget int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string // "debug" or "info"
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		LLM: LLMConfig{
			Provider: "mock",
			BaseURL:  "http://localhost:11434",
			Model:    "phi3.5",
		},
		Memory: MemoryConfig{
			Window:      10,
			TokenBudget: 3000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/tetrad/config.json, then applies TETRAD_* environment
// overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "tetrad-data"
		}
	}
	return filepath.Join(dir, "tetrad")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "tetrad", "config.json")
}
