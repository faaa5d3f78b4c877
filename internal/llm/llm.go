// Package llm abstracts the language model behind the pipeline stages.
// Providers produce opaque incremental text; the orchestrator never sees
// tokenizer details.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrModelFailure marks an unrecoverable model call failure. A run that hits
// it transitions to the errored terminal state.
var ErrModelFailure = errors.New("model call failed")

// Options are per-call generation parameters.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Client is the minimal surface the pipeline needs from a model provider.
type Client interface {
	// Complete returns the full response for a prompt.
	Complete(ctx context.Context, prompt string, opts Options) (string, error)

	// Stream generates a response incrementally, invoking emit for each text
	// chunk in generation order. Returning an error from emit stops generation.
	Stream(ctx context.Context, prompt string, opts Options, emit func(token string) error) error
}

// Config selects and configures a provider.
type Config struct {
	Provider string // "mock" or "ollama"
	BaseURL  string // ollama only
	Model    string // ollama only
}

// New builds a Client from config. Unknown providers are an error so a typo
// in config fails at startup, not mid-request.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "", "mock":
		return NewMock(), nil
	case "ollama":
		return NewOllama(cfg.BaseURL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
