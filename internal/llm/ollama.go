package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama talks to a local Ollama instance over HTTP.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllama creates a client targeting the given base URL and model.
func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// IsRunning returns true if the Ollama server responds to GET /api/tags with 200.
func (c *Ollama) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// generateRequest is the JSON body for POST /api/generate.
type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// generateChunk is one line of the /api/generate response. In streaming mode
// Ollama emits one JSON object per chunk; the final chunk has done=true.
type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *Ollama) buildRequest(ctx context.Context, prompt string, opts Options, stream bool) (*http.Request, error) {
	gr := generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: stream,
	}
	options := map[string]any{}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if len(options) > 0 {
		gr.Options = options
	}

	body, err := json.Marshal(gr)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Complete sends the prompt and returns the full response text.
func (c *Ollama) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	req, err := c.buildRequest(ctx, prompt, opts, false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelFailure, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: generate request: %v", ErrModelFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrModelFailure, resp.StatusCode)
	}

	var chunk generateChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrModelFailure, err)
	}
	return chunk.Response, nil
}

// Stream sends the prompt in streaming mode, reading the NDJSON chunk stream
// to completion and invoking emit for each text chunk in order.
func (c *Ollama) Stream(ctx context.Context, prompt string, opts Options, emit func(token string) error) error {
	req, err := c.buildRequest(ctx, prompt, opts, true)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelFailure, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: generate request: %v", ErrModelFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrModelFailure, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk generateChunk
		if err := dec.Decode(&chunk); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("%w: reading stream: %v", ErrModelFailure, err)
		}
		if chunk.Response != "" {
			if err := emit(chunk.Response); err != nil {
				return err
			}
		}
		if chunk.Done {
			break
		}
	}
	return nil
}
