package config

import (
	"os"
	"path/filepath"
	"testing"
)

// mapBackend is an in-memory test double for the Backend interface.
type mapBackend struct {
	data map[string]any
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	return v.(int), true, nil
}

func (m *mapBackend) SetString(key, val string) error { m.data[key] = val; return nil }
func (m *mapBackend) SetInt(key string, val int) error {
	m.data[key] = val
	return nil
}
func (m *mapBackend) Delete(key string) error { delete(m.data, key); return nil }

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(&mapBackend{data: map[string]any{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.LLM.Provider != "mock" {
		t.Errorf("LLM.Provider = %q, want mock", cfg.LLM.Provider)
	}
	if cfg.LLM.BaseURL != "http://localhost:11434" {
		t.Errorf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.Memory.Window != 10 {
		t.Errorf("Memory.Window = %d, want 10", cfg.Memory.Window)
	}
	if cfg.Memory.TokenBudget != 3000 {
		t.Errorf("Memory.TokenBudget = %d, want 3000", cfg.Memory.TokenBudget)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestBackendValues(t *testing.T) {
	b := &mapBackend{data: map[string]any{
		"server.port":         5000,
		"llm.provider":        "ollama",
		"llm.model":           "mistral-nemo",
		"memory.window":       4,
		"memory.token_budget": 1200,
		"storage.data_dir":    "/tmp/tetrad-test",
	}}
	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.LLM.Provider != "ollama" {
		t.Errorf("LLM.Provider = %q, want ollama", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "mistral-nemo" {
		t.Errorf("LLM.Model = %q", cfg.LLM.Model)
	}
	if cfg.Memory.Window != 4 {
		t.Errorf("Memory.Window = %d, want 4", cfg.Memory.Window)
	}
	if cfg.Memory.TokenBudget != 1200 {
		t.Errorf("Memory.TokenBudget = %d, want 1200", cfg.Memory.TokenBudget)
	}
	if cfg.Storage.DataDir != "/tmp/tetrad-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
}

func TestEnvOverride(t *testing.T) {
	b := &mapBackend{data: map[string]any{"llm.provider": "ollama"}}

	t.Setenv("TETRAD_LLM_PROVIDER", "mock")
	t.Setenv("TETRAD_MEMORY_WINDOW", "7")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Provider != "mock" {
		t.Errorf("LLM.Provider = %q, env override lost", cfg.LLM.Provider)
	}
	if cfg.Memory.Window != 7 {
		t.Errorf("Memory.Window = %d, want 7", cfg.Memory.Window)
	}
}

func TestSetKey(t *testing.T) {
	b := &mapBackend{data: map[string]any{}}

	if err := setKeyOn(b, "server.port", "8080"); err != nil {
		t.Fatalf("setKeyOn: %v", err)
	}
	if b.data["server.port"] != 8080 {
		t.Errorf("server.port = %v, want 8080", b.data["server.port"])
	}

	if err := setKeyOn(b, "server.port", "not-a-number"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyOn(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)

	if err := b.SetString("llm.model", "phi3.5"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetInt("server.port", 9999); err != nil {
		t.Fatalf("SetInt: %v", err)
	}

	// A fresh backend must see the persisted values.
	b2 := newFileBackend(path)
	s, ok, err := b2.GetString("llm.model")
	if err != nil || !ok || s != "phi3.5" {
		t.Errorf("GetString = %q, %v, %v", s, ok, err)
	}
	i, ok, err := b2.GetInt("server.port")
	if err != nil || !ok || i != 9999 {
		t.Errorf("GetInt = %d, %v, %v", i, ok, err)
	}
}

func TestEnsureAPIToken(t *testing.T) {
	dir := t.TempDir()

	token, err := EnsureAPIToken(dir)
	if err != nil {
		t.Fatalf("EnsureAPIToken: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}

	// Second call returns the persisted token, not a new one.
	again, err := EnsureAPIToken(dir)
	if err != nil {
		t.Fatalf("EnsureAPIToken (second): %v", err)
	}
	if again != token {
		t.Error("token changed between calls")
	}

	info, err := os.Stat(filepath.Join(dir, tokenFile))
	if err != nil {
		t.Fatalf("token file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}

	t.Setenv("TETRAD_API_TOKEN", "from-env")
	tok, err := EnsureAPIToken(dir)
	if err != nil {
		t.Fatalf("EnsureAPIToken (env): %v", err)
	}
	if tok != "from-env" {
		t.Errorf("env token not honored: %q", tok)
	}
}
