package config

import (
	"fmt"
	"strconv"
	"testing"
)

// memBackend is an in-memory ConfigBackend for tests.
type memBackend struct {
	data map[string]any
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string]any)}
}

func (b *memBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (b *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case string:
		i, err := strconv.Atoi(val)
		return i, true, err
	}
	return 0, true, fmt.Errorf("invalid type for %s", key)
}

func (b *memBackend) SetString(key, val string) error { b.data[key] = val; return nil }
func (b *memBackend) SetInt(key string, val int) error { b.data[key] = val; return nil }
func (b *memBackend) Delete(key string) error          { delete(b.data, key); return nil }

type memSecrets map[string]string

func (m memSecrets) Get(service, account string) (string, error) {
	v, ok := m[service+"/"+account]
	if !ok {
		return "", fmt.Errorf("not found")
	}
	return v, nil
}

func TestLoadDefaults(t *testing.T) {
	b := newMemBackend()
	sec := memSecrets{"porter/llm_api_key": "sk-test"}

	cfg, err := loadWith(b, sec)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Storage.Engine != "sqlite" {
		t.Errorf("Engine = %q, want sqlite", cfg.Storage.Engine)
	}
	if cfg.Answer.TopK != 5 {
		t.Errorf("TopK = %d, want 5", cfg.Answer.TopK)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want secret store value", cfg.LLM.APIKey)
	}
}

func TestLoadBackendValues(t *testing.T) {
	b := newMemBackend()
	b.SetInt("server.port", 9999)
	b.SetString("storage.engine", "memory")
	b.SetString("llm.model", "gpt-4o")
	sec := memSecrets{"porter/llm_api_key": "sk-test"}

	cfg, err := loadWith(b, sec)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Storage.Engine != "memory" {
		t.Errorf("Engine = %q, want memory", cfg.Storage.Engine)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", cfg.LLM.Model)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	b := newMemBackend()
	b.SetInt("server.port", 9999)
	t.Setenv("PORTER_SERVER_PORT", "5000")
	t.Setenv("PORTER_LLM_API_KEY", "sk-env")
	t.Setenv("PORTER_DISPATCH_DOCKER_ENABLED", "true")

	cfg, err := loadWith(b, memSecrets{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Port = %d, want env override 5000", cfg.Server.Port)
	}
	if cfg.LLM.APIKey != "sk-env" {
		t.Errorf("APIKey = %q, want sk-env", cfg.LLM.APIKey)
	}
	if !cfg.Dispatch.DockerEnabled {
		t.Error("DockerEnabled = false, want env override true")
	}
}

func TestMissingAPIKey(t *testing.T) {
	_, err := loadWith(newMemBackend(), memSecrets{})
	if err == nil {
		t.Fatal("expected error for missing LLM API key")
	}
}

func TestUnknownStorageEngine(t *testing.T) {
	b := newMemBackend()
	b.SetString("storage.engine", "etched-stone")
	sec := memSecrets{"porter/llm_api_key": "sk-test"}

	if _, err := loadWith(b, sec); err == nil {
		t.Fatal("expected error for unknown storage engine")
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend()

	if err := setKeyWith(b, "answer.top_k", "8"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	if v, _, _ := b.GetInt("answer.top_k"); v != 8 {
		t.Errorf("stored top_k = %d, want 8", v)
	}

	if err := setKeyWith(b, "answer.top_k", "lots"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKeyWith(b, "llm.api_key", "sk-x"); err == nil {
		t.Error("expected refusal to store secret in config backend")
	}
	if err := setKeyWith(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestUnsetKey(t *testing.T) {
	b := newMemBackend()
	b.SetString("log.level", "debug")

	if err := unsetKeyWith(b, "log.level"); err != nil {
		t.Fatalf("unsetKeyWith: %v", err)
	}
	if _, ok, _ := b.GetString("log.level"); ok {
		t.Error("key still present after unset")
	}
	if err := unsetKeyWith(b, "no.such.key"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllSkipsSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-secret"

	for _, info := range ShowAll(cfg) {
		if info.Key == "llm.api_key" || info.Key == "server.api_token" {
			t.Errorf("secret key %s leaked in ShowAll", info.Key)
		}
		if info.Value == "sk-secret" {
			t.Errorf("secret value leaked under key %s", info.Key)
		}
	}
}
