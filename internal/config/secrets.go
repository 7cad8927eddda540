package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// secretStore abstracts secret lookup for testing. The default
// implementation reads a JSON secrets file in the data directory;
// environment variables always take precedence over it.
type secretStore interface {
	Get(service, account string) (string, error)
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// fileSecrets reads secrets from $XDG_DATA_HOME/porter/secrets.json.
type fileSecrets struct{}

func (fileSecrets) Get(service, account string) (string, error) {
	data, err := os.ReadFile(secretsFilePath())
	if err != nil {
		return "", fmt.Errorf("secret store not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	svc, ok := secrets[service]
	if !ok {
		return "", fmt.Errorf("service %q not found", service)
	}
	val, ok := svc[account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return strings.TrimSpace(val), nil
}

// EnsureAPIToken returns the bearer token for the management API,
// generating and persisting one on first use.
func EnsureAPIToken() (string, error) {
	if tok, err := (fileSecrets{}).Get("porter", "api_token"); err == nil && tok != "" {
		return tok, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := SetSecret("porter", "api_token", tok); err != nil {
		return "", fmt.Errorf("persisting API token: %w", err)
	}
	return tok, nil
}

// SetSecret writes a secret to the secrets file, creating it if needed.
func SetSecret(service, account, value string) error {
	p := secretsFilePath()

	var secrets map[string]map[string]string
	if data, err := os.ReadFile(p); err == nil {
		_ = json.Unmarshal(data, &secrets)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}
