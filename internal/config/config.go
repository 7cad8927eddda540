package config

import "fmt"

type Config struct {
	Server   ServerConfig
	LLM      LLMConfig
	Storage  StorageConfig
	Answer   AnswerConfig
	Dispatch DispatchConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port       int
	APIToken   string
	WebhookURL string
}

type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type StorageConfig struct {
	// Engine selects the persistence plugin: "sqlite" or "memory".
	Engine  string
	DataDir string
}

type AnswerConfig struct {
	TopK           int
	Persona        string
	BudgetSeconds  int
	DedupeWaitSecs int
}

type DispatchConfig struct {
	CallTimeoutSecs int
	DockerEnabled   bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Storage: StorageConfig{
			Engine:  "sqlite",
			DataDir: defaultDataDir(),
		},
		Answer: AnswerConfig{
			TopK:           5,
			BudgetSeconds:  45,
			DedupeWaitSecs: 60,
		},
		Dispatch: DispatchConfig{
			CallTimeoutSecs: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/porter/config.json, then applies PORTER_* environment
// overrides, then fills secrets from the secrets file if still empty.
func Load() (Config, error) {
	return loadWith(newFileBackend(), fileSecrets{})
}

func loadWith(b ConfigBackend, sec secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		if key, err := sec.Get("porter", "llm_api_key"); err == nil && key != "" {
			cfg.LLM.APIKey = key
		}
	}
	if cfg.Server.APIToken == "" {
		if tok, err := sec.Get("porter", "api_token"); err == nil && tok != "" {
			cfg.Server.APIToken = tok
		}
	}

	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: LLM API key. " +
			"Set it via environment variable PORTER_LLM_API_KEY")
	}
	if cfg.Storage.Engine != "sqlite" && cfg.Storage.Engine != "memory" {
		return Config{}, fmt.Errorf("unknown storage engine %q (want sqlite or memory)", cfg.Storage.Engine)
	}

	return cfg, nil
}
