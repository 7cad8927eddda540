package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PORTER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "PORTER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.webhook_url", typ: kString, env: "PORTER_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.WebhookURL },
	},
	{
		key: "llm.base_url", typ: kString, env: "PORTER_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "PORTER_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "PORTER_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "storage.engine", typ: kString, env: "PORTER_STORAGE_ENGINE",
		apply:   func(cfg *Config, v any) { cfg.Storage.Engine = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Engine },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PORTER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "answer.top_k", typ: kInt, env: "PORTER_ANSWER_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Answer.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Answer.TopK },
	},
	{
		key: "answer.persona", typ: kString, env: "PORTER_ANSWER_PERSONA",
		apply:   func(cfg *Config, v any) { cfg.Answer.Persona = v.(string) },
		extract: func(cfg Config) any { return cfg.Answer.Persona },
	},
	{
		key: "answer.budget_seconds", typ: kInt, env: "PORTER_ANSWER_BUDGET_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Answer.BudgetSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Answer.BudgetSeconds },
	},
	{
		key: "answer.dedupe_wait_seconds", typ: kInt, env: "PORTER_ANSWER_DEDUPE_WAIT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Answer.DedupeWaitSecs = v.(int) },
		extract: func(cfg Config) any { return cfg.Answer.DedupeWaitSecs },
	},
	{
		key: "dispatch.call_timeout_seconds", typ: kInt, env: "PORTER_DISPATCH_CALL_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.CallTimeoutSecs = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatch.CallTimeoutSecs },
	},
	{
		key: "dispatch.docker_enabled", typ: kBool, env: "PORTER_DISPATCH_DOCKER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.DockerEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Dispatch.DockerEnabled },
	},
	{
		key: "log.level", typ: kString, env: "PORTER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
