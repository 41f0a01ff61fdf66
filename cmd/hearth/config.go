package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the engine deployment configuration. Every field has a
	// working default; the zero config runs a filesystem-backed engine under
	// ./data.
	Config struct {
		// DataDir is the root of the filesystem persistence layout.
		DataDir string `yaml:"data_dir"`
		// Model is the default model identifier for new sessions.
		Model string `yaml:"model"`
		// AnthropicAPIKey authenticates the planner. The ANTHROPIC_API_KEY
		// environment variable takes precedence.
		AnthropicAPIKey string `yaml:"anthropic_api_key"`

		// MaxArtifactBytes caps artifact content size. Zero selects 4 MiB.
		MaxArtifactBytes int64 `yaml:"max_artifact_bytes"`
		// IdleTTL expires active sessions idle past this duration.
		IdleTTL time.Duration `yaml:"idle_ttl"`
		// CleanupInterval paces the background cleanup sweeps.
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		// ArtifactRetention removes artifacts older than this on each sweep.
		// Zero disables artifact cleanup.
		ArtifactRetention time.Duration `yaml:"artifact_retention"`

		// ActuationRate caps actuating tool invocations per second. Zero
		// disables pacing.
		ActuationRate float64 `yaml:"actuation_rate"`

		Budgets BudgetsConfig `yaml:"budgets"`
		Mongo   MongoConfig   `yaml:"mongo"`
		Redis   RedisConfig   `yaml:"redis"`
	}

	// BudgetsConfig overrides default per-continuation budgets. Zero fields
	// inherit engine defaults.
	BudgetsConfig struct {
		MaxSteps     int           `yaml:"max_steps"`
		MaxToolCalls int           `yaml:"max_tool_calls"`
		MaxDuration  time.Duration `yaml:"max_duration"`
		MaxTokens    int           `yaml:"max_tokens"`
	}

	// MongoConfig selects MongoDB-backed session and continuation stores
	// when URI is set; otherwise the filesystem layout under DataDir is used.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RedisConfig enables the Redis Streams step event sink when Addr is
	// set.
	RedisConfig struct {
		Addr         string `yaml:"addr"`
		Password     string `yaml:"password"`
		StreamMaxLen int64  `yaml:"stream_max_len"`
	}
)

// LoadConfig reads the YAML config at path and applies defaults. An empty
// path yields the default configuration.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		DataDir:         "data",
		CleanupInterval: 5 * time.Minute,
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.AnthropicAPIKey = key
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.Mongo.URI != "" && cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "hearth"
	}
	return cfg, nil
}
