package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all cqllm configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// CodeQL CLI used as the validation capability
	CodeQL CodeQLConfig `yaml:"codeql"`

	// Batch augmentation
	Augment AugmentConfig `yaml:"augment"`

	// Run ledger
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// CodeQLConfig configures the codeql binary and the database queries run against.
type CodeQLConfig struct {
	Binary          string   `yaml:"binary"`
	Database        string   `yaml:"database"`
	Threads         int      `yaml:"threads"`
	RAM             int      `yaml:"ram"` // MB, 0 = codeql default
	AdditionalPacks []string `yaml:"additional_packs"`
	Timeout         string   `yaml:"timeout"`

	// MaxConcurrent bounds concurrent codeql processes against one database.
	// Zero means unbounded.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxDiagnosticBytes trims stderr before it is fed back to the model.
	MaxDiagnosticBytes int `yaml:"max_diagnostic_bytes"`
}

// AugmentConfig configures the refine loop used by augment and generate.
type AugmentConfig struct {
	Workers       int    `yaml:"workers"`
	MaxAttempts   int    `yaml:"max_attempts"`
	BackoffBase   string `yaml:"backoff_base"`
	BackoffMax    string `yaml:"backoff_max"`
	PublishPrefix string `yaml:"publish_prefix"`
	StagePrefix   string `yaml:"stage_prefix"`
}

// StoreConfig configures the SQLite run ledger.
type StoreConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// DefaultConfigPath is relative to the workspace.
const DefaultConfigPath = ".cqllm/config.yaml"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "cqllm",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider:    "zai",
			Model:       "glm-4.5",
			BaseURL:     "",
			Timeout:     "300s",
			Temperature: 0.7,
			MaxTokens:   4096,
		},

		CodeQL: CodeQLConfig{
			Binary:             "codeql",
			Timeout:            "10m",
			MaxConcurrent:      5,
			MaxDiagnosticBytes: 8 * 1024,
		},

		Augment: AugmentConfig{
			Workers:       5,
			MaxAttempts:   5,
			BackoffBase:   "500ms",
			BackoffMax:    "32s",
			PublishPrefix: "aug_",
			StagePrefix:   "temp_aug_",
		},

		Store: StoreConfig{
			Enabled:      true,
			DatabasePath: ".cqllm/runs.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
// The provider-specific key only applies when that provider is selected,
// so an exported OPENAI_API_KEY does not hijack a zai config.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("CQLLM_PROVIDER"); p != "" {
		c.LLM.Provider = p
	}
	if envVar, ok := providerKeyEnv[c.LLM.Provider]; ok {
		if key := os.Getenv(envVar); key != "" {
			c.LLM.APIKey = key
		}
	}
	if key := os.Getenv("CQLLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if db := os.Getenv("CQLLM_CODEQL_DB"); db != "" {
		c.CodeQL.Database = db
	}
	if path := os.Getenv("CQLLM_DB"); path != "" {
		c.Store.DatabasePath = path
	}
}

// GetLLMTimeout returns the per-call LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 300*time.Second)
}

// GetCodeQLTimeout returns the per-query codeql timeout as a duration.
func (c *Config) GetCodeQLTimeout() time.Duration {
	return parseDuration(c.CodeQL.Timeout, 10*time.Minute)
}

// GetBackoffBase returns the base backoff between refine attempts.
func (c *Config) GetBackoffBase() time.Duration {
	return parseDuration(c.Augment.BackoffBase, 500*time.Millisecond)
}

// GetBackoffMax returns the backoff cap between refine attempts.
func (c *Config) GetBackoffMax() time.Duration {
	return parseDuration(c.Augment.BackoffMax, 32*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if c.Augment.MaxAttempts < 1 {
		return fmt.Errorf("augment.max_attempts must be >= 1, got %d", c.Augment.MaxAttempts)
	}
	if c.Augment.Workers < 1 {
		return fmt.Errorf("augment.workers must be >= 1, got %d", c.Augment.Workers)
	}
	if c.Augment.PublishPrefix == "" || c.Augment.StagePrefix == "" {
		return fmt.Errorf("augment.publish_prefix and augment.stage_prefix are required")
	}
	if c.Augment.PublishPrefix == c.Augment.StagePrefix {
		return fmt.Errorf("augment.publish_prefix and augment.stage_prefix must differ")
	}
	return nil
}

// ValidateCodeQL checks the settings needed by commands that run queries.
func (c *Config) ValidateCodeQL() error {
	if c.CodeQL.Database == "" {
		return fmt.Errorf("codeql.database not configured (set it in the config or CQLLM_CODEQL_DB)")
	}
	return nil
}
