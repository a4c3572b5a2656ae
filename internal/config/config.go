// Package config loads runtime configuration from defaults, an optional YAML
// file and AGENT_RUNTIME_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AGENT_RUNTIME_DB.
const EnvPrefix = "AGENT_RUNTIME"

// Config holds all application configuration.
type Config struct {
	DBPath string `mapstructure:"db"`

	Model     ModelConfig     `mapstructure:"model"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	// Engine limits.
	MaxSteps             int           `mapstructure:"max_steps"`
	MaxWorkingMemorySize int           `mapstructure:"max_working_memory_size"`
	Concurrency          int           `mapstructure:"concurrency"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	OTELEndpoint string `mapstructure:"otel_endpoint"`
	OTELInsecure bool   `mapstructure:"otel_insecure"`
}

// ModelConfig selects the completion model.
type ModelConfig struct {
	Provider string `mapstructure:"provider"` // scripted | ollama
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Script   string `mapstructure:"script"` // YAML script for the scripted provider
}

// EmbeddingConfig selects the embedder used for episode recall.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"` // "" | hash | ollama | openai
	Model      string `mapstructure:"model"`
	URL        string `mapstructure:"url"`
	VectorPath string `mapstructure:"vector_path"` // empty keeps the index in memory
}

func defaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-runtime", "runtime.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db", defaultDBPath())
	v.SetDefault("model.provider", "scripted")
	v.SetDefault("model.name", "llama3.2")
	v.SetDefault("model.url", "")
	v.SetDefault("model.script", "")
	v.SetDefault("embedding.provider", "hash")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.url", "")
	v.SetDefault("embedding.vector_path", "")
	v.SetDefault("max_steps", 5)
	v.SetDefault("max_working_memory_size", 100)
	v.SetDefault("concurrency", 4)
	v.SetDefault("retry_delay", 200*time.Millisecond)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("otel_insecure", false)
}

// Load reads configuration. path names an explicit YAML file; when empty,
// agent-runtime.yaml is looked up in the working directory and
// ~/.agent-runtime, and its absence is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agent-runtime")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".agent-runtime"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks limits and provider names.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db path is required")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("config: max_steps must be positive")
	}
	if c.MaxWorkingMemorySize <= 0 {
		return fmt.Errorf("config: max_working_memory_size must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("config: concurrency must be positive")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("config: retry_delay must not be negative")
	}
	switch c.Model.Provider {
	case "scripted", "ollama":
	default:
		return fmt.Errorf("config: unknown model provider %q", c.Model.Provider)
	}
	return nil
}
