package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxSteps)
	assert.Equal(t, 100, cfg.MaxWorkingMemorySize)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, "scripted", cfg.Model.Provider)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.NotEmpty(t, cfg.DBPath)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db: /tmp/x.db
max_steps: 9
retry_delay: 1s
model:
  provider: ollama
  name: qwen
embedding:
  provider: ollama
`), 0o644))

	t.Setenv("AGENT_RUNTIME_CONCURRENCY", "16")
	t.Setenv("AGENT_RUNTIME_MODEL_NAME", "mistral")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, 9, cfg.MaxSteps)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, 16, cfg.Concurrency)
	assert.Equal(t, "ollama", cfg.Model.Provider)
	assert.Equal(t, "mistral", cfg.Model.Name)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{DBPath: "x", MaxSteps: 1, MaxWorkingMemorySize: 1, Concurrency: 1, Model: ModelConfig{Provider: "scripted"}}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no db", func(c *Config) { c.DBPath = "" }},
		{"zero steps", func(c *Config) { c.MaxSteps = 0 }},
		{"zero memory", func(c *Config) { c.MaxWorkingMemorySize = 0 }},
		{"negative concurrency", func(c *Config) { c.Concurrency = -1 }},
		{"negative delay", func(c *Config) { c.RetryDelay = -time.Second }},
		{"bad provider", func(c *Config) { c.Model.Provider = "gpt" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
