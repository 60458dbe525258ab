package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadFromPath_CreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.FileExists(t, path)
	assert.Equal(t, "anthropic", cfg.LLM.DefaultProvider)
	assert.Equal(t, 2, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 3, cfg.Orchestrator.MaxToolRounds)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 0.25, cfg.Retrieval.MinScore)
}

func TestLoadFromPath_ReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
llm:
  default_provider: ollama
  providers:
    ollama:
      endpoint: http://localhost:11434
      model: llama3
knowledge:
  data_dir: /tmp/scholar-test
retrieval:
  top_k: 3
  min_score: 0.4
search:
  enabled: false
  max_results: 3
orchestrator:
  max_retries: 1
  max_tool_rounds: 4
  confidence_floor: 0.6
  history_limit: 10
tools:
  call_timeout_sec: 15
logging:
  level: debug
  format: json
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.LLM.DefaultProvider)
	assert.Equal(t, 1, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 4, cfg.Orchestrator.MaxToolRounds)
	assert.Equal(t, 0.4, cfg.Retrieval.MinScore)
	assert.False(t, cfg.Search.Enabled)
	assert.Equal(t, 15, cfg.Tools.CallTimeoutSec)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.LLM.DefaultProvider = "bard" }},
		{"negative retries", func(c *Config) { c.Orchestrator.MaxRetries = -1 }},
		{"zero tool rounds", func(c *Config) { c.Orchestrator.MaxToolRounds = 0 }},
		{"confidence above one", func(c *Config) { c.Orchestrator.ConfidenceFloor = 1.5 }},
		{"zero top_k", func(c *Config) { c.Retrieval.TopK = 0 }},
		{"min_score above one", func(c *Config) { c.Retrieval.MinScore = 2 }},
		{"zero timeout", func(c *Config) { c.Tools.CallTimeoutSec = 0 }},
		{"provider without block", func(c *Config) { delete(c.LLM.Providers, "anthropic") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestProviderConfigFor_LayersOverDefaults(t *testing.T) {
	cfg := Default()
	cfg.LLM.Providers["anthropic"] = ProviderConfig{
		APIKey:     "sk-test",
		Model:      "custom-model",
		TimeoutSec: 90,
	}

	pc := cfg.ProviderConfigFor("anthropic")

	assert.Equal(t, "sk-test", pc.APIKey)
	assert.Equal(t, "custom-model", pc.Model)
	assert.NotEmpty(t, pc.QueryModel, "default query model survives partial overrides")
}

func TestTavilyKeyEnvOverride(t *testing.T) {
	t.Setenv("TAVILY_API_KEY", "tvly-test")
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "tvly-test", cfg.Search.APIKey)
}
