// Package config loads application configuration from
// ~/.scholar/config.yaml with SCHOLAR_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/scholar/internal/llm"
)

// Config holds all application configuration.
type Config struct {
	LLM          LLMConfig          `mapstructure:"llm" yaml:"llm"`
	Knowledge    KnowledgeConfig    `mapstructure:"knowledge" yaml:"knowledge"`
	Retrieval    RetrievalConfig    `mapstructure:"retrieval" yaml:"retrieval"`
	Search       SearchConfig       `mapstructure:"search" yaml:"search"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Tools        ToolsConfig        `mapstructure:"tools" yaml:"tools"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

// LLMConfig selects and configures the model providers.
type LLMConfig struct {
	// DefaultProvider is the provider used for every model call:
	// "anthropic", "openai", or "ollama".
	DefaultProvider string `mapstructure:"default_provider" yaml:"default_provider"`
	// Providers maps provider names to their settings.
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Model is the response model the specialists generate with.
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// QueryModel is the cheaper model used for classification and
	// critique. Falls back to Model when empty.
	QueryModel  string  `mapstructure:"query_model" yaml:"query_model,omitempty"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
	TimeoutSec  int     `mapstructure:"timeout_sec" yaml:"timeout_sec,omitempty"`
}

// KnowledgeConfig locates the local knowledge database.
type KnowledgeConfig struct {
	// DataDir is the directory holding the SQLite database.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// RetrievalConfig tunes local retrieval.
type RetrievalConfig struct {
	// TopK is how many documents one retrieval returns.
	TopK int `mapstructure:"top_k" yaml:"top_k"`
	// MinScore is the relevance floor; results below it do not count as
	// evidence and web search becomes permissible.
	MinScore float64 `mapstructure:"min_score" yaml:"min_score"`
}

// SearchConfig configures the Tavily web search tool.
type SearchConfig struct {
	// Enabled registers the search_web tool. Without an API key the tool
	// is not registered regardless.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// APIKey is the Tavily key; TAVILY_API_KEY overrides it.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// MaxResults caps results per search.
	MaxResults int `mapstructure:"max_results" yaml:"max_results"`
}

// OrchestratorConfig bounds the turn state machine.
type OrchestratorConfig struct {
	// MaxRetries is the critique retry budget per turn.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// MaxToolRounds bounds tool iterations per specialization pass.
	MaxToolRounds int `mapstructure:"max_tool_rounds" yaml:"max_tool_rounds"`
	// ConfidenceFloor is the classification confidence below which the
	// turn routes to the general specialist.
	ConfidenceFloor float64 `mapstructure:"confidence_floor" yaml:"confidence_floor"`
	// HistoryLimit is how many prior messages seed a turn.
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`
}

// ToolsConfig bounds tool execution.
type ToolsConfig struct {
	// CallTimeoutSec is the per-invocation deadline.
	CallTimeoutSec int `mapstructure:"call_timeout_sec" yaml:"call_timeout_sec"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "console" or "json".
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			Providers: map[string]ProviderConfig{
				"anthropic": {
					Model:      "claude-3-5-sonnet-20241022",
					QueryModel: "claude-3-5-haiku-20241022",
				},
				"openai": {
					Model:      "gpt-4o",
					QueryModel: "gpt-4o-mini",
				},
				"ollama": {
					Endpoint:   "http://localhost:11434",
					Model:      "llama3",
					QueryModel: "llama3.2:1b",
				},
			},
		},
		Knowledge: KnowledgeConfig{
			DataDir: "~/.scholar",
		},
		Retrieval: RetrievalConfig{
			TopK:     5,
			MinScore: 0.25,
		},
		Search: SearchConfig{
			Enabled:    true,
			MaxResults: 3,
		},
		Orchestrator: OrchestratorConfig{
			MaxRetries:      2,
			MaxToolRounds:   3,
			ConfidenceFloor: 0.5,
			HistoryLimit:    20,
		},
		Tools: ToolsConfig{
			CallTimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads ~/.scholar/config.yaml, creating it with defaults when absent.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".scholar", "config.yaml"))
}

// LoadFromPath reads configuration from path, merging SCHOLAR_* environment
// overrides. A missing file is created with defaults first.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SCHOLAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Knowledge.DataDir = expandPath(cfg.Knowledge.DataDir)
	if key := os.Getenv("TAVILY_API_KEY"); key != "" {
		cfg.Search.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.LLM.DefaultProvider {
	case "anthropic", "openai", "ollama":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.DefaultProvider)
	}
	if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
		return fmt.Errorf("provider %q has no configuration block", c.LLM.DefaultProvider)
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries must be >= 0, got %d", c.Orchestrator.MaxRetries)
	}
	if c.Orchestrator.MaxToolRounds < 1 {
		return fmt.Errorf("orchestrator.max_tool_rounds must be >= 1, got %d", c.Orchestrator.MaxToolRounds)
	}
	if c.Orchestrator.ConfidenceFloor < 0 || c.Orchestrator.ConfidenceFloor > 1 {
		return fmt.Errorf("orchestrator.confidence_floor must be in [0,1], got %g", c.Orchestrator.ConfidenceFloor)
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval.top_k must be >= 1, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		return fmt.Errorf("retrieval.min_score must be in [0,1], got %g", c.Retrieval.MinScore)
	}
	if c.Tools.CallTimeoutSec < 1 {
		return fmt.Errorf("tools.call_timeout_sec must be >= 1, got %d", c.Tools.CallTimeoutSec)
	}
	return nil
}

// ProviderConfigFor builds the provider settings for the llm package,
// layering the file's values over the provider defaults.
func (c *Config) ProviderConfigFor(name string) *llm.ProviderConfig {
	base := llm.DefaultConfig(name)
	pc, ok := c.LLM.Providers[name]
	if !ok {
		return base
	}
	if pc.Endpoint != "" {
		base.Endpoint = pc.Endpoint
	}
	if pc.APIKey != "" {
		base.APIKey = pc.APIKey
	}
	if pc.Model != "" {
		base.Model = pc.Model
	}
	if pc.QueryModel != "" {
		base.QueryModel = pc.QueryModel
	}
	if pc.MaxTokens > 0 {
		base.MaxTokens = pc.MaxTokens
	}
	if pc.Temperature > 0 {
		base.Temperature = pc.Temperature
	}
	if pc.TimeoutSec > 0 {
		base.Timeout = time.Duration(pc.TimeoutSec) * time.Second
	}
	return base
}

// CallTimeout returns the tool deadline as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Tools.CallTimeoutSec) * time.Second
}

func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
