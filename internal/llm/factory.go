package llm

import (
	"fmt"
	"os"
)

// NewProvider creates a provider by name, falling back to standard
// environment variables for API keys when the config carries none.
func NewProvider(name string, cfg *ProviderConfig) (Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig(name)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = apiKeyFromEnv(name)
	}

	switch name {
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "ollama":
		return NewOllamaProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// apiKeyFromEnv retrieves the API key from standard environment variables.
func apiKeyFromEnv(name string) string {
	envVars := map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}
	if envVar, ok := envVars[name]; ok {
		return os.Getenv(envVar)
	}
	return ""
}
