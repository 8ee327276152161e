package embedding

import (
	"fmt"
	"net/http"
	"strings"
)

// ProviderConfig selects and configures a Provider.
type ProviderConfig struct {
	Name      string // openai, ollama or hash
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int // hash provider only
}

// NewProvider builds the provider named in cfg.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "openai", "lmstudio":
		return NewOpenAIProvider(OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			HTTPClient: &http.Client{},
		}), nil
	case "ollama":
		if cfg.Model == "" {
			return nil, fmt.Errorf("ollama provider requires a model")
		}
		return NewOllamaProvider(OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model}), nil
	case "hash":
		return NewHashProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Name)
	}
}
