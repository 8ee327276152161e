// Package config loads coderag settings from defaults, an optional YAML
// file and CODERAG_* environment variables, in increasing precedence.
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

// EnvPrefix prefixes environment overrides, e.g. CODERAG_EMBEDDING_MODEL.
const EnvPrefix = "CODERAG"

// Config holds all application configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	ReposRoot string          `mapstructure:"repos_root"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Index     IndexConfig     `mapstructure:"index"`
	Search    SearchConfig    `mapstructure:"search"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type EmbeddingConfig struct {
	Provider          string        `mapstructure:"provider"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	Dimension         int           `mapstructure:"dimension"` // hash provider only
	BatchSize         int           `mapstructure:"batch_size"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

type ChunkingConfig struct {
	MaxLines     int      `mapstructure:"max_lines"`
	MinLines     int      `mapstructure:"min_lines"`
	WindowLines  int      `mapstructure:"window_lines"`
	OverlapLines int      `mapstructure:"overlap_lines"`
	MaxFileBytes int64    `mapstructure:"max_file_bytes"`
	ExtraIgnore  []string `mapstructure:"extra_ignore"`
}

type IndexConfig struct {
	UpdateTimeout time.Duration `mapstructure:"update_timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
}

type SearchConfig struct {
	DefaultResults int `mapstructure:"default_results"`
}

type TracingConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("repos_root", "")

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.dimension", 256)
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.initial_backoff", "500ms")
	v.SetDefault("embedding.max_backoff", "10s")
	v.SetDefault("embedding.request_timeout", "30s")
	v.SetDefault("embedding.requests_per_second", 0)

	v.SetDefault("chunking.max_lines", 150)
	v.SetDefault("chunking.min_lines", 8)
	v.SetDefault("chunking.window_lines", 80)
	v.SetDefault("chunking.overlap_lines", 10)
	v.SetDefault("chunking.max_file_bytes", 1<<20)
	v.SetDefault("chunking.extra_ignore", []string{})

	v.SetDefault("index.update_timeout", "30m")
	v.SetDefault("index.concurrency", 4)

	v.SetDefault("search.default_results", 5)

	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.service_name", "coderag")
	v.SetDefault("tracing.sample_rate", 1.0)
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "coderag")
	}
	return ".coderag"
}

// Load reads configuration. An explicit path must exist; with an empty
// path the user config file is read when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if p, err := DefaultPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if cfg.ReposRoot == "" {
		cfg.ReposRoot = filepath.Join(cfg.DataDir, "repos")
	}
	return &cfg, nil
}

// Validate returns an error for settings that cannot work and warnings
// for settings that are probably mistakes.
func (c *Config) Validate() ([]string, error) {
	var errs []error
	var warnings []string

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}

	ch := c.Chunking
	if ch.MaxLines < 1 {
		errs = append(errs, fmt.Errorf("chunking.max_lines %d must be at least 1", ch.MaxLines))
	}
	if ch.WindowLines < 1 {
		errs = append(errs, fmt.Errorf("chunking.window_lines %d must be at least 1", ch.WindowLines))
	}
	if ch.MinLines < 0 || ch.OverlapLines < 0 {
		errs = append(errs, errors.New("chunking.min_lines and chunking.overlap_lines must not be negative"))
	}
	if ch.OverlapLines >= ch.WindowLines && ch.WindowLines > 0 {
		errs = append(errs, fmt.Errorf("chunking.overlap_lines %d must be below window_lines %d", ch.OverlapLines, ch.WindowLines))
	}
	if ch.MinLines > ch.MaxLines && ch.MaxLines > 0 {
		errs = append(errs, fmt.Errorf("chunking.min_lines %d exceeds max_lines %d", ch.MinLines, ch.MaxLines))
	}
	if ch.WindowLines > ch.MaxLines && ch.MaxLines > 0 {
		warnings = append(warnings, fmt.Sprintf("chunking.window_lines %d exceeds max_lines %d", ch.WindowLines, ch.MaxLines))
	}
	if ch.MaxFileBytes < 0 {
		errs = append(errs, errors.New("chunking.max_file_bytes must not be negative"))
	}

	e := c.Embedding
	switch strings.ToLower(e.Provider) {
	case "openai", "lmstudio", "ollama", "hash":
	default:
		errs = append(errs, fmt.Errorf("unknown embedding.provider %q", e.Provider))
	}
	if e.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("embedding.batch_size %d must be at least 1", e.BatchSize))
	}
	if e.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("embedding.max_retries %d is negative", e.MaxRetries))
	}
	if strings.EqualFold(e.Provider, "ollama") && e.Model == "" {
		errs = append(errs, errors.New("embedding.model is required for the ollama provider"))
	}
	if strings.EqualFold(e.Provider, "hash") && e.Dimension < 1 {
		errs = append(errs, fmt.Errorf("embedding.dimension %d must be at least 1", e.Dimension))
	}
	if e.BatchSize > 256 {
		warnings = append(warnings, fmt.Sprintf("embedding.batch_size %d is unusually large", e.BatchSize))
	}

	if c.Index.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("index.concurrency %d must be at least 1", c.Index.Concurrency))
	}
	if c.Index.UpdateTimeout <= 0 {
		warnings = append(warnings, "index.update_timeout is not set, updates never time out")
	}
	if c.Search.DefaultResults < 1 {
		errs = append(errs, fmt.Errorf("search.default_results %d must be at least 1", c.Search.DefaultResults))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing.sample_rate %.2f is outside [0, 1]", c.Tracing.SampleRate))
	}

	return warnings, errors.Join(errs...)
}
