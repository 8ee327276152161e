package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Manager locates and creates the user config file.
type Manager struct {
	configDir string
}

// NewManager creates a new configuration manager rooted at the user
// config directory.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return &Manager{configDir: filepath.Join(configDir, "coderag")}, nil
}

// DefaultPath returns the user config file path.
func DefaultPath() (string, error) {
	m, err := NewManager()
	if err != nil {
		return "", err
	}
	return m.GetConfigPath(), nil
}

// GetConfigPath returns the absolute path to the config.yaml file.
func (m *Manager) GetConfigPath() string {
	return filepath.Join(m.configDir, "config.yaml")
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetConfigPath())
	return !os.IsNotExist(err)
}

// WriteDefault writes a commented config file with the default settings
// to path, or to the user config path when path is empty. An existing
// file is left alone unless force is set.
func (m *Manager) WriteDefault(path string, force bool) (string, error) {
	if path == "" {
		path = m.GetConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return path, fmt.Errorf("failed to create config dir: %w", err)
	}
	// The file may hold an API key.
	if err := os.WriteFile(path, []byte(defaultFile), 0o600); err != nil {
		return path, fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

const defaultFile = `# coderag configuration. Every key can be overridden with CODERAG_<SECTION>_<KEY>.

# data_dir holds the registry and one index file per repository.
# data_dir: ~/.cache/coderag
# repos_root: <data_dir>/repos

embedding:
  provider: openai          # openai (LM Studio, OpenAI), ollama or hash
  base_url: ""              # default http://127.0.0.1:1235/v1 for openai
  model: ""                 # default text-embedding-nomic-embed-text-v1.5@q8_0 for openai
  api_key: ""
  dimension: 256            # hash provider only
  batch_size: 32
  max_retries: 3
  initial_backoff: 500ms
  max_backoff: 10s
  request_timeout: 30s
  requests_per_second: 0    # 0 disables rate limiting

chunking:
  max_lines: 150
  min_lines: 8
  window_lines: 80
  overlap_lines: 10
  max_file_bytes: 1048576
  extra_ignore: []

index:
  update_timeout: 30m
  concurrency: 4

search:
  default_results: 5

tracing:
  otlp_endpoint: ""         # e.g. localhost:4317; empty disables export
  service_name: coderag
  sample_rate: 1.0
`
