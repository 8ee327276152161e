package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points the user config and cache dirs at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	t.Setenv("HOME", dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != filepath.Join(dir, "cache", "coderag") {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.ReposRoot != filepath.Join(cfg.DataDir, "repos") {
		t.Errorf("ReposRoot = %q", cfg.ReposRoot)
	}
	if cfg.Chunking.MaxLines != 150 || cfg.Chunking.MinLines != 8 || cfg.Chunking.WindowLines != 80 || cfg.Chunking.OverlapLines != 10 {
		t.Errorf("Chunking = %+v", cfg.Chunking)
	}
	if cfg.Embedding.Provider != "openai" || cfg.Embedding.BatchSize != 32 || cfg.Embedding.InitialBackoff != 500*time.Millisecond {
		t.Errorf("Embedding = %+v", cfg.Embedding)
	}
	if cfg.Index.UpdateTimeout != 30*time.Minute || cfg.Search.DefaultResults != 5 {
		t.Errorf("Index = %+v, Search = %+v", cfg.Index, cfg.Search)
	}
	if warnings, err := cfg.Validate(); err != nil || len(warnings) != 0 {
		t.Errorf("Validate() = %v, %v", warnings, err)
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "coderag.yaml")
	content := "data_dir: " + filepath.Join(dir, "data") + "\n" +
		"embedding:\n  provider: hash\n  dimension: 64\n" +
		"chunking:\n  max_lines: 60\n  extra_ignore: [\"*.lock\"]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CODERAG_EMBEDDING_BATCH_SIZE", "8")
	t.Setenv("CODERAG_INDEX_UPDATE_TIMEOUT", "1m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != filepath.Join(dir, "data") || cfg.Embedding.Provider != "hash" || cfg.Embedding.Dimension != 64 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Chunking.MaxLines != 60 || cfg.Chunking.WindowLines != 80 {
		t.Errorf("Chunking = %+v", cfg.Chunking)
	}
	if len(cfg.Chunking.ExtraIgnore) != 1 || cfg.Chunking.ExtraIgnore[0] != "*.lock" {
		t.Errorf("ExtraIgnore = %v", cfg.Chunking.ExtraIgnore)
	}
	if cfg.Embedding.BatchSize != 8 || cfg.Index.UpdateTimeout != time.Minute {
		t.Errorf("environment not applied: batch=%d timeout=%v", cfg.Embedding.BatchSize, cfg.Index.UpdateTimeout)
	}
}

func TestLoad_UserConfigFile(t *testing.T) {
	isolate(t)
	m, err := NewManager()
	if err != nil {
		t.Fatal(err)
	}
	if m.Exists() {
		t.Fatal("config exists in a fresh dir")
	}
	path, err := m.WriteDefault("", false)
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != m.GetConfigPath() || !m.Exists() {
		t.Errorf("WriteDefault() wrote %s", path)
	}
	if _, err := m.WriteDefault("", false); err == nil {
		t.Error("WriteDefault() overwrote an existing file")
	}
	if _, err := m.WriteDefault("", true); err != nil {
		t.Errorf("WriteDefault(force) error = %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chunking.MaxLines != 150 || cfg.Embedding.MaxBackoff != 10*time.Second || cfg.Tracing.ServiceName != "coderag" {
		t.Errorf("default file did not round-trip: %+v", cfg)
	}
	if _, err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	isolate(t)
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
		warn    string
	}{
		{name: "overlap not below window", mutate: func(c *Config) { c.Chunking.OverlapLines = 80 }, wantErr: "overlap_lines"},
		{name: "min above max", mutate: func(c *Config) { c.Chunking.MinLines = 200 }, wantErr: "min_lines"},
		{name: "unknown provider", mutate: func(c *Config) { c.Embedding.Provider = "bert" }, wantErr: "embedding.provider"},
		{name: "ollama without model", mutate: func(c *Config) { c.Embedding.Provider = "ollama" }, wantErr: "embedding.model"},
		{name: "zero batch", mutate: func(c *Config) { c.Embedding.BatchSize = 0 }, wantErr: "batch_size"},
		{name: "zero results", mutate: func(c *Config) { c.Search.DefaultResults = 0 }, wantErr: "default_results"},
		{name: "window above max", mutate: func(c *Config) { c.Chunking.WindowLines = 160 }, warn: "window_lines"},
		{name: "no timeout", mutate: func(c *Config) { c.Index.UpdateTimeout = 0 }, warn: "update_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			warnings, err := cfg.Validate()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !strings.Contains(strings.Join(warnings, "\n"), tt.warn) {
				t.Errorf("warnings = %v, want mention of %s", warnings, tt.warn)
			}
		})
	}
}
