package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ChamsBouzaiene/coderag/internal/chunker"
	"github.com/ChamsBouzaiene/coderag/internal/config"
	"github.com/ChamsBouzaiene/coderag/internal/embedding"
	"github.com/ChamsBouzaiene/coderag/internal/indexer"
	"github.com/ChamsBouzaiene/coderag/internal/observability"
	"github.com/ChamsBouzaiene/coderag/internal/registry"
)

type runtimeEnv struct {
	Config   *config.Config
	Engine   *indexer.Engine
	registry *registry.Registry
	tracing  *observability.TracerProvider
}

func (r *runtimeEnv) Close() {
	if r.Engine != nil {
		r.Engine.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracing.Shutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to flush traces: %v", err)
		}
	}
}

// prepareRuntimeEnv loads configuration and wires the engine.
func prepareRuntimeEnv(ctx context.Context, opts *globalOptions) (*runtimeEnv, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		log.Printf("⚠️  Config: %s", w)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	env := &runtimeEnv{Config: cfg}
	env.tracing, err = observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Printf("⚠️  Tracing disabled: %v", err)
		env.tracing = nil
	}

	if err := os.MkdirAll(cfg.ReposRoot, 0o755); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to create repositories root: %w", err)
	}
	env.registry, err = registry.Open(ctx, cfg.DataDir, cfg.ReposRoot)
	if err != nil {
		env.Close()
		return nil, err
	}

	embedder, err := newEmbedder(cfg.Embedding)
	if err != nil {
		env.Close()
		return nil, err
	}
	log.Printf("🧮 Embedding model: %s (%s)", embedder.Model(), cfg.Embedding.Provider)

	env.Engine, err = indexer.NewEngine(indexerConfig(cfg), env.registry, embedder, nil)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// loadConfig loads configuration with the command line overrides applied.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	if opts.dataDir != "" {
		// Through the environment so repos_root follows the override.
		os.Setenv(config.EnvPrefix+"_DATA_DIR", opts.dataDir)
	}
	return config.Load(opts.configPath)
}

func newEmbedder(c config.EmbeddingConfig) (*embedding.Client, error) {
	provider, err := embedding.NewProvider(embedding.ProviderConfig{
		Name:      c.Provider,
		BaseURL:   c.BaseURL,
		APIKey:    c.APIKey,
		Model:     c.Model,
		Dimension: c.Dimension,
	})
	if err != nil {
		return nil, err
	}
	retry := embedding.DefaultRetryPolicy()
	retry.MaxRetries = c.MaxRetries
	if c.InitialBackoff > 0 {
		retry.InitialDelay = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		retry.MaxDelay = c.MaxBackoff
	}
	return embedding.NewClient(provider, embedding.Config{
		BatchSize:         c.BatchSize,
		Retry:             retry,
		RequestTimeout:    c.RequestTimeout,
		RequestsPerSecond: c.RequestsPerSecond,
	}), nil
}

func indexerConfig(cfg *config.Config) indexer.Config {
	ic := indexer.DefaultConfig()
	ic.Chunking = chunker.Config{
		MaxLines:     cfg.Chunking.MaxLines,
		MinLines:     cfg.Chunking.MinLines,
		WindowLines:  cfg.Chunking.WindowLines,
		OverlapLines: cfg.Chunking.OverlapLines,
	}
	ic.ReposRoot = cfg.ReposRoot
	ic.MaxFileBytes = cfg.Chunking.MaxFileBytes
	ic.UpdateTimeout = cfg.Index.UpdateTimeout
	ic.Concurrency = cfg.Index.Concurrency
	ic.EmbedBatchSize = cfg.Embedding.BatchSize
	ic.ExtraIgnore = cfg.Chunking.ExtraIgnore
	return ic
}
