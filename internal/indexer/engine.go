// Package indexer is the retrieval engine: it keeps the vector index of
// each repository in step with its files and answers searches over them.
package indexer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChamsBouzaiene/coderag/internal/chunker"
	"github.com/ChamsBouzaiene/coderag/internal/registry"
	"github.com/ChamsBouzaiene/coderag/internal/syntax"
)

const tracerName = "github.com/ChamsBouzaiene/coderag/internal/indexer"

// Embedder is the embedding capability the engine consumes.
// embedding.Client implements it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Config configures the engine.
type Config struct {
	Chunking chunker.Config
	// ReposRoot is where cloned repositories are placed.
	ReposRoot string
	// MaxFileBytes skips larger files. 0 means no limit.
	MaxFileBytes int64
	// UpdateTimeout bounds a whole UpdateIndex run. 0 means no limit.
	UpdateTimeout time.Duration
	// Concurrency limits parallel file chunking. Default: 4
	Concurrency int
	// EmbedBatchSize is how many chunks are sent per Embed call.
	// Default: 32
	EmbedBatchSize int
	// ExtraIgnore adds ignore patterns to every walk.
	ExtraIgnore []string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Chunking:       chunker.DefaultConfig(),
		MaxFileBytes:   1 << 20,
		UpdateTimeout:  30 * time.Minute,
		Concurrency:    4,
		EmbedBatchSize: 32,
	}
}

// Engine runs updates and searches. It is safe for concurrent use.
type Engine struct {
	cfg       Config
	chunker   *chunker.Chunker
	embedder  Embedder
	registry  *registry.Registry
	detector  LanguageDetector
	leases    *leaseTable
	snapshots *snapshotCache
	tracer    trace.Tracer
}

// NewEngine wires an engine. A nil syntax registry selects the default one.
func NewEngine(cfg Config, reg *registry.Registry, emb Embedder, syntaxes *syntax.Registry) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidArgument)
	}
	if emb == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidArgument)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = DefaultConfig().EmbedBatchSize
	}
	if syntaxes == nil {
		syntaxes = syntax.DefaultRegistry()
	}
	ch, err := chunker.New(cfg.Chunking, syntaxes)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		chunker:   ch,
		embedder:  emb,
		registry:  reg,
		detector:  NewExtensionDetector(),
		leases:    newLeaseTable(),
		snapshots: newSnapshotCache(),
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Close releases cached snapshots.
func (e *Engine) Close() error {
	e.snapshots.closeAll()
	return nil
}

// Busy reports whether an update of repoID is running.
func (e *Engine) Busy(repoID string) bool {
	return e.leases.busy(repoID)
}

// ReposRoot returns the directory cloned repositories are placed in.
func (e *Engine) ReposRoot() string { return e.cfg.ReposRoot }
