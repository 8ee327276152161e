// Package embedding adapts external embedding services to the indexer.
//
// A Provider speaks one service's wire protocol. Client wraps a Provider
// with batching, rate limiting, retries and response validation, and maps
// every failure to ErrServiceUnavailable or ErrInputRejected.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/ChamsBouzaiene/coderag/internal/embedding"

// Provider computes one vector per input text, in order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model identifies the embedding model; it is persisted with indexes.
	Model() string
}

// Config controls how the Client talks to its provider.
type Config struct {
	BatchSize         int
	Retry             RetryPolicy
	RequestTimeout    time.Duration
	RequestsPerSecond float64 // 0 disables rate limiting
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      32,
		Retry:          DefaultRetryPolicy(),
		RequestTimeout: 30 * time.Second,
	}
}

// Client is a stateless adapter around a Provider. It is safe for
// concurrent use.
type Client struct {
	provider Provider
	cfg      Config
	limiter  *rate.Limiter
	tracer   trace.Tracer
}

// NewClient wraps p with cfg. Non-positive batch sizes fall back to the
// default.
func NewClient(p Provider, cfg Config) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		provider: p,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		tracer:   otel.Tracer(tracerName),
	}
}

// Model returns the provider's model identifier.
func (c *Client) Model() string { return c.provider.Model() }

// EmbedQuery embeds a single text.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embed returns one vector per text, preserving order. Inputs larger than
// the batch size are sent as several requests. Either every text gets a
// vector or the call fails with an *Error.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := c.tracer.Start(ctx, "embedding.embed", trace.WithAttributes(
		attribute.String("embedding.model", c.provider.Model()),
		attribute.Int("embedding.inputs", len(texts)),
	))
	defer span.End()

	vecs, err := c.embed(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return vecs, err
}

func (c *Client) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, &Error{Kind: ErrInputRejected, Index: i, Err: errors.New("empty input text")}
		}
	}

	out := make([][]float32, 0, len(texts))
	dim := 0
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(texts))
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if dim == 0 {
			dim = len(vecs[0])
		}
		if len(vecs[0]) != dim {
			return nil, &Error{
				Kind:  ErrServiceUnavailable,
				Index: -1,
				Err:   fmt.Errorf("%w: dimension changed from %d to %d between batches", ErrMalformedResponse, dim, len(vecs[0])),
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	attempts := 0
	vecs, err := RetryWithPolicy(ctx, c.cfg.Retry,
		func(ctx context.Context) ([][]float32, error) {
			attempts++
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			callCtx := ctx
			if c.cfg.RequestTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
				defer cancel()
			}
			vecs, err := c.provider.Embed(callCtx, texts)
			if err != nil {
				return nil, err
			}
			if err := validateVectors(vecs, len(texts)); err != nil {
				return nil, err
			}
			return vecs, nil
		},
		Classify,
		func(attempt int, delay time.Duration, err error) {
			log.Printf("⚠️  Embedding request failed (attempt %d), retrying in %v: %v", attempt, delay.Round(time.Millisecond), err)
		},
	)
	if err != nil {
		return nil, &Error{Kind: kindOf(err), Index: -1, Attempts: attempts, Err: err}
	}
	return vecs, nil
}

// validateVectors checks that a response has one finite, non-empty vector
// per input and a uniform dimension.
func validateVectors(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: got %d vectors for %d inputs", ErrMalformedResponse, len(vecs), want)
	}
	dim := len(vecs[0])
	if dim == 0 {
		return fmt.Errorf("%w: empty vector", ErrMalformedResponse)
	}
	for i, v := range vecs {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrMalformedResponse, i, len(v), dim)
		}
		for _, x := range v {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return fmt.Errorf("%w: vector %d contains non-finite values", ErrMalformedResponse, i)
			}
		}
	}
	return nil
}
