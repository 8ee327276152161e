package indexer

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChamsBouzaiene/coderag/internal/chunker"
	"github.com/ChamsBouzaiene/coderag/internal/registry"
	"github.com/ChamsBouzaiene/coderag/internal/vectorindex"
)

// Mode selects how a query is matched.
type Mode string

const (
	// ModeSemantic ranks chunks by cosine similarity to the query embedding.
	ModeSemantic Mode = "semantic"
	// ModeFilePath matches the query against file paths. No embedding
	// call is made and results carry no score.
	ModeFilePath Mode = "file_path"
	// ModeKeyword ranks chunks by BM25 over their text and names.
	ModeKeyword Mode = "keyword"
)

// ParseMode parses a mode name. The empty string selects ModeSemantic.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeSemantic, nil
	case ModeSemantic, ModeFilePath, ModeKeyword:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown search mode %q", ErrInvalidArgument, s)
}

// SearchRequest is one search.
type SearchRequest struct {
	Query string
	// K is the maximum number of results; it must be at least 1.
	K    int
	Mode Mode
	// Repository restricts the search to one repository. Empty searches
	// every registered repository.
	Repository string
}

// Result is one search hit.
type Result struct {
	RepositoryID string       `json:"repository_id"`
	FilePath     string       `json:"file_path"`
	Span         chunker.Span `json:"span"`
	Lang         string       `json:"lang,omitempty"`
	Kind         string       `json:"kind,omitempty"`
	Name         string       `json:"name,omitempty"`
	Text         string       `json:"text"`
	Score        *float64     `json:"score,omitempty"`
}

// Search runs req against the repositories in scope and returns at most
// req.K results, best first.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (results []Result, err error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", ErrInvalidArgument)
	}
	if req.K < 1 {
		return nil, fmt.Errorf("%w: number of results must be at least 1, got %d", ErrInvalidArgument, req.K)
	}
	if req.Mode == "" {
		req.Mode = ModeSemantic
	}

	ctx, span := e.tracer.Start(ctx, "indexer.search", trace.WithAttributes(
		attribute.String("search.mode", string(req.Mode)),
		attribute.String("search.repository", req.Repository),
		attribute.Int("search.k", req.K),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("search.results", len(results)))
		span.End()
	}()

	snaps, err := e.scope(ctx, req.Repository)
	if err != nil {
		return nil, err
	}

	switch req.Mode {
	case ModeSemantic:
		return e.searchSemantic(ctx, snaps, req)
	case ModeFilePath:
		return searchFilePath(snaps, req), nil
	case ModeKeyword:
		return searchKeyword(snaps, req)
	}
	return nil, fmt.Errorf("%w: unknown search mode %q", ErrInvalidArgument, req.Mode)
}

// scope loads the snapshots of the repositories a search covers.
// Registered repositories without a saved index are skipped.
func (e *Engine) scope(ctx context.Context, repository string) ([]*snapshot, error) {
	var entries []registry.Entry
	if repository != "" {
		entry, err := e.registry.Resolve(ctx, repository)
		if err != nil {
			return nil, err
		}
		entries = []registry.Entry{entry}
	} else {
		var err error
		if entries, err = e.registry.List(ctx); err != nil {
			return nil, err
		}
	}

	snaps := make([]*snapshot, 0, len(entries))
	for _, entry := range entries {
		s, err := e.snapshot(ctx, entry)
		if err != nil {
			return nil, err
		}
		if s != nil {
			snaps = append(snaps, s)
		}
	}
	return snaps, nil
}

func (e *Engine) snapshot(ctx context.Context, entry registry.Entry) (*snapshot, error) {
	s, err := e.snapshots.get(ctx, entry.ID, entry.IndexPath,
		vectorindex.Expect{RepoID: entry.ID, Model: e.embedder.Model()})
	if err != nil {
		return nil, fmt.Errorf("failed to load index of %s: %w", entry.ID, err)
	}
	return s, nil
}

func (e *Engine) searchSemantic(ctx context.Context, snaps []*snapshot, req SearchRequest) ([]Result, error) {
	empty := true
	for _, s := range snaps {
		if s.ix.Len() > 0 {
			empty = false
			break
		}
	}
	if empty {
		return []Result{}, nil
	}

	query, err := e.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	top := vectorindex.NewTopK(req.K)
	for _, s := range snaps {
		if s.ix.Len() == 0 {
			continue
		}
		matches, err := s.ix.Search(query, req.K)
		if err != nil {
			return nil, fmt.Errorf("search of %s failed: %w", s.ix.Meta().RepoID, err)
		}
		for _, m := range matches {
			top.Offer(m)
		}
	}
	return toResults(top.Sorted()), nil
}

func searchKeyword(snaps []*snapshot, req SearchRequest) ([]Result, error) {
	top := vectorindex.NewTopK(req.K)
	for _, s := range snaps {
		if s.ix.Len() == 0 {
			continue
		}
		kw, err := s.keyword()
		if err != nil {
			return nil, err
		}
		matches, err := kw.Search(req.Query, req.K)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			top.Offer(m)
		}
	}
	return toResults(top.Sorted()), nil
}

// searchFilePath returns one result per file whose path contains the
// query, ignoring case. An exact path comes first, then paths ending in
// the query.
func searchFilePath(snaps []*snapshot, req SearchRequest) []Result {
	type hit struct {
		exact  bool
		suffix bool
		repoID string
		path   string
		recs   []vectorindex.Record
	}

	q := strings.ToLower(slashQuery(strings.TrimSpace(req.Query)))
	var hits []hit
	for _, s := range snaps {
		repoID := s.ix.Meta().RepoID
		for _, p := range s.ix.Files() {
			lp := strings.ToLower(p)
			if !strings.Contains(lp, q) {
				continue
			}
			recs := s.ix.FileRecords(p)
			if len(recs) == 0 {
				continue
			}
			hits = append(hits, hit{exact: lp == q, suffix: strings.HasSuffix(lp, q), repoID: repoID, path: p, recs: recs})
		}
	}

	slices.SortFunc(hits, func(a, b hit) int {
		if a.exact != b.exact {
			if a.exact {
				return -1
			}
			return 1
		}
		if a.suffix != b.suffix {
			if a.suffix {
				return -1
			}
			return 1
		}
		return cmp.Or(cmp.Compare(a.path, b.path), cmp.Compare(a.repoID, b.repoID))
	})
	hits = hits[:min(len(hits), req.K)]

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		first, last := h.recs[0].Chunk, h.recs[len(h.recs)-1].Chunk
		results = append(results, Result{
			RepositoryID: h.repoID,
			FilePath:     h.path,
			Span: chunker.Span{
				StartLine: 1,
				EndLine:   last.Span.EndLine,
				StartByte: 0,
				EndByte:   last.Span.EndByte,
			},
			Lang: first.Lang,
			Text: first.Text,
		})
	}
	return results
}

func slashQuery(s string) string {
	return strings.ReplaceAll(s, "\\", "/")
}

func toResults(matches []vectorindex.Match) []Result {
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		c := m.Record.Chunk
		score := m.Score
		results = append(results, Result{
			RepositoryID: c.RepoID,
			FilePath:     c.FilePath,
			Span:         c.Span,
			Lang:         c.Lang,
			Kind:         c.Kind,
			Name:         c.Name,
			Text:         c.Text,
			Score:        &score,
		})
	}
	return results
}
