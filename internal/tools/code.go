package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ChamsBouzaiene/coderag/internal/indexer"
)

// Backend is the retrieval engine behind the tools.
type Backend interface {
	Search(ctx context.Context, req indexer.SearchRequest) ([]indexer.Result, error)
	GetFile(ctx context.Context, repository, filePath string) (*indexer.File, error)
	UpdateIndex(ctx context.Context, repoPath string) (*indexer.UpdateSummary, error)
	Clone(ctx context.Context, url, branch string, index bool) (string, *indexer.UpdateSummary, error)
	Repositories(ctx context.Context) ([]indexer.RepositoryInfo, error)
}

// DefaultResults is the number of search results when num_results is absent.
const DefaultResults = 5

// NewRegistry returns the retrieval tools backed by b. defaultResults
// applies when a search omits num_results; non-positive means DefaultResults.
func NewRegistry(b Backend, defaultResults int) Registry {
	if defaultResults <= 0 {
		defaultResults = DefaultResults
	}
	reg := make(Registry)
	reg.Register(NewSearchCodeTool(b, defaultResults))
	reg.Register(NewGetFileTool(b))
	reg.Register(NewUpdateIndexTool(b))
	reg.Register(NewCloneRepoTool(b))
	reg.Register(NewListRepositoriesTool(b))
	return reg
}

// NewSearchCodeTool searches indexed repositories.
func NewSearchCodeTool(b Backend, defaultResults int) Tool {
	return Tool{
		Name: "search_code",
		Description: "Searches indexed repositories. mode=semantic (default) ranks code chunks by meaning, " +
			"mode=keyword ranks them by term matches, mode=file_path matches the query against file paths. " +
			"Returned file_path values can be passed to get_file.",
		SchemaJSON: fmt.Sprintf(`{"type":"object","properties":{`+
			`"query":{"type":"string","minLength":1,"description":"What to look for"},`+
			`"num_results":{"type":"integer","minimum":1,"default":%d,"description":"Maximum number of results"},`+
			`"repository":{"type":"string","description":"Repository id; omit to search all repositories"},`+
			`"mode":{"type":"string","enum":["semantic","keyword","file_path"],"description":"Matching mode"}},`+
			`"required":["query"]}`, defaultResults),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			mode, err := indexer.ParseMode(stringArg(args, "mode"))
			if err != nil {
				return "", err
			}
			req := indexer.SearchRequest{
				Query:      stringArg(args, "query"),
				K:          intArg(args, "num_results", defaultResults),
				Mode:       mode,
				Repository: stringArg(args, "repository"),
			}
			results, err := b.Search(ctx, req)
			if err != nil {
				return "", err
			}
			return marshal(map[string]any{
				"query":   req.Query,
				"mode":    req.Mode,
				"count":   len(results),
				"results": results,
			})
		},
		Metadata: ToolMetadata{
			Version:  "1.0.0",
			Category: "search",
			Tags:     []string{"read-only", "idempotent"},
		},
	}
}

// NewGetFileTool returns the full content of a repository file.
func NewGetFileTool(b Backend) Tool {
	return Tool{
		Name:        "get_file",
		Description: "Returns the full current content of a file in an indexed repository.",
		SchemaJSON: `{"type":"object","properties":{` +
			`"repository":{"type":"string","minLength":1,"description":"Repository id as returned by search_code"},` +
			`"file_path":{"type":"string","minLength":1,"description":"Path relative to the repository root"}},` +
			`"required":["repository","file_path"]}`,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			f, err := b.GetFile(ctx, stringArg(args, "repository"), stringArg(args, "file_path"))
			if err != nil {
				return "", err
			}
			return f.Content, nil
		},
		Metadata: ToolMetadata{
			Version:  "1.0.0",
			Category: "repository",
			Tags:     []string{"read-only", "idempotent"},
		},
	}
}

// NewUpdateIndexTool indexes a local repository incrementally.
func NewUpdateIndexTool(b Backend) Tool {
	return Tool{
		Name: "update_index",
		Description: "Indexes or re-indexes a local repository. Only new and changed code is embedded; " +
			"the summary reports added, updated, removed and failed chunks.",
		SchemaJSON: `{"type":"object","properties":{` +
			`"repo_path":{"type":"string","minLength":1,"description":"Path of the repository on this machine"}},` +
			`"required":["repo_path"]}`,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			sum, err := b.UpdateIndex(ctx, stringArg(args, "repo_path"))
			if err != nil {
				return "", summaryError(sum, err)
			}
			return marshal(sum)
		},
		Metadata: ToolMetadata{
			Version:  "1.0.0",
			Category: "repository",
			Tags:     []string{"idempotent"},
		},
	}
}

// NewCloneRepoTool clones a GitHub repository and optionally indexes it.
func NewCloneRepoTool(b Backend) Tool {
	return Tool{
		Name:        "clone_repo",
		Description: "Clones a GitHub repository into the repositories root and indexes it unless index is false.",
		SchemaJSON: `{"type":"object","properties":{` +
			`"repository_url":{"type":"string","minLength":1,"description":"https://github.com/owner/repo or git@github.com:owner/repo"},` +
			`"branch":{"type":"string","description":"Branch to check out"},` +
			`"index":{"type":"boolean","default":true,"description":"Index after cloning"}},` +
			`"required":["repository_url"]}`,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			path, sum, err := b.Clone(ctx, stringArg(args, "repository_url"), stringArg(args, "branch"), boolArg(args, "index", true))
			if err != nil {
				return "", summaryError(sum, err)
			}
			return marshal(map[string]any{"path": path, "summary": sum})
		},
		Metadata: ToolMetadata{
			Version:  "1.0.0",
			Category: "repository",
		},
	}
}

// NewListRepositoriesTool lists registered repositories.
func NewListRepositoriesTool(b Backend) Tool {
	return Tool{
		Name:        "list_repositories",
		Description: "Lists registered repositories with their index statistics.",
		SchemaJSON:  `{"type":"object","properties":{}}`,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			repos, err := b.Repositories(ctx)
			if err != nil {
				return "", err
			}
			return marshal(map[string]any{"count": len(repos), "repositories": repos})
		},
		Metadata: ToolMetadata{
			Version:  "1.0.0",
			Category: "repository",
			Tags:     []string{"read-only", "idempotent"},
		},
	}
}

// summaryError attaches the partial summary of a failed update.
func summaryError(sum *indexer.UpdateSummary, err error) error {
	if sum == nil {
		return err
	}
	data, mErr := json.Marshal(sum)
	if mErr != nil {
		return err
	}
	return fmt.Errorf("%w\nsummary: %s", err, data)
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		if v >= math.MaxInt {
			return math.MaxInt
		}
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func boolArg(args map[string]any, key string, def bool) bool {
	if b, ok := args[key].(bool); ok {
		return b
	}
	return def
}
