package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ChamsBouzaiene/coderag/internal/indexer"
)

// previewLines bounds the chunk text shown per search result.
const previewLines = 6

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, sum *indexer.UpdateSummary, jsonOut bool) error {
	if jsonOut {
		return writeJSON(w, sum)
	}
	fmt.Fprintf(w, "Repository %s: %d files scanned\n", sum.RepositoryID, sum.FilesScanned)
	fmt.Fprintf(w, "  chunks: +%d ~%d -%d, %d failed, %d unchanged, %d reused\n",
		sum.ChunksAdded, sum.ChunksUpdated, sum.ChunksRemoved,
		sum.ChunksFailed, sum.ChunksUnchanged, sum.ChunksReused)
	fmt.Fprintf(w, "  embedding calls: %d, saved: %t, took %s\n",
		sum.EmbeddingCalls, sum.Saved, sum.Duration.Round(time.Millisecond))
	for _, f := range sum.Files {
		fmt.Fprintf(w, "  %-8s %s", f.Status, f.Path)
		if f.Added+f.Updated+f.Removed+f.Failed > 0 {
			fmt.Fprintf(w, " (+%d ~%d -%d", f.Added, f.Updated, f.Removed)
			if f.Failed > 0 {
				fmt.Fprintf(w, ", %d failed", f.Failed)
			}
			fmt.Fprint(w, ")")
		}
		fmt.Fprintln(w)
	}
	for _, e := range sum.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	return nil
}

func printResults(w io.Writer, results []indexer.Result, jsonOut bool) error {
	if jsonOut {
		if results == nil {
			results = []indexer.Result{}
		}
		return writeJSON(w, results)
	}
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No results.")
		return err
	}
	for i, r := range results {
		fmt.Fprintf(w, "%d. %s/%s:%d-%d", i+1, r.RepositoryID, r.FilePath, r.Span.StartLine, r.Span.EndLine)
		if r.Score != nil {
			fmt.Fprintf(w, " (%.3f)", *r.Score)
		}
		if r.Name != "" {
			fmt.Fprintf(w, " %s %s", r.Kind, r.Name)
		}
		fmt.Fprintln(w)
		for _, line := range preview(r.Text) {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
	return nil
}

func preview(text string) []string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > previewLines {
		lines = append(lines[:previewLines], "...")
	}
	return lines
}

func printRepos(w io.Writer, repos []indexer.RepositoryInfo, jsonOut bool) error {
	if jsonOut {
		if repos == nil {
			repos = []indexer.RepositoryInfo{}
		}
		return writeJSON(w, repos)
	}
	if len(repos) == 0 {
		_, err := fmt.Fprintln(w, "No repositories registered.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILES\tCHUNKS\tMODEL\tPATH")
	for _, r := range repos {
		model := r.Model
		switch {
		case r.Error != "":
			model = "error: " + r.Error
		case !r.Indexed:
			model = "(not indexed)"
		case r.Busy:
			model += " (updating)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", r.ID, r.Files, r.Chunks, model, r.RootPath)
	}
	return tw.Flush()
}
