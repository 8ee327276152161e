package indexer

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ChamsBouzaiene/coderag/internal/vectorindex"
)

// keywordBatchSize bounds the documents sent to bleve in one batch.
const keywordBatchSize = 500

// keywordIndex provides BM25 keyword search over the chunks of one
// snapshot. It lives in memory and is rebuilt when the snapshot changes.
type keywordIndex struct {
	index bleve.Index
	ix    *vectorindex.Index
}

// buildIndexMapping creates the index mapping for code chunks.
func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	chunkMapping := bleve.NewDocumentMapping()

	filePathField := bleve.NewTextFieldMapping()
	filePathField.Analyzer = keyword.Name
	filePathField.Store = false
	filePathField.Index = true
	chunkMapping.AddFieldMappingsAt("file_path", filePathField)

	langField := bleve.NewTextFieldMapping()
	langField.Analyzer = keyword.Name
	langField.Store = false
	langField.Index = true
	chunkMapping.AddFieldMappingsAt("lang", langField)

	// Searchable text fields (analyzed)
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false
	textField.Index = true
	chunkMapping.AddFieldMappingsAt("text", textField)

	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = standard.Name
	nameField.Store = false
	nameField.Index = true
	chunkMapping.AddFieldMappingsAt("name", nameField)

	indexMapping.DefaultMapping = chunkMapping
	return indexMapping
}

func buildKeywordIndex(ix *vectorindex.Index) (*keywordIndex, error) {
	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create keyword index: %w", err)
	}

	batch := index.NewBatch()
	for r := range ix.All() {
		c := r.Chunk
		doc := map[string]any{
			"file_path": c.FilePath,
			"lang":      c.Lang,
			"text":      c.Text,
			"name":      c.Name,
		}
		if err := batch.Index(c.ID, doc); err != nil {
			index.Close()
			return nil, fmt.Errorf("failed to add chunk %s to batch: %w", c.ID, err)
		}
		if batch.Size() >= keywordBatchSize {
			if err := index.Batch(batch); err != nil {
				index.Close()
				return nil, fmt.Errorf("failed to index chunks: %w", err)
			}
			batch.Reset()
		}
	}
	if batch.Size() > 0 {
		if err := index.Batch(batch); err != nil {
			index.Close()
			return nil, fmt.Errorf("failed to index chunks: %w", err)
		}
	}
	return &keywordIndex{index: index, ix: ix}, nil
}

// Search returns up to k chunks ranked by BM25 over text and names.
func (k *keywordIndex) Search(q string, limit int) ([]vectorindex.Match, error) {
	textQuery := bleve.NewMatchQuery(q)
	textQuery.SetField("text")
	nameQuery := bleve.NewMatchQuery(q)
	nameQuery.SetField("name")
	nameQuery.SetBoost(2)

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(textQuery, nameQuery))
	req.Size = min(limit, k.ix.Len())
	res, err := k.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}

	out := make([]vectorindex.Match, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r, ok := k.ix.Get(hit.ID)
		if !ok {
			continue
		}
		out = append(out, vectorindex.Match{Record: r, Score: hit.Score})
	}
	return out, nil
}

// Close closes the bleve index.
func (k *keywordIndex) Close() error {
	return k.index.Close()
}
