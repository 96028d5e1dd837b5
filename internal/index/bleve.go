// Package index ranks tools against a query with an in-memory Bleve index.
// The engine uses it to pick a relevant subset when a connection exposes
// more tools than a single model request accepts.
package index

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"
)

// ToolDocument is one indexed tool.
type ToolDocument struct {
	ToolName    string `json:"tool_name"`
	ServerID    string `json:"server_id"`
	Description string `json:"description"`
	ParamsJSON  string `json:"params_json"`
	// NameWords is ToolName with separators replaced by spaces so that
	// "send_email" matches a query for "email".
	NameWords string `json:"name_words"`
}

// SearchResult is one ranked hit.
type SearchResult struct {
	ToolName string
	ServerID string
	Score    float64
}

// ToolIndex is an in-memory tool index. Safe for concurrent use.
type ToolIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	logger *zap.Logger
}

// NewToolIndex creates an empty in-memory index.
func NewToolIndex(logger *zap.Logger) (*ToolIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory index: %w", err)
	}
	return &ToolIndex{index: idx, logger: logger}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()
	toolMapping := bleve.NewDocumentMapping()

	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = keyword.Name
	nameField.Store = true
	toolMapping.AddFieldMappingsAt("tool_name", nameField)

	serverField := bleve.NewTextFieldMapping()
	serverField.Analyzer = keyword.Name
	serverField.Store = true
	toolMapping.AddFieldMappingsAt("server_id", serverField)

	for _, field := range []string{"description", "params_json", "name_words"} {
		text := bleve.NewTextFieldMapping()
		text.Analyzer = standard.Name
		text.Store = field != "params_json"
		toolMapping.AddFieldMappingsAt(field, text)
	}

	indexMapping.AddDocumentMapping("tool", toolMapping)
	indexMapping.DefaultMapping = toolMapping
	return indexMapping
}

// BatchIndex adds docs in one batch. The document id is the tool name,
// which is unique within a connection.
func (t *ToolIndex) BatchIndex(docs []ToolDocument) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch := t.index.NewBatch()
	for i := range docs {
		doc := docs[i]
		doc.NameWords = nameWords(doc.ToolName)
		if err := batch.Index(doc.ToolName, doc); err != nil {
			return fmt.Errorf("failed to index tool %s: %w", doc.ToolName, err)
		}
	}

	t.logger.Debug("Batch indexing tools", zap.Int("count", len(docs)))
	return t.index.Batch(batch)
}

// Search returns up to limit tools ranked by BM25 relevance to query.
func (t *ToolIndex) Search(query string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), limit, 0, false)
	req.Fields = []string{"tool_name", "server_id"}

	t.mu.RLock()
	res, err := t.index.Search(req)
	t.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, SearchResult{
			ToolName: hit.ID,
			ServerID: stringField(hit.Fields, "server_id"),
			Score:    hit.Score,
		})
	}
	return results, nil
}

// DocCount returns the number of indexed tools.
func (t *ToolIndex) DocCount() (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index.DocCount()
}

// Close releases the index.
func (t *ToolIndex) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index.Close()
}

func nameWords(name string) string {
	return strings.NewReplacer("_", " ", "-", " ", ".", " ", ":", " ").Replace(name)
}

func stringField(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}
