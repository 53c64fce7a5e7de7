package corpus

import (
	"context"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/search/query"
)

// MemSearcher is an in-memory BM25 searcher over the corpus. It serves
// deployments without an embedding backend and keyword-only test setups.
type MemSearcher struct {
	index bleve.Index
	meta  map[string]Article
	mu    sync.RWMutex
}

// NewMemSearcher builds an empty in-memory index. The institute field is
// indexed verbatim so batch filters match exactly.
func NewMemSearcher() (*MemSearcher, error) {
	mapping := bleve.NewIndexMapping()
	instituteField := bleve.NewTextFieldMapping()
	instituteField.Analyzer = keyword.Name
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("institute", instituteField)
	mapping.DefaultMapping = doc

	index, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("bleve index: %w", err)
	}
	return &MemSearcher{index: index, meta: make(map[string]Article)}, nil
}

func articleID(a Article) string {
	return a.Source + ":" + a.Reference
}

// Add indexes one article. Re-adding the same source/reference replaces it.
func (m *MemSearcher) Add(a Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[articleID(a)] = a
	return m.index.Index(articleID(a), map[string]interface{}{
		"institute": a.Institute,
		"heading":   a.Heading,
		"text":      a.Text,
	})
}

// SearchInstitute runs a keyword query restricted to one institute.
func (m *MemSearcher) SearchInstitute(ctx context.Context, institute, query string, limit int) ([]SearchResult, error) {
	instQ := bleve.NewTermQuery(institute)
	instQ.SetField("institute")
	matchQ := bleve.NewMatchQuery(query)
	return m.search(ctx, bleve.NewConjunctionQuery(instQ, matchQ), limit)
}

// Search runs a keyword query over the whole corpus.
func (m *MemSearcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return m.search(ctx, bleve.NewMatchQuery(query), limit)
}

// search executes the query and normalizes BM25 scores into [0,1] by the
// best hit, so results are comparable with embedding similarities.
func (m *MemSearcher) search(ctx context.Context, q query.Query, limit int) ([]SearchResult, error) {
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := m.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		art, ok := m.meta[hit.ID]
		if !ok {
			continue
		}
		sim := hit.Score
		if res.MaxScore > 0 {
			sim = hit.Score / res.MaxScore
		}
		out = append(out, SearchResult{
			Source:     art.Source,
			Reference:  art.Reference,
			Heading:    art.Heading,
			Text:       art.Text,
			Similarity: sim,
		})
	}
	return out, nil
}
