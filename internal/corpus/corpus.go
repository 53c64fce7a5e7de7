// Package corpus provides retrieval over the legal reference corpus.
// Batches returned by a Searcher are ordered by similarity, best first,
// which the merge stage depends on.
package corpus

import "context"

// SearchResult is one scored corpus hit. Source plus Reference identify an
// article; two hits with the same pair are the same article.
type SearchResult struct {
	Source     string  `json:"law_source"`
	Reference  string  `json:"article_reference"`
	Heading    string  `json:"heading,omitempty"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// Article is a corpus entry as stored, before scoring.
type Article struct {
	Source    string `json:"law_source"`
	Reference string `json:"article_reference"`
	Heading   string `json:"heading,omitempty"`
	Text      string `json:"text"`
	Institute string `json:"institute"`
}

// Searcher answers similarity queries against the corpus.
type Searcher interface {
	// SearchInstitute scores articles of a single institute against the
	// query, best first, at most limit results.
	SearchInstitute(ctx context.Context, institute, query string, limit int) ([]SearchResult, error)
	// Search scores the whole corpus against the query.
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}
