package corpus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
)

// Embedder turns text into vectors. The OpenAI-compatible provider
// adapter satisfies it.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// PGSearcher scores corpus articles by cosine similarity between the query
// embedding and the stored article embeddings. Candidate rows are loaded
// per institute and scored in process; corpora are small enough that this
// beats shipping vectors to the database.
type PGSearcher struct {
	db     *sql.DB
	embed  Embedder
	model  string
	logger *log.Logger
}

// NewPGSearcher wires the searcher to the corpus tables.
func NewPGSearcher(db *sql.DB, embed Embedder, model string, logger *log.Logger) *PGSearcher {
	if logger == nil {
		logger = log.New(log.Writer(), "[CORPUS] ", log.LstdFlags)
	}
	return &PGSearcher{db: db, embed: embed, model: model, logger: logger}
}

func (p *PGSearcher) SearchInstitute(ctx context.Context, institute, query string, limit int) ([]SearchResult, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT law_source, article_reference, COALESCE(heading, ''), article_text, embedding
FROM legal_articles WHERE institute = $1`, institute)
	if err != nil {
		return nil, fmt.Errorf("query institute %q: %w", institute, err)
	}
	return p.score(ctx, rows, query, limit)
}

func (p *PGSearcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT law_source, article_reference, COALESCE(heading, ''), article_text, embedding
FROM legal_articles`)
	if err != nil {
		return nil, fmt.Errorf("query corpus: %w", err)
	}
	return p.score(ctx, rows, query, limit)
}

type candidate struct {
	result SearchResult
	vector []float32
}

func (p *PGSearcher) score(ctx context.Context, rows *sql.Rows, query string, limit int) ([]SearchResult, error) {
	defer rows.Close()

	var candidates []candidate
	for rows.Next() {
		var c candidate
		var embeddingRaw []byte
		if err := rows.Scan(&c.result.Source, &c.result.Reference, &c.result.Heading, &c.result.Text, &embeddingRaw); err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		if err := json.Unmarshal(embeddingRaw, &c.vector); err != nil {
			return nil, fmt.Errorf("decode embedding for %s:%s: %w", c.result.Source, c.result.Reference, err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	vecs, err := p.embed.Embed(ctx, p.model, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVec := vecs[0]

	for i := range candidates {
		candidates[i].result.Similarity = cosine(queryVec, candidates[i].vector)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].result.Similarity > candidates[j].result.Similarity
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]SearchResult, len(candidates))
	for i, c := range candidates {
		out[i] = c.result
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
