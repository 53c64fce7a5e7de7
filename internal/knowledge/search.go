package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// SearchResult is one knowledge base hit.
type SearchResult struct {
	ID         string                 `json:"id"`
	Category   Category               `json:"category"`
	Title      string                 `json:"title"`
	Content    string                 `json:"content"`
	Metadata   map[string]interface{} `json:"metadata"`
	Similarity float64                `json:"similarity"`
	TimesSeen  int                    `json:"times_seen"`
}

const (
	searchThreshold = 0.65
	searchLimit     = 8
	contextMaxChars = 3000
)

// Search embeds the query and ranks knowledge entries by cosine
// similarity. An empty category matches all categories.
func (ix *Indexer) Search(ctx context.Context, query string, category Category, limit int) ([]SearchResult, error) {
	if !ix.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = searchLimit
	}

	vectors, err := ix.embed.Embed(ctx, ix.model, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVec := vectors[0]

	q := `SELECT id, category, title, content, metadata, embedding, times_seen FROM legal_knowledge`
	var args []interface{}
	if category != "" {
		q += ` WHERE category = $1`
		args = append(args, string(category))
	}

	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r        SearchResult
			metaJSON []byte
			vecJSON  []byte
		)
		if err := rows.Scan(&r.ID, &r.Category, &r.Title, &r.Content, &metaJSON, &vecJSON, &r.TimesSeen); err != nil {
			return nil, fmt.Errorf("scan knowledge row: %w", err)
		}
		_ = json.Unmarshal(metaJSON, &r.Metadata)
		var vec []float32
		if err := json.Unmarshal(vecJSON, &vec); err != nil {
			continue
		}
		r.Similarity = cosine(queryVec, vec)
		if r.Similarity >= searchThreshold {
			results = append(results, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// BuildContext formats knowledge hits into a prompt block. Entries are
// appended best first until the character budget runs out; an empty
// result set yields an empty string so callers can inject it verbatim.
func (ix *Indexer) BuildContext(ctx context.Context, query string) (string, error) {
	results, err := ix.Search(ctx, query, "", searchLimit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("--- CONTESTO DA ANALISI PRECEDENTI ---\n")
	for _, r := range results {
		seen := r.TimesSeen
		if seen < 1 {
			seen = 1
		}
		entry := fmt.Sprintf("\n[%s] %s (similarità: %.0f%%, visto %dx)\n%s\n",
			strings.ToUpper(string(r.Category)), r.Title, r.Similarity*100, seen, r.Content)
		if sb.Len()+len(entry) > contextMaxChars {
			break
		}
		sb.WriteString(entry)
	}
	sb.WriteString("\n--- FINE CONTESTO ---\n")
	return sb.String(), nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
