// Package merge combines per-institute retrieval batches and semantic
// search results into one bounded, deduplicated context block.
//
// Batches arrive already ordered by similarity. Without per-batch caps a
// large institute fills the whole budget and pushes out critical articles
// from smaller, more relevant institutes; the weighted caps below keep
// every batch represented while still favoring the query's main theme.
package merge

import (
	"math"
	"sort"
	"strings"

	"github.com/controllame/docpipe/internal/corpus"
)

// Mode selects the final result cap.
type Mode string

const (
	// ModeBroad serves systematic questions spanning several institutes.
	ModeBroad Mode = "broad"
	// ModeNarrow serves questions about a specific provision.
	ModeNarrow Mode = "narrow"
)

const (
	minPerBatch      = 10
	queryMatchWeight = 2.0
	defaultWeight    = 1.0
	// Institutes get ~85% of the cap, the rest is left for semantic fill.
	instituteBudgetRatio = 0.85

	broadLimit  = 35
	narrowLimit = 30
)

// Input is one merge request. BatchLabels runs parallel to Batches.
type Input struct {
	Batches     [][]corpus.SearchResult
	BatchLabels []string
	// Query is the reformulated retrieval query, used for batch weighting.
	Query             string
	SemanticPrimary   []corpus.SearchResult
	SemanticSecondary []corpus.SearchResult
	Mode              Mode
}

// Result is the merged context block.
type Result struct {
	Items []corpus.SearchResult
	// SourceBatchCount is the number of institute batches that placed at
	// least one item in the merged output.
	SourceBatchCount int
}

// Merge applies weighted per-batch caps, deduplicates on (source,
// reference) keeping the higher similarity, adds the semantic lists
// unconditionally, then sorts globally and truncates to the mode's cap.
func Merge(input Input) Result {
	finalLimit := narrowLimit
	if input.Mode == ModeBroad {
		finalLimit = broadLimit
	}

	weights := batchWeights(input)
	instituteBudget := int(math.Ceil(float64(finalLimit) * instituteBudgetRatio))
	var totalWeight float64
	for _, w := range weights {
		totalWeight += w
	}

	caps := make([]int, len(weights))
	for i, w := range weights {
		if totalWeight == 0 {
			caps[i] = minPerBatch
			continue
		}
		c := int(math.Ceil(float64(instituteBudget) * w / totalWeight))
		if c < minPerBatch {
			c = minPerBatch
		}
		caps[i] = c
	}

	type key struct{ source, reference string }
	seen := make(map[key]corpus.SearchResult)
	add := func(item corpus.SearchResult) bool {
		k := key{item.Source, item.Reference}
		existing, ok := seen[k]
		if !ok {
			seen[k] = item
			return true
		}
		if item.Similarity > existing.Similarity {
			seen[k] = item
		}
		return false
	}

	contributed := 0
	for i, batch := range input.Batches {
		added := 0
		for _, item := range batch {
			if added >= caps[i] {
				break
			}
			if add(item) {
				added++
			}
		}
		if added > 0 {
			contributed++
		}
	}

	for _, item := range input.SemanticPrimary {
		add(item)
	}
	for _, item := range input.SemanticSecondary {
		add(item)
	}

	all := make([]corpus.SearchResult, 0, len(seen))
	for _, item := range seen {
		all = append(all, item)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Similarity > all[j].Similarity
	})
	if len(all) > finalLimit {
		all = all[:finalLimit]
	}

	return Result{Items: all, SourceBatchCount: contributed}
}

// batchWeights doubles the weight of a batch whose label appears in the
// query. Partial token matches count ("prescrizione" inside "prescrizione
// risarcimento danni"); tokens under 4 chars are too noisy to match on.
func batchWeights(input Input) []float64 {
	query := strings.ToLower(input.Query)
	weights := make([]float64, len(input.Batches))
	for i := range input.Batches {
		weights[i] = defaultWeight
		if query == "" || i >= len(input.BatchLabels) || input.BatchLabels[i] == "" {
			continue
		}
		label := strings.ToLower(strings.ReplaceAll(input.BatchLabels[i], "_", " "))
		for _, token := range strings.Fields(label) {
			if len(token) >= 4 && strings.Contains(query, token) {
				weights[i] = queryMatchWeight
				break
			}
		}
	}
	return weights
}
