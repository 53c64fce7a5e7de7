package merge

import (
	"fmt"
	"testing"

	"github.com/controllame/docpipe/internal/corpus"
)

func batch(prefix string, n int, topSim float64) []corpus.SearchResult {
	out := make([]corpus.SearchResult, n)
	for i := 0; i < n; i++ {
		out[i] = corpus.SearchResult{
			Source:     "codice_civile",
			Reference:  fmt.Sprintf("%s-%03d", prefix, i),
			Text:       "testo",
			Similarity: topSim - float64(i)*0.001,
		}
	}
	return out
}

func countPrefix(items []corpus.SearchResult, prefix string) int {
	n := 0
	for _, it := range items {
		if len(it.Reference) >= len(prefix) && it.Reference[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func TestWeightedCapsFavorQueryMatchedBatch(t *testing.T) {
	// Narrow cap 30, institute budget ceil(30*0.85)=26. Weights [2,1]:
	// caps become ceil(26*2/3)=18 and max(10, ceil(26/3))=10.
	res := Merge(Input{
		Batches:     [][]corpus.SearchResult{batch("loc", 25, 0.9), batch("obb", 20, 0.8)},
		BatchLabels: []string{"locazione", "obbligazione"},
		Query:       "recesso anticipato dalla locazione commerciale",
		Mode:        ModeNarrow,
	})
	if got := countPrefix(res.Items, "loc"); got != 18 {
		t.Fatalf("weighted batch should contribute 18 items, got %d", got)
	}
	if got := countPrefix(res.Items, "obb"); got != 10 {
		t.Fatalf("unweighted batch should contribute 10 items, got %d", got)
	}
	if res.SourceBatchCount != 2 {
		t.Fatalf("both batches contributed, got %d", res.SourceBatchCount)
	}
}

func TestAllFloorCapsWithoutQuery(t *testing.T) {
	res := Merge(Input{
		Batches: [][]corpus.SearchResult{batch("a", 30, 0.9), batch("b", 30, 0.8)},
		Mode:    ModeNarrow,
	})
	// totalWeight > 0 here (default weights), so caps are proportional:
	// ceil(26/2)=13 each.
	if got := countPrefix(res.Items, "a"); got != 13 {
		t.Fatalf("expected 13 from batch a, got %d", got)
	}
	if got := countPrefix(res.Items, "b"); got != 13 {
		t.Fatalf("expected 13 from batch b, got %d", got)
	}
}

func TestDedupKeepsHigherSimilarity(t *testing.T) {
	shared := corpus.SearchResult{Source: "codice_civile", Reference: "art. 1571", Similarity: 0.5}
	better := shared
	better.Similarity = 0.95
	res := Merge(Input{
		Batches: [][]corpus.SearchResult{{shared}, {better}},
		Mode:    ModeNarrow,
	})
	found := 0
	for _, it := range res.Items {
		if it.Reference == "art. 1571" {
			found++
			if it.Similarity != 0.95 {
				t.Fatalf("dedup kept the lower similarity: %f", it.Similarity)
			}
		}
	}
	if found != 1 {
		t.Fatalf("expected exactly one instance, got %d", found)
	}
}

func TestSemanticResultsBypassBatchCaps(t *testing.T) {
	sem := []corpus.SearchResult{{Source: "gdpr", Reference: "art. 6", Similarity: 0.99}}
	mech := []corpus.SearchResult{{Source: "gdpr", Reference: "art. 7", Similarity: 0.98}}
	res := Merge(Input{
		Batches:           [][]corpus.SearchResult{batch("a", 40, 0.9)},
		SemanticPrimary:   sem,
		SemanticSecondary: mech,
		Mode:              ModeNarrow,
	})
	foundSem, foundMech := false, false
	for _, it := range res.Items {
		if it.Reference == "art. 6" {
			foundSem = true
		}
		if it.Reference == "art. 7" {
			foundMech = true
		}
	}
	if !foundSem || !foundMech {
		t.Fatal("semantic results must always be merged in")
	}
}

func TestFinalCapPerMode(t *testing.T) {
	input := Input{
		Batches:         [][]corpus.SearchResult{batch("a", 50, 0.9), batch("b", 50, 0.85), batch("c", 50, 0.8), batch("d", 50, 0.75)},
		SemanticPrimary: batch("s", 20, 0.99),
	}

	input.Mode = ModeNarrow
	if got := len(Merge(input).Items); got != 30 {
		t.Fatalf("narrow cap should be 30, got %d", got)
	}

	input.Mode = ModeBroad
	if got := len(Merge(input).Items); got != 35 {
		t.Fatalf("broad cap should be 35, got %d", got)
	}
}

func TestGlobalSortBySimilarity(t *testing.T) {
	res := Merge(Input{
		Batches: [][]corpus.SearchResult{batch("low", 5, 0.3), batch("high", 5, 0.9)},
		Mode:    ModeNarrow,
	})
	for i := 1; i < len(res.Items); i++ {
		if res.Items[i].Similarity > res.Items[i-1].Similarity {
			t.Fatalf("items not sorted by similarity at %d", i)
		}
	}
	if res.Items[0].Similarity != 0.9 {
		t.Fatalf("best item should lead, got %f", res.Items[0].Similarity)
	}
}

func TestSourceBatchCountIgnoresEmptyBatches(t *testing.T) {
	res := Merge(Input{
		Batches: [][]corpus.SearchResult{batch("a", 3, 0.9), {}, batch("b", 2, 0.8)},
		Mode:    ModeNarrow,
	})
	if res.SourceBatchCount != 2 {
		t.Fatalf("empty batch must not count, got %d", res.SourceBatchCount)
	}
}

func TestBatchWeightTokenRules(t *testing.T) {
	// Underscored labels are split; tokens under 4 chars never match.
	in := Input{
		Batches:     [][]corpus.SearchResult{{}, {}, {}},
		BatchLabels: []string{"danno_erariale", "iva", "vendita"},
		Query:       "responsabilita per danno erariale e iva",
	}
	w := batchWeights(in)
	if w[0] != queryMatchWeight {
		t.Fatalf("underscored label token should match, got %f", w[0])
	}
	if w[1] != defaultWeight {
		t.Fatalf("3-char token must not match, got %f", w[1])
	}
	if w[2] != defaultWeight {
		t.Fatalf("unrelated label must not match, got %f", w[2])
	}
}
