package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/controllame/docpipe/internal/corpus"
	"github.com/controllame/docpipe/internal/merge"
)

const (
	instituteSearchLimit = 10
	semanticPrimaryLimit = 10
	semanticSecondLimit  = 5
	maxClauseQueries     = 5
	contextCharBudget    = 6000
)

// Retriever assembles the normative context injected into the analyzer
// and investigator prompts: one corpus search per legal institute plus
// two semantic passes, merged and capped by the merge stage.
type Retriever struct {
	corpus corpus.Searcher
	logger *log.Logger
}

func NewRetriever(searcher corpus.Searcher, logger *log.Logger) *Retriever {
	if logger == nil {
		logger = log.New(log.Writer(), "[CORPUS] ", log.LstdFlags)
	}
	return &Retriever{corpus: searcher, logger: logger}
}

// LegalContext builds the prompt block for a classified document. An
// empty string means no relevant articles were found; callers inject it
// verbatim either way.
func (r *Retriever) LegalContext(ctx context.Context, classification, analysis json.RawMessage) string {
	if r == nil || r.corpus == nil {
		return ""
	}
	cls := decodeClassification(classification)
	ana := decodeAnalysis(analysis)

	query := retrievalQuery(cls, ana)
	if query == "" {
		return ""
	}

	batches := make([][]corpus.SearchResult, len(cls.RelevantInstitutes))
	var wg sync.WaitGroup
	for i, institute := range cls.RelevantInstitutes {
		wg.Add(1)
		go func(i int, institute string) {
			defer wg.Done()
			hits, err := r.corpus.SearchInstitute(ctx, institute, query, instituteSearchLimit)
			if err != nil {
				r.logger.Printf("institute search %q failed: %v", institute, err)
				return
			}
			batches[i] = hits
		}(i, institute)
	}

	var primary, secondary []corpus.SearchResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		hits, err := r.corpus.Search(ctx, query, semanticPrimaryLimit)
		if err != nil {
			r.logger.Printf("semantic search failed: %v", err)
			return
		}
		primary = hits
	}()
	if cls.Summary != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := r.corpus.Search(ctx, cls.Summary, semanticSecondLimit)
			if err != nil {
				r.logger.Printf("summary search failed: %v", err)
				return
			}
			secondary = hits
		}()
	}
	wg.Wait()

	merged := merge.Merge(merge.Input{
		Batches:           batches,
		BatchLabels:       cls.RelevantInstitutes,
		Query:             query,
		SemanticPrimary:   primary,
		SemanticSecondary: secondary,
		Mode:              retrievalMode(cls, ana),
	})
	if len(merged.Items) == 0 {
		return ""
	}

	r.logger.Printf("normative context | %d institutes | %d contributing batches | %d articles",
		len(cls.RelevantInstitutes), merged.SourceBatchCount, len(merged.Items))
	return formatLegalContext(merged.Items)
}

// retrievalQuery combines the classifier summary with the texts of the
// riskiest clauses. Institute names in the query raise that batch's
// weight during the merge.
func retrievalQuery(cls classificationSummary, ana analysisSummary) string {
	parts := make([]string, 0, maxClauseQueries+1)
	if cls.Summary != "" {
		parts = append(parts, cls.Summary)
	}
	for _, clause := range ana.Clauses {
		if clause.RiskLevel != "critical" && clause.RiskLevel != "high" {
			continue
		}
		text := clause.OriginalText
		if text == "" {
			text = clause.Issue
		}
		if text != "" {
			parts = append(parts, text)
		}
		if len(parts) > maxClauseQueries {
			break
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// Documents touching many institutes get the broad article cap, narrow
// single-issue documents the tighter one.
func retrievalMode(cls classificationSummary, ana analysisSummary) merge.Mode {
	if len(cls.RelevantInstitutes) >= 3 || len(ana.Clauses) >= 5 {
		return merge.ModeBroad
	}
	return merge.ModeNarrow
}

func formatLegalContext(items []corpus.SearchResult) string {
	var sb strings.Builder
	sb.WriteString("CONTESTO NORMATIVO:\n")
	for _, item := range items {
		entry := fmt.Sprintf("\n%s %s", item.Source, item.Reference)
		if item.Heading != "" {
			entry += " - " + item.Heading
		}
		entry += fmt.Sprintf(" (pertinenza: %.0f%%)\n%s\n", item.Similarity*100, item.Text)
		if sb.Len()+len(entry) > contextCharBudget {
			break
		}
		sb.WriteString(entry)
	}
	return sb.String()
}
