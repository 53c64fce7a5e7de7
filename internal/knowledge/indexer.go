package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// Category classifies a knowledge base entry.
type Category string

const (
	CategoryClausePattern Category = "clause_pattern"
	CategoryLawReference  Category = "law_reference"
	CategoryCourtCase     Category = "court_case"
	CategoryRiskPattern   Category = "risk_pattern"
)

// Entry is one distilled piece of legal knowledge ready for indexing.
type Entry struct {
	Category Category               `json:"category"`
	Title    string                 `json:"title"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Embedder turns texts into vectors. The provider package's OpenAI
// compatible client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

const insertBatchSize = 50

// Indexer writes document chunks and knowledge entries to Postgres.
// A nil Embedder disables it: every operation becomes a logged no-op,
// so callers never need to guard the fire-and-forget path.
type Indexer struct {
	db     *sql.DB
	embed  Embedder
	model  string
	logger *log.Logger
}

func NewIndexer(db *sql.DB, embed Embedder, model string, logger *log.Logger) *Indexer {
	if logger == nil {
		logger = log.New(log.Writer(), "[VECTOR] ", log.LstdFlags)
	}
	return &Indexer{db: db, embed: embed, model: model, logger: logger}
}

// Enabled reports whether the indexer can actually embed and store.
func (ix *Indexer) Enabled() bool {
	return ix != nil && ix.db != nil && ix.embed != nil
}

// IndexDocument chunks the document text, embeds the chunks and
// replaces any previous chunks stored for the session.
func (ix *Indexer) IndexDocument(ctx context.Context, sessionID, documentText string, classification json.RawMessage) (int, error) {
	if !ix.Enabled() {
		return 0, nil
	}
	started := time.Now()

	chunks := ChunkText(documentText)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = truncateForEmbedding(c.Content)
	}
	vectors, err := ix.embed.Embed(ctx, ix.model, texts)
	if err != nil {
		return 0, fmt.Errorf("embed document chunks: %w", err)
	}

	meta := chunkMetadata(classification)

	if _, err := ix.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE session_id = $1`, sessionID); err != nil {
		return 0, fmt.Errorf("clear previous chunks: %w", err)
	}

	inserted := 0
	for offset := 0; offset < len(chunks); offset += insertBatchSize {
		hi := offset + insertBatchSize
		if hi > len(chunks) {
			hi = len(chunks)
		}
		n, err := ix.insertChunkBatch(ctx, sessionID, chunks[offset:hi], vectors[offset:hi], meta)
		if err != nil {
			return inserted, fmt.Errorf("insert chunk batch at %d: %w", offset, err)
		}
		inserted += n
	}

	ix.logger.Printf("document indexed | %d chunks | %.1fs | session: %s",
		inserted, time.Since(started).Seconds(), sessionID)
	return inserted, nil
}

func (ix *Indexer) insertChunkBatch(ctx context.Context, sessionID string, chunks []Chunk, vectors [][]float32, meta map[string]interface{}) (int, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO document_chunks (session_id, chunk_index, content, metadata, embedding) VALUES `)
	args := make([]interface{}, 0, len(chunks)*5)
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)

		chunkMeta := map[string]interface{}{"charStart": c.CharStart, "charEnd": c.CharEnd}
		for k, v := range meta {
			chunkMeta[k] = v
		}
		metaJSON, err := json.Marshal(chunkMeta)
		if err != nil {
			return 0, err
		}
		vecJSON, err := json.Marshal(vectors[i])
		if err != nil {
			return 0, err
		}
		args = append(args, sessionID, c.Index, c.Content, metaJSON, vecJSON)
	}

	if _, err := ix.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// IndexAnalysis extracts knowledge entries from the four phase payloads
// and upserts them. Repeated sightings of the same entry bump its
// times_seen counter instead of duplicating it.
func (ix *Indexer) IndexAnalysis(ctx context.Context, sessionID string, classification, analysis, investigation, advice json.RawMessage) (int, error) {
	if !ix.Enabled() {
		return 0, nil
	}
	started := time.Now()

	entries := ExtractEntries(classification, analysis, investigation, advice)
	if len(entries) == 0 {
		return 0, nil
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = truncateForEmbedding(e.Content)
	}
	vectors, err := ix.embed.Embed(ctx, ix.model, texts)
	if err != nil {
		return 0, fmt.Errorf("embed knowledge entries: %w", err)
	}

	indexed := 0
	for i, e := range entries {
		if err := ix.upsertEntry(ctx, sessionID, e, vectors[i]); err != nil {
			ix.logger.Printf("upsert %q failed: %v", e.Title, err)
			continue
		}
		indexed++
	}

	ix.logger.Printf("knowledge indexed | %d/%d entries | %.1fs | session: %s",
		indexed, len(entries), time.Since(started).Seconds(), sessionID)
	return indexed, nil
}

func (ix *Indexer) upsertEntry(ctx context.Context, sessionID string, e Entry, vector []float32) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	_, err = ix.db.ExecContext(ctx, `
INSERT INTO legal_knowledge (category, title, content, metadata, embedding, source_session_id, times_seen, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 1, NOW())
ON CONFLICT (category, title) DO UPDATE SET
  content = EXCLUDED.content,
  metadata = EXCLUDED.metadata,
  embedding = EXCLUDED.embedding,
  source_session_id = EXCLUDED.source_session_id,
  times_seen = legal_knowledge.times_seen + 1,
  updated_at = NOW()`,
		string(e.Category), e.Title, e.Content, metaJSON, vecJSON, sessionID)
	return err
}

// Phase payload shapes, limited to the fields knowledge extraction needs.

type classificationPayload struct {
	DocumentType      string `json:"documentType"`
	DocumentTypeLabel string `json:"documentTypeLabel"`
	Jurisdiction      string `json:"jurisdiction"`
	Parties           []struct {
		Role string `json:"role"`
	} `json:"parties"`
}

type analysisPayload struct {
	Clauses []struct {
		ID                 string `json:"id"`
		Title              string `json:"title"`
		RiskLevel          string `json:"riskLevel"`
		Issue              string `json:"issue"`
		PotentialViolation string `json:"potentialViolation"`
		MarketStandard     string `json:"marketStandard"`
		Recommendation     string `json:"recommendation"`
		OriginalText       string `json:"originalText"`
	} `json:"clauses"`
}

type investigationPayload struct {
	Findings []struct {
		ClauseID string `json:"clauseId"`
		Laws     []struct {
			Reference    string `json:"reference"`
			FullText     string `json:"fullText"`
			IsInForce    bool   `json:"isInForce"`
			LastModified string `json:"lastModified"`
			SourceURL    string `json:"sourceUrl"`
		} `json:"laws"`
		CourtCases []struct {
			Reference string `json:"reference"`
			Court     string `json:"court"`
			Date      string `json:"date"`
			Summary   string `json:"summary"`
			Relevance string `json:"relevance"`
			SourceURL string `json:"sourceUrl"`
		} `json:"courtCases"`
	} `json:"findings"`
}

type advicePayload struct {
	FairnessScore float64 `json:"fairnessScore"`
	Risks         []struct {
		Title      string `json:"title"`
		Severity   string `json:"severity"`
		Detail     string `json:"detail"`
		LegalBasis string `json:"legalBasis"`
		CourtCase  string `json:"courtCase"`
	} `json:"risks"`
}

func chunkMetadata(classification json.RawMessage) map[string]interface{} {
	var cls classificationPayload
	_ = json.Unmarshal(classification, &cls)
	roles := make([]string, 0, len(cls.Parties))
	for _, p := range cls.Parties {
		roles = append(roles, p.Role)
	}
	return map[string]interface{}{
		"documentType":      cls.DocumentType,
		"documentTypeLabel": cls.DocumentTypeLabel,
		"jurisdiction":      cls.Jurisdiction,
		"parties":           strings.Join(roles, ", "),
	}
}

// ExtractEntries distills phase payloads into knowledge entries. Fields
// absent from a payload simply produce no entries, so partially filled
// results are safe to pass.
func ExtractEntries(classification, analysis, investigation, advice json.RawMessage) []Entry {
	var cls classificationPayload
	_ = json.Unmarshal(classification, &cls)
	var ana analysisPayload
	_ = json.Unmarshal(analysis, &ana)
	var inv investigationPayload
	_ = json.Unmarshal(investigation, &inv)
	var adv advicePayload
	_ = json.Unmarshal(advice, &adv)

	var entries []Entry

	for _, clause := range ana.Clauses {
		lines := []string{
			"Clausola: " + clause.Title,
			"Tipo documento: " + cls.DocumentTypeLabel,
			"Giurisdizione: " + cls.Jurisdiction,
			"Livello rischio: " + clause.RiskLevel,
			"Problema: " + clause.Issue,
			"Potenziale violazione: " + clause.PotentialViolation,
			"Standard di mercato: " + clause.MarketStandard,
			"Raccomandazione: " + clause.Recommendation,
		}
		if clause.OriginalText != "" {
			lines = append(lines, "Testo originale: "+clip(clause.OriginalText, 500))
		}
		entries = append(entries, Entry{
			Category: CategoryClausePattern,
			Title:    fmt.Sprintf("%s [%s]", clause.Title, cls.DocumentTypeLabel),
			Content:  strings.Join(lines, "\n"),
			Metadata: map[string]interface{}{
				"clauseId":     clause.ID,
				"riskLevel":    clause.RiskLevel,
				"documentType": cls.DocumentType,
				"jurisdiction": cls.Jurisdiction,
			},
		})
	}

	for _, finding := range inv.Findings {
		for _, law := range finding.Laws {
			inForce := "No"
			if law.IsInForce {
				inForce = "Sì"
			}
			lines := []string{
				"Norma: " + law.Reference,
				"Testo: " + law.FullText,
				"In vigore: " + inForce,
			}
			if law.LastModified != "" {
				lines = append(lines, "Ultima modifica: "+law.LastModified)
			}
			lines = append(lines, "Contesto: applicata a clausola in "+cls.DocumentTypeLabel)
			entries = append(entries, Entry{
				Category: CategoryLawReference,
				Title:    law.Reference,
				Content:  strings.Join(lines, "\n"),
				Metadata: map[string]interface{}{
					"reference":    law.Reference,
					"isInForce":    law.IsInForce,
					"sourceUrl":    law.SourceURL,
					"documentType": cls.DocumentType,
					"clauseId":     finding.ClauseID,
				},
			})
		}

		for _, cc := range finding.CourtCases {
			entries = append(entries, Entry{
				Category: CategoryCourtCase,
				Title:    cc.Reference,
				Content: strings.Join([]string{
					"Sentenza: " + cc.Reference,
					"Tribunale: " + cc.Court,
					"Data: " + cc.Date,
					"Sintesi: " + cc.Summary,
					"Rilevanza: " + cc.Relevance,
					"Contesto: citata per " + cls.DocumentTypeLabel,
				}, "\n"),
				Metadata: map[string]interface{}{
					"reference":    cc.Reference,
					"court":        cc.Court,
					"date":         cc.Date,
					"sourceUrl":    cc.SourceURL,
					"documentType": cls.DocumentType,
					"clauseId":     finding.ClauseID,
				},
			})
		}
	}

	for _, risk := range adv.Risks {
		lines := []string{
			"Rischio: " + risk.Title,
			"Severità: " + risk.Severity,
			"Dettaglio: " + risk.Detail,
			"Base legale: " + risk.LegalBasis,
		}
		if risk.CourtCase != "" {
			lines = append(lines, "Sentenza: "+risk.CourtCase)
		}
		lines = append(lines,
			"Tipo documento: "+cls.DocumentTypeLabel,
			fmt.Sprintf("Score equità: %g/10", adv.FairnessScore),
		)
		entries = append(entries, Entry{
			Category: CategoryRiskPattern,
			Title:    fmt.Sprintf("%s [%s]", risk.Title, risk.Severity),
			Content:  strings.Join(lines, "\n"),
			Metadata: map[string]interface{}{
				"severity":      risk.Severity,
				"legalBasis":    risk.LegalBasis,
				"documentType":  cls.DocumentType,
				"fairnessScore": adv.FairnessScore,
			},
		})
	}

	return entries
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
