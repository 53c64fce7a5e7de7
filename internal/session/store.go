// Package session persists analysis sessions. A session caches the result
// of each pipeline phase so an interrupted run resumes without repeating
// completed work. The raw document text is never stored, only its hash
// and a short preview for display.
package session

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Phase names a persisted phase result column.
type Phase string

const (
	PhaseClassification Phase = "classification"
	PhaseAnalysis       Phase = "analysis"
	PhaseInvestigation  Phase = "investigation"
	PhaseAdvice         Phase = "advice"
)

// Phases lists the phase columns in pipeline order.
func Phases() []Phase {
	return []Phase{PhaseClassification, PhaseAnalysis, PhaseInvestigation, PhaseAdvice}
}

// phase columns are interpolated into SQL; the whitelist keeps that safe.
func columnFor(p Phase) (string, error) {
	switch p {
	case PhaseClassification, PhaseAnalysis, PhaseInvestigation, PhaseAdvice:
		return string(p), nil
	}
	return "", fmt.Errorf("unknown phase %q", p)
}

// Timing is the measured wall time of one phase.
type Timing struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`
}

// Session is one cached analysis run. Phase fields are nil until their
// phase completes; a non-nil Advice marks the session complete.
type Session struct {
	SessionID       string
	TenantID        string
	DocumentHash    string
	DocumentPreview string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Classification  json.RawMessage
	Analysis        json.RawMessage
	Investigation   json.RawMessage
	Advice          json.RawMessage
	PhaseTiming     map[string]Timing
}

// PhaseResult returns the cached payload for a phase, nil when absent.
func (s *Session) PhaseResult(p Phase) json.RawMessage {
	switch p {
	case PhaseClassification:
		return s.Classification
	case PhaseAnalysis:
		return s.Analysis
	case PhaseInvestigation:
		return s.Investigation
	case PhaseAdvice:
		return s.Advice
	}
	return nil
}

// Complete reports whether the final phase has been persisted.
func (s *Session) Complete() bool { return len(s.Advice) > 0 }

// NotFoundError is returned when a write targets a missing session.
// Writes never create sessions implicitly.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// ErrPhaseAlreadySet guards phase immutability: a persisted phase result
// is never overwritten.
var ErrPhaseAlreadySet = errors.New("phase result already persisted")

// Store is the Postgres-backed session store.
type Store struct {
	DB     *sql.DB
	logger *log.Logger
}

// New wraps an existing database handle.
func New(db *sql.DB, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	return &Store{DB: db, logger: logger}
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, nil), nil
}

// HashDocument derives the deterministic document identity used for
// resume lookups.
func HashDocument(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// NewSessionID builds "<hash>-<12 random hex>"; the hash prefix makes
// sessions for the same document recognizable in logs.
func NewSessionID(documentHash string) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return documentHash + "-" + random
}

const sessionColumns = `session_id, tenant_id, document_hash, document_preview, created_at, updated_at,
classification, analysis, investigation, advice, phase_timing`

// previewChars bounds the stored excerpt of the submitted document.
const previewChars = 200

func previewOf(text string) string {
	runes := []rune(text)
	if len(runes) <= previewChars {
		return text
	}
	return string(runes[:previewChars])
}

// Create inserts a fresh session for a document and returns its id.
func (s *Store) Create(ctx context.Context, tenantID, documentText string) (string, error) {
	hash := HashDocument(documentText)
	id := NewSessionID(hash)
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO analysis_sessions (session_id, tenant_id, document_hash, document_preview, created_at, updated_at, phase_timing)
VALUES ($1, $2, $3, $4, NOW(), NOW(), '{}'::jsonb)`, id, tenantID, hash, previewOf(documentText))
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	s.logger.Printf("session created: %s", id)
	return id, nil
}

// Load fetches a session by id. A missing session returns (nil, nil).
func (s *Store) Load(ctx context.Context, sessionID string) (*Session, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM analysis_sessions WHERE session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	s.logger.Printf("session loaded: %s | classifier: %s | analyzer: %s | investigator: %s | advisor: %s",
		sessionID, okDash(sess.Classification), okDash(sess.Analysis), okDash(sess.Investigation), okDash(sess.Advice))
	return sess, nil
}

func okDash(v json.RawMessage) string {
	if len(v) > 0 {
		return "OK"
	}
	return "-"
}

// SavePhase persists one phase result. The write is refused when the
// session is missing or the phase already holds a value.
func (s *Store) SavePhase(ctx context.Context, sessionID string, phase Phase, payload json.RawMessage) error {
	col, err := columnFor(phase)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE analysis_sessions SET `+col+` = $1, updated_at = NOW()
WHERE session_id = $2 AND `+col+` IS NULL`, []byte(payload), sessionID)
	if err != nil {
		return fmt.Errorf("save %s: %w", phase, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save %s: %w", phase, err)
	}
	if affected == 0 {
		var exists bool
		if err := s.DB.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM analysis_sessions WHERE session_id = $1)`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("save %s: %w", phase, err)
		}
		if !exists {
			return &NotFoundError{SessionID: sessionID}
		}
		return fmt.Errorf("save %s for %s: %w", phase, sessionID, ErrPhaseAlreadySet)
	}
	s.logger.Printf("saved %s for session %s", phase, sessionID)
	return nil
}

// FindResumableByDocument returns the most recent incomplete session for
// the document within a tenant. Complete sessions are never reused.
func (s *Store) FindResumableByDocument(ctx context.Context, tenantID, documentText string) (*Session, error) {
	hash := HashDocument(documentText)
	row := s.DB.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM analysis_sessions
WHERE tenant_id = $1 AND document_hash = $2 AND advice IS NULL
ORDER BY updated_at DESC LIMIT 1`, tenantID, hash)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session by document: %w", err)
	}
	s.logger.Printf("found resumable session for document %s: %s", hash, sess.SessionID)
	return sess, nil
}

// SaveTiming records the measured duration of one phase, read-modify-write
// on the phase_timing document.
func (s *Store) SaveTiming(ctx context.Context, sessionID string, agent string, timing Timing) error {
	var raw []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT phase_timing FROM analysis_sessions WHERE session_id = $1`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{SessionID: sessionID}
	}
	if err != nil {
		return fmt.Errorf("read timing: %w", err)
	}

	current := map[string]Timing{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("decode timing: %w", err)
		}
	}
	current[agent] = timing

	updated, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode timing: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, `
UPDATE analysis_sessions SET phase_timing = $1, updated_at = NOW()
WHERE session_id = $2`, updated, sessionID); err != nil {
		return fmt.Errorf("save timing: %w", err)
	}
	s.logger.Printf("timing %s: %.1fs for session %s", agent, float64(timing.DurationMS)/1000, sessionID)
	return nil
}

// Default per-phase estimates in seconds, used until history accumulates.
var defaultEstimates = map[string]float64{
	"classifier":   12,
	"analyzer":     25,
	"investigator": 22,
	"advisor":      18,
}

// AverageTimings averages phase durations over the 30 most recent
// completed sessions, falling back to defaults where history is missing.
func (s *Store) AverageTimings(ctx context.Context) (map[string]float64, error) {
	result := make(map[string]float64, len(defaultEstimates))
	for k, v := range defaultEstimates {
		result[k] = v
	}

	rows, err := s.DB.QueryContext(ctx, `
SELECT phase_timing FROM analysis_sessions
WHERE advice IS NOT NULL AND phase_timing <> '{}'::jsonb
ORDER BY updated_at DESC LIMIT 30`)
	if err != nil {
		return nil, fmt.Errorf("query timings: %w", err)
	}
	defer rows.Close()

	sums := map[string]float64{}
	counts := map[string]int{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan timing: %w", err)
		}
		var pt map[string]Timing
		if err := json.Unmarshal(raw, &pt); err != nil {
			continue
		}
		for agent, t := range pt {
			if t.DurationMS > 0 {
				sums[agent] += float64(t.DurationMS) / 1000
				counts[agent]++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for agent := range defaultEstimates {
		if counts[agent] >= 1 {
			result[agent] = float64(int(sums[agent]/float64(counts[agent])*10+0.5)) / 10
		}
	}
	return result, nil
}

// CleanupExpired deletes sessions idle longer than maxAge and returns the
// number removed.
func (s *Store) CleanupExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM analysis_sessions WHERE updated_at < NOW() - ($1 * INTERVAL '1 second')`,
		int64(maxAge.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Printf("TTL cleanup: %d expired sessions removed", deleted)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var classification, analysis, investigation, advice, timing []byte
	if err := row.Scan(
		&sess.SessionID, &sess.TenantID, &sess.DocumentHash, &sess.DocumentPreview,
		&sess.CreatedAt, &sess.UpdatedAt,
		&classification, &analysis, &investigation, &advice, &timing,
	); err != nil {
		return nil, err
	}
	sess.Classification = json.RawMessage(classification)
	sess.Analysis = json.RawMessage(analysis)
	sess.Investigation = json.RawMessage(investigation)
	sess.Advice = json.RawMessage(advice)
	sess.PhaseTiming = map[string]Timing{}
	if len(timing) > 0 {
		if err := json.Unmarshal(timing, &sess.PhaseTiming); err != nil {
			return nil, fmt.Errorf("decode phase_timing: %w", err)
		}
	}
	return &sess, nil
}
