// Package pipeline runs the four-agent document analysis: classifier,
// analyzer, investigator, advisor. Each phase result is persisted as it
// completes so an interrupted run resumes where it stopped.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/controllame/docpipe/internal/agent"
	"github.com/controllame/docpipe/internal/knowledge"
	"github.com/controllame/docpipe/internal/models"
	"github.com/controllame/docpipe/internal/session"
	"github.com/controllame/docpipe/internal/telemetry"
)

const minDocumentChars = 50

// ErrDocumentTooShort rejects input below the minimum analyzable length.
var ErrDocumentTooShort = fmt.Errorf("document text too short (minimum %d characters)", minDocumentChars)

// AgentRunner executes one agent against its fallback chain.
// *agent.Runner satisfies it.
type AgentRunner interface {
	Run(ctx context.Context, call models.CallContext, agentName models.AgentName, prompt string) (*agent.RunResult, error)
}

// Event is one progress notification, shaped for direct SSE emission.
type Event struct {
	Phase  string          `json:"phase"`
	Status string          `json:"status"`
	Cached bool            `json:"cached,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Callbacks receive pipeline progress. Any field may be nil.
type Callbacks struct {
	OnProgress func(Event)
	OnError    func(phase, message string)
	OnComplete func(*Outcome)
}

// Outcome is the full result of a pipeline run.
type Outcome struct {
	SessionID      string          `json:"sessionId"`
	Resumed        bool            `json:"resumed"`
	Classification json.RawMessage `json:"classification"`
	Analysis       json.RawMessage `json:"analysis"`
	Investigation  json.RawMessage `json:"investigation"`
	Advice         json.RawMessage `json:"advice"`
}

// Request describes one analysis run. SessionID forces resumption of a
// specific session; when empty, an incomplete session for the same
// document within the tenant is resumed automatically.
type Request struct {
	TenantID     string
	SessionID    string
	DocumentText string
	UserContext  string
	Call         models.CallContext
}

// Controller wires the pipeline stages together.
type Controller struct {
	store     *session.Store
	runner    AgentRunner
	retriever *Retriever
	indexer   *knowledge.Indexer
	tel       *telemetry.Telemetry
	tracer    trace.Tracer
	logger    *log.Logger
}

// NewController builds a controller. retriever, indexer and tel may be
// nil; the matching stages are skipped.
func NewController(store *session.Store, runner AgentRunner, retriever *Retriever, indexer *knowledge.Indexer, tel *telemetry.Telemetry, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	return &Controller{
		store:     store,
		runner:    runner,
		retriever: retriever,
		indexer:   indexer,
		tel:       tel,
		tracer:    otel.Tracer("docpipe/pipeline"),
		logger:    logger,
	}
}

var phaseAgents = map[session.Phase]models.AgentName{
	session.PhaseClassification: models.Classifier,
	session.PhaseAnalysis:       models.Analyzer,
	session.PhaseInvestigation:  models.Investigator,
	session.PhaseAdvice:         models.Advisor,
}

var emptyFindings = json.RawMessage(`{"findings":[]}`)

func emptyPhaseResult(phase session.Phase) json.RawMessage {
	if phase == session.PhaseInvestigation {
		return emptyFindings
	}
	return json.RawMessage(`{}`)
}

// Run executes the pipeline for one document. Completed phases from a
// resumed session are replayed from cache without model calls. A failed
// investigator degrades to empty findings; any other phase failure
// aborts the run. Cancellation aborts without persisting the phase in
// flight.
func (c *Controller) Run(ctx context.Context, req Request, cb Callbacks) (*Outcome, error) {
	if len(strings.TrimSpace(req.DocumentText)) < minDocumentChars {
		return nil, ErrDocumentTooShort
	}

	ctx, span := c.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	sess, resumed, err := c.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	call := req.Call
	call.SID = sess.SessionID

	status := "error"
	if c.tel != nil {
		c.tel.RunStarted()
		defer func() { c.tel.RunFinished(status) }()
	}

	results := map[session.Phase]json.RawMessage{}
	for _, phase := range session.Phases() {
		payload, err := c.runPhase(ctx, sess, call, req, phase, results, cb)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = "cancelled"
			}
			return nil, err
		}
		results[phase] = payload
	}

	outcome := &Outcome{
		SessionID:      sess.SessionID,
		Resumed:        resumed,
		Classification: results[session.PhaseClassification],
		Analysis:       results[session.PhaseAnalysis],
		Investigation:  results[session.PhaseInvestigation],
		Advice:         results[session.PhaseAdvice],
	}
	if cb.OnComplete != nil {
		cb.OnComplete(outcome)
	}
	status = "done"

	// Fire and forget: indexing must never delay or fail the response.
	if c.indexer.Enabled() {
		go c.indexInBackground(sess.SessionID, req.DocumentText, outcome)
	}
	return outcome, nil
}

func (c *Controller) resolveSession(ctx context.Context, req Request) (*session.Session, bool, error) {
	if req.SessionID != "" {
		sess, err := c.store.Load(ctx, req.SessionID)
		if err != nil {
			return nil, false, err
		}
		// A session id from another tenant reads as missing.
		if sess == nil || sess.TenantID != req.TenantID {
			return nil, false, &session.NotFoundError{SessionID: req.SessionID}
		}
		return sess, true, nil
	}

	sess, err := c.store.FindResumableByDocument(ctx, req.TenantID, req.DocumentText)
	if err != nil {
		return nil, false, err
	}
	if sess != nil {
		c.logger.Printf("resuming session %s", sess.SessionID)
		return sess, true, nil
	}

	id, err := c.store.Create(ctx, req.TenantID, req.DocumentText)
	if err != nil {
		return nil, false, err
	}
	return &session.Session{
		SessionID:    id,
		TenantID:     req.TenantID,
		DocumentHash: session.HashDocument(req.DocumentText),
		PhaseTiming:  map[string]session.Timing{},
	}, false, nil
}

func (c *Controller) runPhase(ctx context.Context, sess *session.Session, call models.CallContext, req Request, phase session.Phase, results map[session.Phase]json.RawMessage, cb Callbacks) (json.RawMessage, error) {
	agentName := phaseAgents[phase]
	emit := func(ev Event) {
		if cb.OnProgress != nil {
			cb.OnProgress(ev)
		}
	}

	// Cached phases replay byte for byte, without a running event.
	if cached := sess.PhaseResult(phase); cached != nil {
		c.logger.Printf("%s served from cache sid=%s", agentName, sess.SessionID)
		emit(Event{Phase: string(agentName), Status: "done", Cached: true, Data: cached})
		c.observePhase(phase, "cached", 0)
		return cached, nil
	}

	if !call.Enabled(agentName) {
		payload := emptyPhaseResult(phase)
		if err := c.persistPhase(ctx, sess.SessionID, phase, payload); err != nil {
			return nil, err
		}
		c.logger.Printf("%s disabled for this call sid=%s", agentName, sess.SessionID)
		emit(Event{Phase: string(agentName), Status: "done", Data: payload})
		c.observePhase(phase, "skipped", 0)
		return payload, nil
	}

	emit(Event{Phase: string(agentName), Status: "running"})
	phaseCtx, span := c.tracer.Start(ctx, "pipeline."+string(phase))
	defer span.End()

	prompt := c.buildPrompt(phaseCtx, req, phase, results)

	started := time.Now()
	res, runErr := c.runner.Run(phaseCtx, call, agentName, prompt)
	elapsed := time.Since(started)

	if runErr != nil {
		if ctx.Err() != nil {
			// Cancelled: nothing is persisted and no terminal event is sent.
			return nil, ctx.Err()
		}
		if phase == session.PhaseInvestigation {
			// Research failure degrades to empty findings instead of
			// discarding the classifier and analyzer work.
			c.logger.Printf("investigator failed, continuing with empty findings sid=%s: %v", sess.SessionID, runErr)
			if err := c.persistPhase(ctx, sess.SessionID, phase, emptyFindings); err != nil {
				return nil, err
			}
			emit(Event{Phase: string(agentName), Status: "done", Data: emptyFindings})
			c.observePhase(phase, "recovered", elapsed)
			return emptyFindings, nil
		}
		if cb.OnError != nil {
			cb.OnError(string(agentName), runErr.Error())
		}
		c.observePhase(phase, "error", elapsed)
		return nil, fmt.Errorf("%s failed: %w", agentName, runErr)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := c.persistPhase(ctx, sess.SessionID, phase, res.Parsed); err != nil {
		return nil, err
	}
	timing := session.Timing{
		StartedAt:   started,
		CompletedAt: started.Add(elapsed),
		DurationMS:  elapsed.Milliseconds(),
	}
	if err := c.store.SaveTiming(ctx, sess.SessionID, string(agentName), timing); err != nil {
		c.logger.Printf("timing write failed for %s sid=%s: %v", agentName, sess.SessionID, err)
	}

	emit(Event{Phase: string(agentName), Status: "done", Data: res.Parsed})
	c.observePhase(phase, "done", elapsed)
	return res.Parsed, nil
}

// persistPhase tolerates a concurrent run having stored the phase first;
// phase results for the same session are equivalent.
func (c *Controller) persistPhase(ctx context.Context, sessionID string, phase session.Phase, payload json.RawMessage) error {
	err := c.store.SavePhase(ctx, sessionID, phase, payload)
	if errors.Is(err, session.ErrPhaseAlreadySet) {
		c.logger.Printf("%s already persisted for %s, keeping stored result", phase, sessionID)
		return nil
	}
	return err
}

func (c *Controller) buildPrompt(ctx context.Context, req Request, phase session.Phase, results map[session.Phase]json.RawMessage) string {
	switch phase {
	case session.PhaseClassification:
		return classifierPrompt(req.DocumentText, req.UserContext)
	case session.PhaseAnalysis:
		legalCtx := c.retriever.LegalContext(ctx, results[session.PhaseClassification], nil)
		return analyzerPrompt(req.DocumentText, results[session.PhaseClassification], legalCtx)
	case session.PhaseInvestigation:
		classification := results[session.PhaseClassification]
		analysis := results[session.PhaseAnalysis]
		legalCtx := c.retriever.LegalContext(ctx, classification, analysis)
		ragCtx := c.ragContext(ctx, classification, analysis)
		return investigatorPrompt(classification, analysis, legalCtx, ragCtx)
	case session.PhaseAdvice:
		return advisorPrompt(results[session.PhaseClassification], results[session.PhaseAnalysis], results[session.PhaseInvestigation])
	}
	return ""
}

func (c *Controller) ragContext(ctx context.Context, classification, analysis json.RawMessage) string {
	if !c.indexer.Enabled() {
		return ""
	}
	query := retrievalQuery(decodeClassification(classification), decodeAnalysis(analysis))
	if query == "" {
		return ""
	}
	out, err := c.indexer.BuildContext(ctx, query)
	if err != nil {
		c.logger.Printf("rag context failed: %v", err)
		return ""
	}
	return out
}

func (c *Controller) indexInBackground(sessionID, documentText string, outcome *Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := c.indexer.IndexDocument(ctx, sessionID, documentText, outcome.Classification); err != nil {
		c.logger.Printf("document indexing failed sid=%s: %v", sessionID, err)
	}
	if _, err := c.indexer.IndexAnalysis(ctx, sessionID, outcome.Classification, outcome.Analysis, outcome.Investigation, outcome.Advice); err != nil {
		c.logger.Printf("knowledge indexing failed sid=%s: %v", sessionID, err)
	}
}

func (c *Controller) observePhase(phase session.Phase, status string, d time.Duration) {
	if c.tel != nil {
		c.tel.ObservePhase(string(phase), status, d)
	}
}
