package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/controllame/docpipe/internal/agent"
	"github.com/controllame/docpipe/internal/models"
	"github.com/controllame/docpipe/internal/session"
)

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *log.Logger { return log.New(nullWriter{}, "", 0) }

var agentPayloads = map[models.AgentName]json.RawMessage{
	models.Classifier:   json.RawMessage(`{"documentType":"locazione_commerciale","documentTypeLabel":"Locazione commerciale","jurisdiction":"Italia","relevantInstitutes":["clausola_penale"],"summary":"Locazione con penale."}`),
	models.Analyzer:     json.RawMessage(`{"clauses":[{"id":"c1","title":"Penale","riskLevel":"high","issue":"Sproporzionata","originalText":"penale del 50%"}]}`),
	models.Investigator: json.RawMessage(`{"findings":[{"clauseId":"c1","laws":[{"reference":"art. 1384 c.c."}]}]}`),
	models.Advisor:      json.RawMessage(`{"fairnessScore":5,"risks":[{"title":"Penale","severity":"high"}]}`),
}

type fakeRunner struct {
	calls   []models.AgentName
	prompts map[models.AgentName]string
	errs    map[models.AgentName]error
	onCall  func(models.AgentName)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{prompts: map[models.AgentName]string{}, errs: map[models.AgentName]error{}}
}

func (f *fakeRunner) Run(ctx context.Context, call models.CallContext, agentName models.AgentName, prompt string) (*agent.RunResult, error) {
	f.calls = append(f.calls, agentName)
	f.prompts[agentName] = prompt
	if f.onCall != nil {
		f.onCall(agentName)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := f.errs[agentName]; err != nil {
		return nil, err
	}
	return &agent.RunResult{
		Parsed:   agentPayloads[agentName],
		ModelKey: "claude-sonnet-4.5",
		Duration: 10 * time.Millisecond,
	}, nil
}

const testDocument = `Contratto di locazione ad uso commerciale. Il conduttore si obbliga
al pagamento del canone mensile; in caso di ritardo si applica una penale del 50%.`

func newTestController(t *testing.T) (*Controller, *fakeRunner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	runner := newFakeRunner()
	store := session.New(db, testLogger())
	ctl := NewController(store, runner, nil, nil, nil, testLogger())
	return ctl, runner, mock
}

func expectFreshSession(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("advice IS NULL").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectExec("INSERT INTO analysis_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectPhaseWrite(mock sqlmock.Sqlmock, column string) {
	mock.ExpectExec("UPDATE analysis_sessions SET " + column).WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectTimingWrite(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT phase_timing FROM analysis_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"phase_timing"}).AddRow([]byte(`{}`)))
	mock.ExpectExec("UPDATE analysis_sessions SET phase_timing").WillReturnResult(sqlmock.NewResult(0, 1))
}

func sessionRow(id string, classification, analysis, investigation, advice []byte) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"session_id", "tenant_id", "document_hash", "document_preview", "created_at", "updated_at",
		"classification", "analysis", "investigation", "advice", "phase_timing",
	}).AddRow(id, "tenant-a", "abcdef0123456789", "Contratto di locazione", now, now, classification, analysis, investigation, advice, []byte(`{}`))
}

func TestRunRejectsShortDocument(t *testing.T) {
	ctl, _, _ := newTestController(t)
	_, err := ctl.Run(context.Background(), Request{TenantID: "t", DocumentText: "troppo corto"}, Callbacks{})
	if !errors.Is(err, ErrDocumentTooShort) {
		t.Fatalf("expected ErrDocumentTooShort, got %v", err)
	}
}

func TestRunExecutesAllPhasesInOrder(t *testing.T) {
	ctl, runner, mock := newTestController(t)
	expectFreshSession(mock)
	for _, col := range []string{"classification", "analysis", "investigation", "advice"} {
		expectPhaseWrite(mock, col)
		expectTimingWrite(mock)
	}

	var events []Event
	var completed *Outcome
	outcome, err := ctl.Run(context.Background(), Request{TenantID: "tenant-a", DocumentText: testDocument}, Callbacks{
		OnProgress: func(ev Event) { events = append(events, ev) },
		OnComplete: func(o *Outcome) { completed = o },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	wantCalls := []models.AgentName{models.Classifier, models.Analyzer, models.Investigator, models.Advisor}
	if fmt.Sprint(runner.calls) != fmt.Sprint(wantCalls) {
		t.Fatalf("agent order wrong: %v", runner.calls)
	}

	if len(events) != 8 {
		t.Fatalf("expected 8 events (running+done per phase), got %d", len(events))
	}
	for i, agentName := range wantCalls {
		if events[2*i].Status != "running" || events[2*i].Phase != string(agentName) {
			t.Fatalf("event %d should be %s running, got %+v", 2*i, agentName, events[2*i])
		}
		if events[2*i+1].Status != "done" {
			t.Fatalf("event %d should be done, got %+v", 2*i+1, events[2*i+1])
		}
	}

	if completed == nil || completed.SessionID != outcome.SessionID {
		t.Fatal("OnComplete must receive the outcome")
	}
	if string(outcome.Advice) != string(agentPayloads[models.Advisor]) {
		t.Fatalf("advice payload wrong: %s", outcome.Advice)
	}
	if outcome.Resumed {
		t.Fatal("fresh session must not be marked resumed")
	}

	// Later prompts carry earlier results forward.
	if !strings.Contains(runner.prompts[models.Advisor], `"clauseId":"c1"`) {
		t.Fatal("advisor prompt missing investigation findings")
	}
	if !strings.Contains(runner.prompts[models.Classifier], "penale del 50%") {
		t.Fatal("classifier prompt missing document text")
	}
}

func TestRunReplaysCachedPhases(t *testing.T) {
	ctl, runner, mock := newTestController(t)
	mock.ExpectQuery("FROM analysis_sessions WHERE session_id").
		WithArgs("sess-1").
		WillReturnRows(sessionRow("sess-1", agentPayloads[models.Classifier], agentPayloads[models.Analyzer], nil, nil))
	expectPhaseWrite(mock, "investigation")
	expectTimingWrite(mock)
	expectPhaseWrite(mock, "advice")
	expectTimingWrite(mock)

	var events []Event
	outcome, err := ctl.Run(context.Background(), Request{
		TenantID:     "tenant-a",
		SessionID:    "sess-1",
		DocumentText: testDocument,
	}, Callbacks{OnProgress: func(ev Event) { events = append(events, ev) }})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if fmt.Sprint(runner.calls) != fmt.Sprint([]models.AgentName{models.Investigator, models.Advisor}) {
		t.Fatalf("cached phases must not call models: %v", runner.calls)
	}
	if !outcome.Resumed {
		t.Fatal("explicit session resumption must be flagged")
	}

	// Cached phases emit done without a preceding running event.
	if events[0].Status != "done" || !events[0].Cached || events[0].Phase != "classifier" {
		t.Fatalf("first event should be cached classifier done, got %+v", events[0])
	}
	if string(events[0].Data) != string(agentPayloads[models.Classifier]) {
		t.Fatal("cached payload must replay byte for byte")
	}
	if events[1].Status != "done" || !events[1].Cached {
		t.Fatalf("second event should be cached analyzer done, got %+v", events[1])
	}
	if events[2].Status != "running" || events[2].Phase != "investigator" {
		t.Fatalf("third event should be investigator running, got %+v", events[2])
	}
}

func TestRunResumesByDocumentHash(t *testing.T) {
	ctl, runner, mock := newTestController(t)
	mock.ExpectQuery("advice IS NULL").
		WillReturnRows(sessionRow("sess-2", agentPayloads[models.Classifier], nil, nil, nil))
	for _, col := range []string{"analysis", "investigation", "advice"} {
		expectPhaseWrite(mock, col)
		expectTimingWrite(mock)
	}

	outcome, err := ctl.Run(context.Background(), Request{TenantID: "tenant-a", DocumentText: testDocument}, Callbacks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !outcome.Resumed || outcome.SessionID != "sess-2" {
		t.Fatalf("expected resumed session sess-2, got %+v", outcome)
	}
	if len(runner.calls) != 3 {
		t.Fatalf("classifier should be cached, got calls %v", runner.calls)
	}
}

func TestMissingExplicitSessionFails(t *testing.T) {
	ctl, _, mock := newTestController(t)
	mock.ExpectQuery("FROM analysis_sessions WHERE session_id").
		WillReturnError(errors.New("sql: no rows in result set"))

	// Load maps ErrNoRows to nil; simulate via empty row error instead.
	_, err := ctl.Run(context.Background(), Request{
		TenantID:     "tenant-a",
		SessionID:    "ghost",
		DocumentText: testDocument,
	}, Callbacks{})
	if err == nil {
		t.Fatal("missing explicit session must fail the run")
	}
}

func TestInvestigatorFailureDegradesToEmptyFindings(t *testing.T) {
	ctl, runner, mock := newTestController(t)
	runner.errs[models.Investigator] = errors.New("all providers exhausted")
	expectFreshSession(mock)
	expectPhaseWrite(mock, "classification")
	expectTimingWrite(mock)
	expectPhaseWrite(mock, "analysis")
	expectTimingWrite(mock)
	expectPhaseWrite(mock, "investigation")
	expectPhaseWrite(mock, "advice")
	expectTimingWrite(mock)

	var events []Event
	errorCalled := false
	outcome, err := ctl.Run(context.Background(), Request{TenantID: "tenant-a", DocumentText: testDocument}, Callbacks{
		OnProgress: func(ev Event) { events = append(events, ev) },
		OnError:    func(phase, msg string) { errorCalled = true },
	})
	if err != nil {
		t.Fatalf("investigator failure must not abort the run: %v", err)
	}
	if errorCalled {
		t.Fatal("recovered investigator must not emit an error event")
	}
	if string(outcome.Investigation) != `{"findings":[]}` {
		t.Fatalf("expected empty findings, got %s", outcome.Investigation)
	}
	// The advisor still runs, seeing the empty findings.
	if !strings.Contains(runner.prompts[models.Advisor], `{"findings":[]}`) {
		t.Fatal("advisor prompt missing degraded findings")
	}

	var invDone *Event
	for i := range events {
		if events[i].Phase == "investigator" && events[i].Status == "done" {
			invDone = &events[i]
		}
	}
	if invDone == nil || string(invDone.Data) != `{"findings":[]}` {
		t.Fatal("investigator must end with done and empty findings")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFatalPhaseFailureAborts(t *testing.T) {
	ctl, runner, mock := newTestController(t)
	runner.errs[models.Analyzer] = errors.New("model returned garbage")
	expectFreshSession(mock)
	expectPhaseWrite(mock, "classification")
	expectTimingWrite(mock)

	var errPhase string
	_, err := ctl.Run(context.Background(), Request{TenantID: "tenant-a", DocumentText: testDocument}, Callbacks{
		OnError: func(phase, msg string) { errPhase = phase },
	})
	if err == nil || !strings.Contains(err.Error(), "analyzer failed") {
		t.Fatalf("expected analyzer failure, got %v", err)
	}
	if errPhase != "analyzer" {
		t.Fatalf("error callback should name the analyzer, got %q", errPhase)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("advisor must not run after a fatal failure: %v", runner.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("analysis must not be persisted after failure: %v", err)
	}
}

func TestCancellationPersistsNothing(t *testing.T) {
	ctl, runner, mock := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	runner.onCall = func(agentName models.AgentName) {
		if agentName == models.Analyzer {
			cancel()
		}
	}
	expectFreshSession(mock)
	expectPhaseWrite(mock, "classification")
	expectTimingWrite(mock)

	_, err := ctl.Run(ctx, Request{TenantID: "tenant-a", DocumentText: testDocument}, Callbacks{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("cancelled phase must not be persisted: %v", err)
	}
}

func TestDisabledAgentPersistsEmptyResult(t *testing.T) {
	ctl, runner, mock := newTestController(t)
	expectFreshSession(mock)
	expectPhaseWrite(mock, "classification")
	expectTimingWrite(mock)
	expectPhaseWrite(mock, "analysis")
	expectTimingWrite(mock)
	mock.ExpectExec("UPDATE analysis_sessions SET investigation").
		WithArgs([]byte(`{"findings":[]}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectPhaseWrite(mock, "advice")
	expectTimingWrite(mock)

	var events []Event
	outcome, err := ctl.Run(context.Background(), Request{
		TenantID:     "tenant-a",
		DocumentText: testDocument,
		Call:         models.CallContext{Disabled: map[models.AgentName]bool{models.Investigator: true}},
	}, Callbacks{OnProgress: func(ev Event) { events = append(events, ev) }})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, called := range runner.calls {
		if called == models.Investigator {
			t.Fatal("disabled investigator must not be called")
		}
	}
	if string(outcome.Investigation) != `{"findings":[]}` {
		t.Fatalf("disabled investigator must persist empty findings, got %s", outcome.Investigation)
	}
	for _, ev := range events {
		if ev.Phase == "investigator" && ev.Status == "running" {
			t.Fatal("disabled phase must not emit running")
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPhaseAlreadySetIsTolerated(t *testing.T) {
	ctl, _, mock := newTestController(t)
	expectFreshSession(mock)
	// Concurrent run persisted classification between our call and write.
	mock.ExpectExec("UPDATE analysis_sessions SET classification").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	expectTimingWrite(mock)
	for _, col := range []string{"analysis", "investigation", "advice"} {
		expectPhaseWrite(mock, col)
		expectTimingWrite(mock)
	}

	if _, err := ctl.Run(context.Background(), Request{TenantID: "tenant-a", DocumentText: testDocument}, Callbacks{}); err != nil {
		t.Fatalf("duplicate phase write must not fail the run: %v", err)
	}
}

func TestTierThreadsThroughToRunner(t *testing.T) {
	ctl, runner, mock := newTestController(t)
	expectFreshSession(mock)
	for _, col := range []string{"classification", "analysis", "investigation", "advice"} {
		expectPhaseWrite(mock, col)
		expectTimingWrite(mock)
	}

	var sids []string
	captured := map[models.AgentName]models.CallContext{}
	ctl.runner = runnerFunc(func(ctx context.Context, call models.CallContext, agentName models.AgentName, prompt string) (*agent.RunResult, error) {
		captured[agentName] = call
		sids = append(sids, call.SID)
		return runner.Run(ctx, call, agentName, prompt)
	})

	_, err := ctl.Run(context.Background(), Request{
		TenantID:     "tenant-a",
		DocumentText: testDocument,
		Call:         models.CallContext{Tier: models.TierAssociate},
	}, Callbacks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for agentName, call := range captured {
		if call.Tier != models.TierAssociate {
			t.Fatalf("%s lost the requested tier: %+v", agentName, call)
		}
	}
	for _, sid := range sids {
		if sid == "" {
			t.Fatal("session id must be threaded into every call")
		}
	}
}

type runnerFunc func(ctx context.Context, call models.CallContext, agentName models.AgentName, prompt string) (*agent.RunResult, error)

func (f runnerFunc) Run(ctx context.Context, call models.CallContext, agentName models.AgentName, prompt string) (*agent.RunResult, error) {
	return f(ctx, call, agentName, prompt)
}
