package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dora-agent/backend/internal/execution"
	"github.com/dora-agent/backend/internal/insight"
	"github.com/dora-agent/backend/internal/intent"
	"github.com/dora-agent/backend/internal/schema"
	"github.com/dora-agent/backend/internal/session"
	"github.com/dora-agent/backend/internal/storage/models"
	"github.com/dora-agent/backend/internal/synthesis"
)

type fakeLister struct {
	columns []models.CatalogColumn
}

func (f *fakeLister) ListCatalog() ([]models.CatalogColumn, error) {
	return f.columns, nil
}

func fullCatalog() *fakeLister {
	return &fakeLister{columns: []models.CatalogColumn{
		{TableName: "deployments", ColumnName: "id", ColumnType: "TEXT"},
		{TableName: "deployments", ColumnName: "service", ColumnType: "TEXT"},
		{TableName: "deployments", ColumnName: "ts", ColumnType: "INTEGER"},
		{TableName: "deployments", ColumnName: "status", ColumnType: "TEXT"},
		{TableName: "deployments", ColumnName: "deployed_by", ColumnType: "TEXT", Sensitive: true},
		{TableName: "changes", ColumnName: "id", ColumnType: "TEXT"},
		{TableName: "changes", ColumnName: "service", ColumnType: "TEXT"},
		{TableName: "changes", ColumnName: "merged_at", ColumnType: "INTEGER"},
		{TableName: "changes", ColumnName: "lead_time_hours", ColumnType: "REAL"},
		{TableName: "incidents", ColumnName: "id", ColumnType: "TEXT"},
		{TableName: "incidents", ColumnName: "opened_at", ColumnType: "INTEGER"},
		{TableName: "incidents", ColumnName: "restore_hours", ColumnType: "REAL"},
	}}
}

type step struct {
	rs  *execution.ResultSet
	err error
}

type fakeAdapter struct {
	mu    sync.Mutex
	calls int
	steps []step
}

func (f *fakeAdapter) Execute(ctx context.Context, query string, params []interface{}, rowLimit int, timeout time.Duration) (*execution.ResultSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	f.calls++

	if idx < 0 {
		return &execution.ResultSet{}, nil
	}
	return f.steps[idx].rs, f.steps[idx].err
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSynthesizer replays scripted candidates so the gate's verdicts drive
// the repair loop. The last candidate repeats once the script runs out.
type fakeSynthesizer struct {
	mu         sync.Mutex
	calls      int
	priors     []*synthesis.Feedback
	candidates []*synthesis.CandidateQuery
}

func (f *fakeSynthesizer) Synthesize(it intent.Intent, snap *schema.Snapshot, prior *synthesis.Feedback, attempt int) (*synthesis.CandidateQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.priors = append(f.priors, prior)

	idx := f.calls
	if idx >= len(f.candidates) {
		idx = len(f.candidates) - 1
	}
	f.calls++

	c := *f.candidates[idx]
	c.Attempt = attempt
	c.Feedback = prior
	return &c, nil
}

func (f *fakeSynthesizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func scopeViolationCandidate() *synthesis.CandidateQuery {
	return &synthesis.CandidateQuery{
		ID:      "bad-scope",
		SQL:     "SELECT salary FROM deployments WHERE ts >= ? AND ts < ?",
		Tables:  []string{"deployments"},
		Columns: []string{"ts"},
		Params:  []interface{}{int64(1), int64(2)},
	}
}

func injectionRiskCandidate() *synthesis.CandidateQuery {
	return &synthesis.CandidateQuery{
		ID:      "bad-literal",
		SQL:     "SELECT COUNT(id) FROM deployments WHERE ts >= 1700000000",
		Tables:  []string{"deployments"},
		Columns: []string{"id", "ts"},
	}
}

func cleanCandidate() *synthesis.CandidateQuery {
	return &synthesis.CandidateQuery{
		ID:      "good",
		SQL:     "SELECT COUNT(id) AS deployment_count FROM deployments WHERE ts >= ? AND ts < ?",
		Tables:  []string{"deployments"},
		Columns: []string{"id", "ts"},
		Params:  []interface{}{int64(1), int64(2)},
	}
}

type fakeStore struct {
	mu         sync.Mutex
	turns      []*models.TurnRecord
	candidates []*models.CandidateRecord
}

func (f *fakeStore) InsertTurnRecord(r *models.TurnRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, r)
	return nil
}

func (f *fakeStore) InsertCandidateRecord(r *models.CandidateRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, r)
	return nil
}

func newTestOrchestrator(t *testing.T, lister schema.Lister, adapter execution.Adapter, store TurnStore) *Orchestrator {
	return newOrchestratorWithSynth(t, lister, synthesis.NewSynthesizer(), adapter, store)
}

func newOrchestratorWithSynth(t *testing.T, lister schema.Lister, synth Synthesizer, adapter execution.Adapter, store TurnStore) *Orchestrator {
	t.Helper()

	catalog := schema.NewCatalog(lister)
	_, err := catalog.Refresh()
	require.NoError(t, err)

	sessions := session.NewStore(time.Minute, time.Minute)
	t.Cleanup(sessions.Stop)

	return New(
		catalog,
		intent.NewClassifier(0.55),
		synth,
		adapter,
		insight.NewAnalyzer(),
		nil,
		sessions,
		store,
		nil,
		Config{
			SynthesisRetryLimit: 3,
			ExecutionRetryLimit: 1,
			DefaultRowLimit:     500,
			RowLimitCeiling:     1000,
			ExecTimeout:         time.Second,
			HistoryDepth:        10,
			MaskingPolicy: map[string]string{
				"deployments.deployed_by": "hash",
			},
		},
	)
}

func drain(t *testing.T, chunks <-chan Chunk) (string, string, int) {
	t.Helper()

	var response strings.Builder
	var status string
	words := 0

	for chunk := range chunks {
		switch chunk.Type {
		case ChunkTypeChunk:
			response.WriteString(chunk.Content)
			words++
		case ChunkTypeComplete:
			status = chunk.Status
		}
	}

	return strings.TrimSpace(response.String()), status, words
}

func TestVagueUtteranceClarifiesWithoutExecuting(t *testing.T) {
	adapter := &fakeAdapter{}
	o := newTestOrchestrator(t, fullCatalog(), adapter, nil)

	_, chunks := o.ProcessTurn(context.Background(), "", "hello there")
	response, status, _ := drain(t, chunks)

	assert.Equal(t, string(session.StatusClarification), status)
	assert.Contains(t, response, "Which metric")
	assert.Equal(t, 0, adapter.callCount(), "a clarification turn must never reach the warehouse")
}

func TestDestructiveUtteranceIsRefused(t *testing.T) {
	adapter := &fakeAdapter{}
	o := newTestOrchestrator(t, fullCatalog(), adapter, nil)

	_, chunks := o.ProcessTurn(context.Background(), "", "delete all records from deployments")
	response, status, _ := drain(t, chunks)

	assert.Equal(t, string(session.StatusClarification), status)
	assert.Contains(t, response, "can't modify")
	assert.Equal(t, 0, adapter.callCount())
}

func TestAnsweredTurnStreamsWordByWord(t *testing.T) {
	adapter := &fakeAdapter{steps: []step{{
		rs: &execution.ResultSet{
			Columns:  []string{"deployment_count"},
			Rows:     [][]interface{}{{int64(12)}},
			RowCount: 1,
		},
	}}}
	o := newTestOrchestrator(t, fullCatalog(), adapter, nil)

	sessionID, chunks := o.ProcessTurn(context.Background(), "", "how many deployments did we have")
	response, status, words := drain(t, chunks)

	assert.NotEmpty(t, sessionID)
	assert.Equal(t, string(session.StatusAnswered), status)
	assert.Contains(t, response, "12")
	assert.Greater(t, words, 1, "the response must be streamed in word-level chunks")
	assert.Equal(t, 1, adapter.callCount())
}

func TestTransientFailureConsumesRetryBudget(t *testing.T) {
	adapter := &fakeAdapter{steps: []step{
		{err: fmt.Errorf("%w: flake", execution.ErrTimeout)},
		{rs: &execution.ResultSet{
			Columns:  []string{"deployment_count"},
			Rows:     [][]interface{}{{int64(3)}},
			RowCount: 1,
		}},
	}}
	o := newTestOrchestrator(t, fullCatalog(), adapter, nil)

	_, chunks := o.ProcessTurn(context.Background(), "", "how many deployments did we have")
	_, status, _ := drain(t, chunks)

	assert.Equal(t, string(session.StatusAnswered), status)
	assert.Equal(t, 2, adapter.callCount())
}

func TestExhaustedRetryBudgetFailsWithMaskedMessage(t *testing.T) {
	adapter := &fakeAdapter{steps: []step{
		{err: fmt.Errorf("%w: warehouse down", execution.ErrConnection)},
	}}
	o := newTestOrchestrator(t, fullCatalog(), adapter, nil)

	_, chunks := o.ProcessTurn(context.Background(), "", "how many deployments did we have")
	response, status, _ := drain(t, chunks)

	assert.Equal(t, string(session.StatusFailed), status)
	assert.Equal(t, 2, adapter.callCount(), "one initial attempt plus one retry")
	assert.NotContains(t, response, "warehouse")
	assert.NotContains(t, response, "connection")
	assert.Equal(t, strings.TrimSpace(failureMessage), response)
}

func TestMalformedQueryFailsWithoutRetry(t *testing.T) {
	adapter := &fakeAdapter{steps: []step{
		{err: fmt.Errorf("%w: no such column", execution.ErrMalformed)},
	}}
	o := newTestOrchestrator(t, fullCatalog(), adapter, nil)

	_, chunks := o.ProcessTurn(context.Background(), "", "how many deployments did we have")
	_, status, _ := drain(t, chunks)

	assert.Equal(t, string(session.StatusFailed), status)
	assert.Equal(t, 1, adapter.callCount(), "permanent errors must not consume the retry budget")
}

func TestSynthesisFailureIsMasked(t *testing.T) {
	// The catalog knows deployments but not changes, so a lead-time intent
	// classifies fine and then fails synthesis.
	lister := &fakeLister{columns: []models.CatalogColumn{
		{TableName: "deployments", ColumnName: "id", ColumnType: "TEXT"},
		{TableName: "deployments", ColumnName: "ts", ColumnType: "INTEGER"},
		{TableName: "deployments", ColumnName: "status", ColumnType: "TEXT"},
	}}
	adapter := &fakeAdapter{}
	o := newTestOrchestrator(t, lister, adapter, nil)

	_, chunks := o.ProcessTurn(context.Background(), "", "what is our lead time for changes")
	response, status, _ := drain(t, chunks)

	assert.Equal(t, string(session.StatusFailed), status)
	assert.NotContains(t, response, "catalog")
	assert.NotContains(t, response, "changes")
	assert.Equal(t, 0, adapter.callCount())
}

func TestCancelledTurnClosesWithoutCompletion(t *testing.T) {
	adapter := &fakeAdapter{}
	o := newTestOrchestrator(t, fullCatalog(), adapter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, chunks := o.ProcessTurn(ctx, "", "how many deployments did we have")
	_, status, _ := drain(t, chunks)

	assert.Empty(t, status, "a cancelled turn must close the stream without a completion chunk")
	assert.Equal(t, 0, adapter.callCount())
}

func TestTurnAndCandidatesArePersisted(t *testing.T) {
	adapter := &fakeAdapter{steps: []step{{
		rs: &execution.ResultSet{
			Columns:  []string{"deployment_count"},
			Rows:     [][]interface{}{{int64(7)}},
			RowCount: 1,
		},
	}}}
	store := &fakeStore{}
	o := newTestOrchestrator(t, fullCatalog(), adapter, store)

	sessionID, chunks := o.ProcessTurn(context.Background(), "", "how many deployments did we have")
	drain(t, chunks)

	store.mu.Lock()
	defer store.mu.Unlock()

	require.Len(t, store.turns, 1)
	record := store.turns[0]
	assert.Equal(t, sessionID, record.SessionID)
	assert.Equal(t, string(session.StatusAnswered), record.Status)
	assert.Equal(t, 1, record.Attempts)
	assert.Equal(t, 1, record.ExecAttempts)

	require.Len(t, store.candidates, 1)
	assert.Equal(t, record.ID, store.candidates[0].TurnID)
	assert.True(t, store.candidates[0].Allowed)
}

func TestFollowUpInheritsMetricFromSession(t *testing.T) {
	adapter := &fakeAdapter{steps: []step{{
		rs: &execution.ResultSet{
			Columns:  []string{"deployment_count"},
			Rows:     [][]interface{}{{int64(5)}},
			RowCount: 1,
		},
	}}}
	o := newTestOrchestrator(t, fullCatalog(), adapter, nil)

	sessionID, chunks := o.ProcessTurn(context.Background(), "", "how many deployments did we have")
	_, status, _ := drain(t, chunks)
	require.Equal(t, string(session.StatusAnswered), status)

	_, chunks = o.ProcessTurn(context.Background(), sessionID, "and over the last week?")
	_, status, _ = drain(t, chunks)

	assert.Equal(t, string(session.StatusAnswered), status)
	assert.Equal(t, 2, adapter.callCount())
}

func TestMaskResultAppliesPolicy(t *testing.T) {
	o := newTestOrchestrator(t, fullCatalog(), &fakeAdapter{}, nil)

	rs := &execution.ResultSet{
		Columns: []string{"deployed_by", "deployment_count"},
		Rows: [][]interface{}{
			{"alice@example.com", int64(4)},
			{nil, int64(2)},
		},
		RowCount: 2,
	}

	o.maskResult(rs, []string{"deployed_by"})

	assert.NotEqual(t, "alice@example.com", rs.Rows[0][0])
	assert.NotContains(t, fmt.Sprintf("%v", rs.Rows[0][0]), "alice")
	assert.Nil(t, rs.Rows[1][0], "null values stay null")
	assert.Equal(t, int64(4), rs.Rows[0][1], "non-sensitive columns are untouched")
}

func TestSynthesisRetryStopsAtBudget(t *testing.T) {
	// Alternating rejection reasons keep the convergence check out of the
	// way, so only the attempt budget can end the loop.
	synth := &fakeSynthesizer{candidates: []*synthesis.CandidateQuery{
		scopeViolationCandidate(),
		injectionRiskCandidate(),
		scopeViolationCandidate(),
		injectionRiskCandidate(),
	}}
	adapter := &fakeAdapter{}
	o := newOrchestratorWithSynth(t, fullCatalog(), synth, adapter, nil)

	_, chunks := o.ProcessTurn(context.Background(), "", "how many deployments did we have")
	response, status, _ := drain(t, chunks)

	assert.Equal(t, string(session.StatusFailed), status)
	assert.Equal(t, 3, synth.callCount(), "synthesis never runs more than the configured attempts")
	assert.Equal(t, 0, adapter.callCount(), "no rejected candidate may reach the warehouse")
	assert.Equal(t, strings.TrimSpace(failureMessage), response)
}

func TestSynthesisRetryAbortsOnRepeatedReason(t *testing.T) {
	synth := &fakeSynthesizer{candidates: []*synthesis.CandidateQuery{
		scopeViolationCandidate(),
	}}
	adapter := &fakeAdapter{}
	o := newOrchestratorWithSynth(t, fullCatalog(), synth, adapter, nil)

	_, chunks := o.ProcessTurn(context.Background(), "", "how many deployments did we have")
	_, status, _ := drain(t, chunks)

	assert.Equal(t, string(session.StatusFailed), status)
	assert.Equal(t, 2, synth.callCount(), "the same rejection twice ends the loop before the budget does")
	assert.Equal(t, 0, adapter.callCount())
}

func TestSynthesisRetryFeedsVerdictBack(t *testing.T) {
	synth := &fakeSynthesizer{candidates: []*synthesis.CandidateQuery{
		scopeViolationCandidate(),
		cleanCandidate(),
	}}
	adapter := &fakeAdapter{steps: []step{{
		rs: &execution.ResultSet{
			Columns:  []string{"deployment_count"},
			Rows:     [][]interface{}{{int64(9)}},
			RowCount: 1,
		},
	}}}
	store := &fakeStore{}
	o := newOrchestratorWithSynth(t, fullCatalog(), synth, adapter, store)

	_, chunks := o.ProcessTurn(context.Background(), "", "how many deployments did we have")
	_, status, _ := drain(t, chunks)

	assert.Equal(t, string(session.StatusAnswered), status)
	assert.Equal(t, 2, synth.callCount())
	assert.Equal(t, 1, adapter.callCount())

	synth.mu.Lock()
	require.Len(t, synth.priors, 2)
	assert.Nil(t, synth.priors[0], "the first attempt carries no feedback")
	require.NotNil(t, synth.priors[1])
	assert.Equal(t, "SCOPE_VIOLATION", synth.priors[1].Code)
	assert.Equal(t, "salary", synth.priors[1].Subject)
	synth.mu.Unlock()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.turns, 1)
	assert.Equal(t, 2, store.turns[0].Attempts)
	require.Len(t, store.candidates, 2)
	assert.False(t, store.candidates[0].Allowed)
	assert.True(t, store.candidates[1].Allowed)
}

func TestClarificationOffersOnlySchemaKnownMetrics(t *testing.T) {
	// No incidents table in the catalog, so time-to-restore must not be
	// offered as an option.
	lister := &fakeLister{columns: []models.CatalogColumn{
		{TableName: "deployments", ColumnName: "id", ColumnType: "TEXT"},
		{TableName: "deployments", ColumnName: "ts", ColumnType: "INTEGER"},
		{TableName: "deployments", ColumnName: "status", ColumnType: "TEXT"},
	}}
	o := newTestOrchestrator(t, lister, &fakeAdapter{}, nil)

	_, chunks := o.ProcessTurn(context.Background(), "", "hello there")
	response, status, _ := drain(t, chunks)

	assert.Equal(t, string(session.StatusClarification), status)
	assert.Contains(t, response, "deployment frequency")
	assert.NotContains(t, response, "time to restore")
	assert.NotContains(t, response, "lead time")
}

func TestMaskResultRedactsByDefault(t *testing.T) {
	o := newTestOrchestrator(t, fullCatalog(), &fakeAdapter{}, nil)

	rs := &execution.ResultSet{
		Columns:  []string{"reported_by"},
		Rows:     [][]interface{}{{"bob@example.com"}},
		RowCount: 1,
	}

	o.maskResult(rs, []string{"reported_by"})

	assert.Equal(t, "[redacted]", rs.Rows[0][0])
}
