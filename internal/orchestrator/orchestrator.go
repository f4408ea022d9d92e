package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dora-agent/backend/internal/execution"
	"github.com/dora-agent/backend/internal/gate"
	"github.com/dora-agent/backend/internal/insight"
	"github.com/dora-agent/backend/internal/intent"
	"github.com/dora-agent/backend/internal/metrics"
	"github.com/dora-agent/backend/internal/schema"
	"github.com/dora-agent/backend/internal/session"
	"github.com/dora-agent/backend/internal/storage/models"
	"github.com/dora-agent/backend/internal/synthesis"
	"github.com/dora-agent/backend/pkg/logger"
	"github.com/dora-agent/backend/pkg/retry"
	"github.com/dora-agent/backend/pkg/utils"
)

// Pipeline states. A turn walks Start through End; Clarify and Fail are
// absorbing and always produce a response before the channel closes.
const (
	StateStart           = "Start"
	StateClassifyIntent  = "ClassifyIntent"
	StateSynthesize      = "Synthesize"
	StateValidate        = "Validate"
	StateRetrySynthesize = "RetrySynthesize"
	StateExecute         = "Execute"
	StateAnalyze         = "Analyze"
	StateRespond         = "Respond"
	StateClarify         = "Clarify"
	StateFail            = "Fail"
	StateEnd             = "End"
)

const (
	ChunkTypeStatus   = "status"
	ChunkTypeChunk    = "chunk"
	ChunkTypeComplete = "complete"
)

// failureMessage is the only text a failed turn ever surfaces. Internal
// reasons stay in logs and the turn record.
const failureMessage = "Sorry, I wasn't able to answer that. Please try rephrasing your question."

type Chunk struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Status    string `json:"status,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
}

// Synthesizer builds candidate queries for an intent, repairing against
// prior gate feedback. Satisfied by the template synthesizer.
type Synthesizer interface {
	Synthesize(it intent.Intent, snap *schema.Snapshot, prior *synthesis.Feedback, attempt int) (*synthesis.CandidateQuery, error)
}

// TurnStore persists finished turns and their candidate traces.
type TurnStore interface {
	InsertTurnRecord(record *models.TurnRecord) error
	InsertCandidateRecord(record *models.CandidateRecord) error
}

// InsightCache is satisfied by the redis client; nil disables caching.
type InsightCache interface {
	GetInsight(ctx context.Context, key string, out interface{}) (bool, error)
	SetInsight(ctx context.Context, key string, v interface{}) error
}

// NarrationProvider optionally rewrites the deterministic summary; nil means
// the summary is streamed as-is.
type NarrationProvider interface {
	Narrate(ctx context.Context, question, summary string) (string, error)
}

type Config struct {
	SynthesisRetryLimit int
	ExecutionRetryLimit int
	DefaultRowLimit     int
	RowLimitCeiling     int
	ExecTimeout         time.Duration
	HistoryDepth        int
	MaskingPolicy       map[string]string
}

type Orchestrator struct {
	catalog     *schema.Catalog
	classifier  *intent.Classifier
	synthesizer Synthesizer
	adapter     execution.Adapter
	analyzer    *insight.Analyzer
	narrator    NarrationProvider
	sessions    *session.Store
	store       TurnStore
	cache       InsightCache
	cfg         Config
}

func New(
	catalog *schema.Catalog,
	classifier *intent.Classifier,
	synthesizer Synthesizer,
	adapter execution.Adapter,
	analyzer *insight.Analyzer,
	narrator NarrationProvider,
	sessions *session.Store,
	store TurnStore,
	cache InsightCache,
	cfg Config,
) *Orchestrator {
	if cfg.SynthesisRetryLimit <= 0 {
		cfg.SynthesisRetryLimit = 3
	}
	if cfg.ExecutionRetryLimit < 0 {
		cfg.ExecutionRetryLimit = 0
	}
	if cfg.DefaultRowLimit <= 0 {
		cfg.DefaultRowLimit = 500
	}
	if cfg.RowLimitCeiling < cfg.DefaultRowLimit {
		cfg.RowLimitCeiling = cfg.DefaultRowLimit
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 10 * time.Second
	}

	return &Orchestrator{
		catalog:     catalog,
		classifier:  classifier,
		synthesizer: synthesizer,
		adapter:     adapter,
		analyzer:    analyzer,
		narrator:    narrator,
		sessions:    sessions,
		store:       store,
		cache:       cache,
		cfg:         cfg,
	}
}

// ProcessTurn runs one utterance through the pipeline and streams the
// response word by word. The returned session id identifies a freshly
// created session when the caller passed an empty one. The channel closes
// once the turn reaches a terminal state; cancelling ctx aborts in-flight
// execution and closes the channel without a completion chunk.
func (o *Orchestrator) ProcessTurn(ctx context.Context, sessionID, utterance string) (string, <-chan Chunk) {
	sess := o.sessions.GetOrCreate(sessionID)
	out := make(chan Chunk, 64)

	go o.run(ctx, sess, utterance, out)

	return sess.ID, out
}

func (o *Orchestrator) run(ctx context.Context, sess *session.Session, utterance string, out chan<- Chunk) {
	defer close(out)

	// Turns within a session are strictly serialized; a second utterance
	// waits here until the first one completes.
	sess.Acquire()
	defer sess.Release()

	turn := sess.BeginTurn(utterance)
	history := sess.History(o.cfg.HistoryDepth)
	start := time.Now()

	metrics.ActiveSessions.Set(float64(o.sessions.Len()))

	snap, err := o.catalog.Snapshot()
	if err != nil {
		logger.Error("Failed to load schema snapshot", zap.Error(err))
		turn.FailureReason = fmt.Sprintf("catalog unavailable: %v", err)
		o.respondFailure(ctx, sess, turn, out, start)
		return
	}

	var (
		it        intent.Intent
		candidate *synthesis.CandidateQuery
		verdict   gate.Verdict
		feedback  *synthesis.Feedback
		result    *execution.ResultSet
		answer    insight.Insight
		lastCode  string
		cacheKey  string
	)

	state := StateStart
	for state != StateEnd {
		if ctx.Err() != nil {
			o.abandon(sess, turn, start, ctx.Err())
			return
		}
		turn.State = state

		switch state {
		case StateStart:
			o.emit(ctx, out, Chunk{Type: ChunkTypeStatus, Content: "Thinking...", SessionID: sess.ID, TurnID: turn.ID})
			state = StateClassifyIntent

		case StateClassifyIntent:
			it = o.classifier.Classify(utterance, history, snap)
			turn.Intent = it
			metrics.IntentConfidence.Observe(it.Confidence)

			if it.Category == intent.CategoryClarification || it.Category == intent.CategoryOutOfScope {
				state = StateClarify
				break
			}

			cacheKey = utils.HashString(strings.ToLower(strings.TrimSpace(utterance)) + "|" + snap.Version)
			if cached, ok := o.lookupCachedInsight(ctx, cacheKey); ok {
				answer = cached
				state = StateRespond
				break
			}
			state = StateSynthesize

		case StateSynthesize:
			turn.Attempts++
			candidate, err = o.synthesizer.Synthesize(it, snap, feedback, turn.Attempts)
			if err != nil {
				turn.FailureReason = fmt.Sprintf("synthesis failed: %v", err)
				state = StateFail
				break
			}
			state = StateValidate

		case StateValidate:
			verdict = gate.Validate(candidate, gate.PolicyFromSnapshot(snap, o.cfg.DefaultRowLimit, o.cfg.RowLimitCeiling))
			turn.Candidates = append(turn.Candidates, session.CandidateTrace{
				Attempt: candidate.Attempt,
				SQL:     candidate.SQL,
				Allowed: verdict.Allowed,
				Reason:  verdict.Reason,
			})

			if verdict.Allowed {
				state = StateExecute
				break
			}

			metrics.GateRejections.WithLabelValues(verdict.Reason).Inc()

			// The same rejection twice in a row means synthesis is not
			// converging; burning the rest of the budget would only repeat
			// the verdict.
			if verdict.Reason == lastCode {
				turn.FailureReason = fmt.Sprintf("synthesis not converging: %s rejected twice", verdict.Reason)
				state = StateFail
				break
			}
			lastCode = verdict.Reason

			if turn.Attempts >= o.cfg.SynthesisRetryLimit {
				turn.FailureReason = fmt.Sprintf("synthesis budget exhausted after %d attempts: %s", turn.Attempts, verdict.Reason)
				state = StateFail
				break
			}
			feedback = verdict.Feedback
			state = StateRetrySynthesize

		case StateRetrySynthesize:
			o.emit(ctx, out, Chunk{Type: ChunkTypeStatus, Content: "Refining the query...", SessionID: sess.ID, TurnID: turn.ID})
			state = StateSynthesize

		case StateExecute:
			o.emit(ctx, out, Chunk{Type: ChunkTypeStatus, Content: "Running the query...", SessionID: sess.ID, TurnID: turn.ID})

			result, err = o.executeWithRetry(ctx, turn, verdict)
			if err != nil {
				if ctx.Err() != nil {
					o.abandon(sess, turn, start, ctx.Err())
					return
				}
				if errors.Is(err, execution.ErrMalformed) {
					// The gate approved a query the warehouse rejected.
					metrics.InvariantViolations.Inc()
					logger.Error("Gate-approved query rejected by warehouse",
						zap.String("turn_id", turn.ID),
						zap.String("query", verdict.SanitizedSQL),
						zap.Error(err),
					)
				}
				turn.FailureReason = fmt.Sprintf("execution failed after %d attempts: %v", turn.ExecAttempts, err)
				state = StateFail
				break
			}
			state = StateAnalyze

		case StateAnalyze:
			o.maskResult(result, verdict.MaskedColumns)
			answer = o.analyzer.Analyze(result, it)
			answer.Summary = o.narrate(ctx, utterance, answer.Summary)

			if cacheKey != "" {
				o.storeCachedInsight(ctx, cacheKey, answer)
			}
			state = StateRespond

		case StateRespond:
			turn.Response = answer.Summary
			if !o.stream(ctx, out, sess, turn, answer.Summary) {
				o.abandon(sess, turn, start, ctx.Err())
				return
			}
			o.finish(sess, turn, session.StatusAnswered, start)
			o.emit(ctx, out, Chunk{Type: ChunkTypeComplete, Status: string(session.StatusAnswered), SessionID: sess.ID, TurnID: turn.ID})
			state = StateEnd

		case StateClarify:
			turn.Response = clarificationMessage(it, snap)
			if !o.stream(ctx, out, sess, turn, turn.Response) {
				o.abandon(sess, turn, start, ctx.Err())
				return
			}
			o.finish(sess, turn, session.StatusClarification, start)
			o.emit(ctx, out, Chunk{Type: ChunkTypeComplete, Status: string(session.StatusClarification), SessionID: sess.ID, TurnID: turn.ID})
			state = StateEnd

		case StateFail:
			o.respondFailure(ctx, sess, turn, out, start)
			state = StateEnd
		}
	}
}

// executeWithRetry drives the execution-retry budget. Only transient
// warehouse errors consume it; malformed queries and cancellations return
// immediately.
func (o *Orchestrator) executeWithRetry(ctx context.Context, turn *session.Turn, verdict gate.Verdict) (*execution.ResultSet, error) {
	cfg := retry.Config{
		MaxAttempts:     o.cfg.ExecutionRetryLimit + 1,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Multiplier:      2.0,
		JitterFraction:  0.1,
		RetryableErrors: []error{execution.ErrTimeout, execution.ErrConnection},
		Logger:          logger.GetLogger(),
	}

	return retry.DoWithResult(ctx, cfg, func() (*execution.ResultSet, error) {
		turn.ExecAttempts++
		if turn.ExecAttempts > 1 {
			metrics.ExecutionRetries.Inc()
		}
		return o.adapter.Execute(ctx, verdict.SanitizedSQL, verdict.Params, verdict.RowLimit, o.cfg.ExecTimeout)
	})
}

// maskResult applies the configured masking mode to every column the gate
// marked sensitive. Raw values never leave the pipeline.
func (o *Orchestrator) maskResult(rs *execution.ResultSet, maskedColumns []string) {
	if rs == nil || len(maskedColumns) == 0 {
		return
	}

	for _, column := range maskedColumns {
		idx := -1
		for i, c := range rs.Columns {
			if strings.EqualFold(c, column) {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}

		mode := o.maskingMode(column)
		for _, row := range rs.Rows {
			row[idx] = maskValue(row[idx], mode)
		}
	}
}

// maskingMode resolves the policy for a column. Keys are qualified
// "table.column"; the gate hands back bare column names, so the match is
// on the column part. Unknown columns default to the stricter redact.
func (o *Orchestrator) maskingMode(column string) string {
	for key, mode := range o.cfg.MaskingPolicy {
		parts := strings.Split(key, ".")
		if strings.EqualFold(parts[len(parts)-1], column) {
			return mode
		}
	}
	return "redact"
}

func maskValue(v interface{}, mode string) interface{} {
	if v == nil {
		return nil
	}
	if mode == "hash" {
		return utils.HashString(fmt.Sprintf("%v", v))[:12]
	}
	return "[redacted]"
}

func (o *Orchestrator) narrate(ctx context.Context, question, summary string) string {
	if o.narrator == nil {
		return summary
	}

	text, err := o.narrator.Narrate(ctx, question, summary)
	if err != nil {
		logger.Warn("Narration failed, using deterministic summary", zap.Error(err))
		return summary
	}
	return text
}

func (o *Orchestrator) lookupCachedInsight(ctx context.Context, key string) (insight.Insight, bool) {
	var cached insight.Insight
	if o.cache == nil {
		return cached, false
	}

	hit, err := o.cache.GetInsight(ctx, key, &cached)
	if err != nil {
		logger.Warn("Insight cache lookup failed", zap.Error(err))
		return cached, false
	}
	if !hit {
		metrics.CacheMisses.WithLabelValues("insight").Inc()
		return cached, false
	}

	metrics.CacheHits.WithLabelValues("insight").Inc()
	return cached, true
}

func (o *Orchestrator) storeCachedInsight(ctx context.Context, key string, answer insight.Insight) {
	if o.cache == nil {
		return
	}
	if err := o.cache.SetInsight(ctx, key, answer); err != nil {
		logger.Warn("Insight cache store failed", zap.Error(err))
	}
}

// stream emits the response word by word. Returns false when the context
// was cancelled mid-stream.
func (o *Orchestrator) stream(ctx context.Context, out chan<- Chunk, sess *session.Session, turn *session.Turn, text string) bool {
	for _, word := range strings.Fields(text) {
		select {
		case <-ctx.Done():
			return false
		case out <- Chunk{Type: ChunkTypeChunk, Content: word + " ", SessionID: sess.ID, TurnID: turn.ID}:
		}
	}
	return true
}

func (o *Orchestrator) emit(ctx context.Context, out chan<- Chunk, chunk Chunk) {
	select {
	case <-ctx.Done():
	case out <- chunk:
	}
}

func (o *Orchestrator) respondFailure(ctx context.Context, sess *session.Session, turn *session.Turn, out chan<- Chunk, start time.Time) {
	logger.Warn("Turn failed",
		zap.String("turn_id", turn.ID),
		zap.String("session_id", sess.ID),
		zap.String("reason", turn.FailureReason),
		zap.Int("attempts", turn.Attempts),
		zap.Int("exec_attempts", turn.ExecAttempts),
	)

	turn.Response = failureMessage
	o.stream(ctx, out, sess, turn, failureMessage)
	o.finish(sess, turn, session.StatusFailed, start)
	o.emit(ctx, out, Chunk{Type: ChunkTypeComplete, Status: string(session.StatusFailed), SessionID: sess.ID, TurnID: turn.ID})
}

// abandon closes out a turn whose caller went away. Nothing is streamed;
// the record keeps the cancellation for diagnostics.
func (o *Orchestrator) abandon(sess *session.Session, turn *session.Turn, start time.Time, cause error) {
	logger.Info("Turn cancelled",
		zap.String("turn_id", turn.ID),
		zap.String("session_id", sess.ID),
		zap.NamedError("cause", cause),
	)

	if turn.FailureReason == "" {
		turn.FailureReason = fmt.Sprintf("cancelled: %v", cause)
	}
	o.finish(sess, turn, session.StatusFailed, start)
}

func (o *Orchestrator) finish(sess *session.Session, turn *session.Turn, status session.Status, start time.Time) {
	turn.Status = status
	turn.CompletedAt = time.Now()
	turn.State = StateEnd

	elapsed := time.Since(start)
	metrics.TurnDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
	metrics.TurnTotal.WithLabelValues(string(status)).Inc()
	if turn.Attempts > 0 {
		metrics.SynthesisAttempts.Observe(float64(turn.Attempts))
	}

	o.persist(sess, turn, elapsed)
}

func (o *Orchestrator) persist(sess *session.Session, turn *session.Turn, elapsed time.Duration) {
	if o.store == nil {
		return
	}

	record := &models.TurnRecord{
		ID:             turn.ID,
		SessionID:      sess.ID,
		Utterance:      turn.Utterance,
		IntentCategory: string(turn.Intent.Category),
		Confidence:     turn.Intent.Confidence,
		Status:         string(turn.Status),
		Response:       turn.Response,
		FailureReason:  turn.FailureReason,
		Attempts:       turn.Attempts,
		ExecAttempts:   turn.ExecAttempts,
		LatencyMS:      int(elapsed.Milliseconds()),
		CreatedAt:      turn.StartedAt,
	}

	if err := o.store.InsertTurnRecord(record); err != nil {
		logger.Error("Failed to persist turn", zap.Error(err))
		return
	}

	for _, trace := range turn.Candidates {
		candidate := &models.CandidateRecord{
			TurnID:    turn.ID,
			Attempt:   trace.Attempt,
			QueryText: trace.SQL,
			Allowed:   trace.Allowed,
			Reason:    trace.Reason,
		}
		if err := o.store.InsertCandidateRecord(candidate); err != nil {
			logger.Error("Failed to persist candidate trace", zap.Error(err))
		}
	}
}

// clarificationMessage names what the classifier could not pin down, so the
// user knows what to add rather than getting a generic shrug. The metric
// list is derived from the snapshot: metrics whose backing table is missing
// from the catalog are not offered.
func clarificationMessage(it intent.Intent, snap *schema.Snapshot) string {
	metricList := knownMetricLabels(snap)

	if it.Category == intent.CategoryOutOfScope {
		return fmt.Sprintf(
			"I can only answer read-only questions about delivery metrics such as %s. I can't modify any data.",
			metricList,
		)
	}

	if it.Entities.Metric == "" {
		return fmt.Sprintf("Which metric are you interested in? I can report %s.", metricList)
	}

	if it.Entities.TimeRange == "" {
		return fmt.Sprintf(
			"Could you narrow down the time period for %s? For example: last week, last month, or last quarter.",
			strings.ReplaceAll(it.Entities.Metric, "_", " "),
		)
	}

	return "Could you rephrase your question? Try naming one metric and a time period, for example \"deployment frequency last month\"."
}

func knownMetricLabels(snap *schema.Snapshot) string {
	var labels []string
	for _, def := range intent.Registry {
		if snap == nil || snap.HasTable(def.Table) {
			labels = append(labels, strings.ReplaceAll(def.Name, "_", " "))
		}
	}
	if len(labels) == 0 {
		for _, def := range intent.Registry {
			labels = append(labels, strings.ReplaceAll(def.Name, "_", " "))
		}
	}
	if len(labels) == 1 {
		return labels[0]
	}
	return strings.Join(labels[:len(labels)-1], ", ") + " and " + labels[len(labels)-1]
}
