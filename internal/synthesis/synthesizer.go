package synthesis

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dora-agent/backend/internal/intent"
	"github.com/dora-agent/backend/internal/schema"
	"github.com/dora-agent/backend/pkg/logger"
)

// ErrSynthesisFailure means no schema-consistent query can be formed for
// the intent, e.g. the metric's backing table or columns are missing from
// the snapshot, or feedback banned a column the query cannot do without.
var ErrSynthesisFailure = errors.New("no schema-consistent query can be formed")

// Feedback is the structured rejection payload a prior safety verdict feeds
// back into the next attempt. Passed by value through the orchestrator; the
// synthesizer never sees free-form gate internals.
type Feedback struct {
	Code    string
	Subject string
	Hint    string
}

type CandidateQuery struct {
	ID      string
	SQL     string
	Tables  []string
	Columns []string
	Params  []interface{}
	Attempt int
	// Feedback records the rejection this candidate was synthesized to
	// address, nil on the first attempt.
	Feedback *Feedback
}

type queryTemplate struct {
	table      string
	timeColumn string
	aggregate  string
	aggParams  []interface{}
	columns    []string
}

var templates = map[string]queryTemplate{
	"deployment_frequency": {
		table:      "deployments",
		timeColumn: "ts",
		aggregate:  "COUNT(id) AS deployment_count",
		columns:    []string{"id", "ts"},
	},
	"change_failure_rate": {
		table:      "deployments",
		timeColumn: "ts",
		aggregate:  "SUM(status = ?) AS failed_count, COUNT(id) AS total_count",
		aggParams:  []interface{}{"failed"},
		columns:    []string{"status", "id", "ts"},
	},
	"lead_time_for_changes": {
		table:      "changes",
		timeColumn: "merged_at",
		aggregate:  "AVG(lead_time_hours) AS avg_lead_time_hours",
		columns:    []string{"lead_time_hours", "merged_at"},
	},
	"time_to_restore": {
		table:      "incidents",
		timeColumn: "opened_at",
		aggregate:  "AVG(restore_hours) AS avg_restore_hours",
		columns:    []string{"restore_hours", "opened_at"},
	},
}

var rangeDurations = map[string]time.Duration{
	"last_day":     24 * time.Hour,
	"last_week":    7 * 24 * time.Hour,
	"last_month":   30 * 24 * time.Hour,
	"last_quarter": 90 * 24 * time.Hour,
}

type Synthesizer struct {
	now func() time.Time
}

func NewSynthesizer() *Synthesizer {
	return &Synthesizer{now: time.Now}
}

// NewSynthesizerAt pins the clock, so time-range parameters are reproducible.
func NewSynthesizerAt(now func() time.Time) *Synthesizer {
	return &Synthesizer{now: now}
}

// Synthesize builds a candidate query for the intent. Every entity-derived
// literal is emitted as a bound parameter; the SQL text carries only
// placeholders. When prior feedback is present the candidate must address
// it, which for scope violations means the offending identifier is dropped
// or, if the query cannot do without it, synthesis fails.
func (s *Synthesizer) Synthesize(it intent.Intent, snap *schema.Snapshot, prior *Feedback, attempt int) (*CandidateQuery, error) {
	tmpl, ok := templates[it.Entities.Metric]
	if !ok {
		return nil, fmt.Errorf("metric %q: %w", it.Entities.Metric, ErrSynthesisFailure)
	}

	if snap == nil || !snap.HasTable(tmpl.table) {
		return nil, fmt.Errorf("table %q not in catalog: %w", tmpl.table, ErrSynthesisFailure)
	}
	for _, col := range tmpl.columns {
		if !snap.HasColumn(tmpl.table, col) {
			return nil, fmt.Errorf("column %q not in catalog: %w", col, ErrSynthesisFailure)
		}
	}

	dimension := it.Entities.Dimension
	category := it.Category

	if prior != nil && prior.Code == "SCOPE_VIOLATION" {
		switch prior.Subject {
		case dimension:
			// The grouping column was out of scope; drop it and fall back
			// to a plain lookup.
			dimension = ""
			category = intent.CategoryMetricLookup
		case tmpl.table:
			return nil, fmt.Errorf("table %q rejected by policy: %w", tmpl.table, ErrSynthesisFailure)
		default:
			for _, col := range tmpl.columns {
				if col == prior.Subject {
					return nil, fmt.Errorf("column %q rejected by policy: %w", col, ErrSynthesisFailure)
				}
			}
		}
	}

	if category == intent.CategoryComparison && dimension == "" {
		if snap.HasColumn(tmpl.table, "service") {
			dimension = "service"
		} else {
			category = intent.CategoryMetricLookup
		}
	}
	if dimension != "" && !snap.HasColumn(tmpl.table, dimension) {
		return nil, fmt.Errorf("dimension %q not in catalog: %w", dimension, ErrSynthesisFailure)
	}

	start, end := s.resolveRange(it.Entities.TimeRange)

	var sql strings.Builder
	var params []interface{}
	columns := append([]string{}, tmpl.columns...)

	switch category {
	case intent.CategoryTrendAnalysis:
		sql.WriteString(fmt.Sprintf(
			"SELECT date(%s, ?) AS bucket, %s FROM %s WHERE %s >= ? AND %s < ? GROUP BY bucket ORDER BY bucket",
			tmpl.timeColumn, tmpl.aggregate, tmpl.table, tmpl.timeColumn, tmpl.timeColumn,
		))
		params = append(params, "unixepoch")
		params = append(params, tmpl.aggParams...)
		params = append(params, start, end)

	case intent.CategoryComparison:
		sql.WriteString(fmt.Sprintf(
			"SELECT %s, %s FROM %s WHERE %s >= ? AND %s < ? GROUP BY %s ORDER BY %s",
			dimension, tmpl.aggregate, tmpl.table, tmpl.timeColumn, tmpl.timeColumn, dimension, dimension,
		))
		params = append(params, tmpl.aggParams...)
		params = append(params, start, end)
		columns = append(columns, dimension)

	default:
		sql.WriteString(fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s >= ? AND %s < ?",
			tmpl.aggregate, tmpl.table, tmpl.timeColumn, tmpl.timeColumn,
		))
		params = append(params, tmpl.aggParams...)
		params = append(params, start, end)
	}

	candidate := &CandidateQuery{
		ID:       uuid.New().String(),
		SQL:      sql.String(),
		Tables:   []string{tmpl.table},
		Columns:  columns,
		Params:   params,
		Attempt:  attempt,
		Feedback: prior,
	}

	logger.Debug("Candidate synthesized",
		zap.String("candidate_id", candidate.ID),
		zap.String("metric", it.Entities.Metric),
		zap.Int("attempt", attempt),
		zap.Int("params", len(params)),
	)

	return candidate, nil
}

func (s *Synthesizer) resolveRange(timeRange string) (int64, int64) {
	d, ok := rangeDurations[timeRange]
	if !ok {
		d = rangeDurations["last_month"]
	}

	end := s.now()
	start := end.Add(-d)
	return start.Unix(), end.Unix()
}
