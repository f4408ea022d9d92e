package insight

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dora-agent/backend/internal/execution"
	"github.com/dora-agent/backend/internal/intent"
	"github.com/dora-agent/backend/pkg/logger"
)

type MetricValue struct {
	Label string
	Value string
}

type ChartSpec struct {
	Type   string
	XField string
	YField string
}

// Insight is never empty: an empty result set still produces an explicit
// no-data statement.
type Insight struct {
	Summary    string
	Highlights []MetricValue
	Chart      *ChartSpec
}

var metricLabels = map[string]string{
	"deployment_frequency":  "deployment frequency",
	"change_failure_rate":   "change failure rate",
	"lead_time_for_changes": "lead time for changes",
	"time_to_restore":       "time to restore service",
}

var rangeLabels = map[string]string{
	"last_day":     "the last day",
	"last_week":    "the last week",
	"last_month":   "the last month",
	"last_quarter": "the last quarter",
}

type Analyzer struct{}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze turns a result set into a natural-language insight. It never
// fails the turn: unexpected shapes degrade to a tabular echo of the rows.
func (a *Analyzer) Analyze(rs *execution.ResultSet, it intent.Intent) Insight {
	metric := metricLabel(it.Entities.Metric)
	period := rangeLabel(it.Entities.TimeRange)

	if rs == nil || rs.RowCount == 0 {
		return Insight{
			Summary: fmt.Sprintf("No data was found for %s over %s.", metric, period),
		}
	}

	result, err := a.summarize(rs, it, metric, period)
	if err != nil {
		logger.Warn("Insight analysis degraded to tabular echo", zap.Error(err))
		result = Insight{Summary: renderTable(rs)}
	}

	if rs.Truncated {
		result.Summary += fmt.Sprintf(
			" Note: results were truncated to the first %d rows, so totals may be incomplete.",
			rs.RowCount,
		)
	}

	return result
}

func (a *Analyzer) summarize(rs *execution.ResultSet, it intent.Intent, metric, period string) (Insight, error) {
	if it.Entities.Metric == "change_failure_rate" && it.Category != intent.CategoryTrendAnalysis {
		return summarizeFailureRate(rs, period)
	}

	switch it.Category {
	case intent.CategoryTrendAnalysis:
		return summarizeTrend(rs, metric, period)
	case intent.CategoryComparison:
		return summarizeComparison(rs, metric, period)
	default:
		return summarizeLookup(rs, metric, period)
	}
}

// summarizeFailureRate handles the derived ratio. A zero denominator is
// reported as undefined, never raised as a fault.
func summarizeFailureRate(rs *execution.ResultSet, period string) (Insight, error) {
	failedIdx := columnIndex(rs.Columns, "failed_count")
	totalIdx := columnIndex(rs.Columns, "total_count")
	if failedIdx < 0 || totalIdx < 0 || len(rs.Rows) == 0 {
		return Insight{}, fmt.Errorf("unexpected failure-rate shape: columns %v", rs.Columns)
	}

	failed, err := toFloat(rs.Rows[0][failedIdx])
	if err != nil {
		return Insight{}, err
	}
	total, err := toFloat(rs.Rows[0][totalIdx])
	if err != nil {
		return Insight{}, err
	}

	if total == 0 {
		return Insight{
			Summary: fmt.Sprintf(
				"The change failure rate over %s is undefined: no deployments were recorded in the period.",
				period,
			),
			Highlights: []MetricValue{{Label: "change failure rate", Value: "undefined"}},
		}, nil
	}

	rate := failed / total * 100
	return Insight{
		Summary: fmt.Sprintf(
			"The change failure rate over %s was %.1f%% (%.0f failed out of %.0f deployments).",
			period, rate, failed, total,
		),
		Highlights: []MetricValue{
			{Label: "change failure rate", Value: fmt.Sprintf("%.1f%%", rate)},
			{Label: "failed deployments", Value: fmt.Sprintf("%.0f", failed)},
			{Label: "total deployments", Value: fmt.Sprintf("%.0f", total)},
		},
	}, nil
}

func summarizeTrend(rs *execution.ResultSet, metric, period string) (Insight, error) {
	if len(rs.Columns) < 2 || len(rs.Rows) == 0 {
		return Insight{}, fmt.Errorf("unexpected trend shape: columns %v", rs.Columns)
	}

	valueIdx := 1
	first, err := toFloat(rs.Rows[0][valueIdx])
	if err != nil {
		return Insight{}, err
	}
	last, err := toFloat(rs.Rows[len(rs.Rows)-1][valueIdx])
	if err != nil {
		return Insight{}, err
	}

	var direction string
	switch {
	case last > first:
		direction = "rose"
	case last < first:
		direction = "fell"
	default:
		direction = "held steady"
	}

	var change string
	if first == 0 {
		if last == 0 {
			change = "staying flat at zero"
		} else {
			change = fmt.Sprintf("climbing from zero to %s", formatNumber(last))
		}
	} else {
		pct := (last - first) / first * 100
		change = fmt.Sprintf("a %.1f%% change from %s to %s", pct, formatNumber(first), formatNumber(last))
	}

	summary := fmt.Sprintf(
		"Over %s, %s %s across %d intervals, %s.",
		period, metric, direction, len(rs.Rows), change,
	)

	return Insight{
		Summary: summary,
		Highlights: []MetricValue{
			{Label: "first interval", Value: formatNumber(first)},
			{Label: "latest interval", Value: formatNumber(last)},
		},
		Chart: &ChartSpec{Type: "line", XField: rs.Columns[0], YField: rs.Columns[valueIdx]},
	}, nil
}

func summarizeComparison(rs *execution.ResultSet, metric, period string) (Insight, error) {
	if len(rs.Columns) < 2 || len(rs.Rows) == 0 {
		return Insight{}, fmt.Errorf("unexpected comparison shape: columns %v", rs.Columns)
	}

	type group struct {
		name  string
		value float64
	}

	groups := make([]group, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		value, err := toFloat(row[1])
		if err != nil {
			return Insight{}, err
		}
		groups = append(groups, group{name: fmt.Sprintf("%v", row[0]), value: value})
	}

	highest := groups[0]
	lowest := groups[0]
	for _, g := range groups[1:] {
		if g.value > highest.value {
			highest = g
		}
		if g.value < lowest.value {
			lowest = g
		}
	}

	summary := fmt.Sprintf(
		"Comparing %s over %s: %s leads with %s, while %s trails with %s.",
		metric, period, highest.name, formatNumber(highest.value), lowest.name, formatNumber(lowest.value),
	)

	return Insight{
		Summary: summary,
		Highlights: []MetricValue{
			{Label: highest.name, Value: formatNumber(highest.value)},
			{Label: lowest.name, Value: formatNumber(lowest.value)},
		},
		Chart: &ChartSpec{Type: "bar", XField: rs.Columns[0], YField: rs.Columns[1]},
	}, nil
}

func summarizeLookup(rs *execution.ResultSet, metric, period string) (Insight, error) {
	if len(rs.Columns) == 0 || len(rs.Rows) == 0 {
		return Insight{}, fmt.Errorf("empty lookup shape")
	}

	value, err := toFloat(rs.Rows[0][0])
	if err != nil {
		return Insight{}, err
	}

	return Insight{
		Summary: fmt.Sprintf("The %s over %s was %s.", metric, period, formatNumber(value)),
		Highlights: []MetricValue{
			{Label: metric, Value: formatNumber(value)},
		},
	}, nil
}

func renderTable(rs *execution.ResultSet) string {
	var b strings.Builder
	b.WriteString("Here are the raw results: ")
	b.WriteString(strings.Join(rs.Columns, " | "))
	for _, row := range rs.Rows {
		parts := make([]string, len(row))
		for i, v := range row {
			parts[i] = fmt.Sprintf("%v", v)
		}
		b.WriteString("; ")
		b.WriteString(strings.Join(parts, " | "))
	}
	return b.String()
}

func metricLabel(metric string) string {
	if label, ok := metricLabels[metric]; ok {
		return label
	}
	return "the requested metric"
}

func rangeLabel(timeRange string) string {
	if label, ok := rangeLabels[timeRange]; ok {
		return label
	}
	return "the selected period"
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric value %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("non-numeric value of type %T", v)
	}
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}
