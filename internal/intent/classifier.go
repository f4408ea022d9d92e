package intent

import (
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/dora-agent/backend/internal/schema"
	"github.com/dora-agent/backend/pkg/logger"
)

type Category string

const (
	CategoryMetricLookup  Category = "MetricLookup"
	CategoryTrendAnalysis Category = "TrendAnalysis"
	CategoryComparison    Category = "Comparison"
	CategoryClarification Category = "Clarification"
	CategoryOutOfScope    Category = "OutOfScope"
)

type Entities struct {
	Metric    string
	TimeRange string
	Dimension string
}

// Intent is immutable once produced; the classifier returns it by value and
// never keeps a reference.
type Intent struct {
	Category   Category
	Entities   Entities
	Confidence float64
}

var timeRanges = []struct {
	Canonical string
	Phrases   []string
}{
	{"last_day", []string{"last day", "yesterday", "past day", "past 24 hours", "today"}},
	{"last_week", []string{"last week", "past week", "this week", "last 7 days", "past 7 days"}},
	{"last_month", []string{"last month", "past month", "this month", "last 30 days", "past 30 days"}},
	{"last_quarter", []string{"last quarter", "past quarter", "this quarter", "last 90 days", "past 90 days"}},
}

var destructiveVerbs = map[string]bool{
	"delete":   true,
	"drop":     true,
	"insert":   true,
	"update":   true,
	"truncate": true,
	"remove":   true,
	"purge":    true,
	"wipe":     true,
}

var comparisonWords = map[string]bool{
	"compare":    true,
	"comparison": true,
	"versus":     true,
	"vs":         true,
	"across":     true,
	"between":    true,
}

var trendWords = []string{"trend", "over time", "how has", "changed", "growing", "declining"}

type Classifier struct {
	threshold float64
}

func NewClassifier(threshold float64) *Classifier {
	return &Classifier{threshold: threshold}
}

// Classify is deterministic: the same utterance, history and snapshot always
// produce the same Intent. Confidence below the configured threshold forces
// Clarification regardless of what the rules matched.
func (c *Classifier) Classify(utterance string, history []string, snap *schema.Snapshot) Intent {
	lower := strings.ToLower(strings.TrimSpace(utterance))
	tokens := tokenize(lower)

	if hasDestructiveVerb(tokens) {
		logger.Warn("Out-of-scope utterance", zap.String("utterance", utterance))
		return Intent{
			Category:   CategoryOutOfScope,
			Confidence: 0.9,
		}
	}

	confidence := 0.3
	entities := Entities{}

	metric, grounded := matchMetric(lower, snap)
	if metric != "" {
		entities.Metric = metric
		confidence += 0.3
		if grounded {
			confidence += 0.1
		}
	} else if inherited := inheritMetric(history, snap); inherited != "" {
		// Follow-up turns like "and last month?" lean on session history.
		entities.Metric = inherited
		confidence += 0.25
	}

	if rng := matchTimeRange(lower); rng != "" {
		entities.TimeRange = rng
		confidence += 0.2
	}

	if dim, ok := matchDimension(tokens, entities.Metric, snap); ok {
		entities.Dimension = dim
		confidence += 0.1
	}

	if confidence > 1.0 {
		confidence = 1.0
	}

	category := c.categorize(lower, tokens, entities, snap)
	if confidence < c.threshold {
		category = CategoryClarification
	}

	logger.Debug("Utterance classified",
		zap.String("category", string(category)),
		zap.String("metric", entities.Metric),
		zap.String("time_range", entities.TimeRange),
		zap.Float64("confidence", confidence),
	)

	return Intent{
		Category:   category,
		Entities:   entities,
		Confidence: confidence,
	}
}

func (c *Classifier) Threshold() float64 {
	return c.threshold
}

func (c *Classifier) categorize(lower string, tokens []string, entities Entities, snap *schema.Snapshot) Category {
	for _, tok := range tokens {
		if comparisonWords[tok] {
			return CategoryComparison
		}
	}

	for _, w := range trendWords {
		if strings.Contains(lower, w) {
			return CategoryTrendAnalysis
		}
	}
	if entities.TimeRange != "" {
		return CategoryTrendAnalysis
	}

	return CategoryMetricLookup
}

// tokenize runs prose over the utterance; token-level matching keeps "vs"
// from firing inside "investigate".
func tokenize(text string) []string {
	doc, err := prose.NewDocument(text, prose.WithExtraction(false), prose.WithTagging(false), prose.WithSegmentation(false))
	if err != nil {
		return strings.Fields(text)
	}

	var tokens []string
	for _, tok := range doc.Tokens() {
		tokens = append(tokens, strings.ToLower(tok.Text))
	}
	return tokens
}

func hasDestructiveVerb(tokens []string) bool {
	for _, tok := range tokens {
		if destructiveVerbs[tok] {
			return true
		}
	}
	return false
}

// matchMetric returns the canonical metric named by the utterance and
// whether its backing table exists in the snapshot. An ungrounded match
// keeps the metric but earns less confidence, so vague references degrade
// to clarification instead of a hard failure.
func matchMetric(lower string, snap *schema.Snapshot) (string, bool) {
	for _, def := range Registry {
		for _, kw := range def.Keywords {
			if strings.Contains(lower, kw) {
				return def.Name, snap != nil && snap.HasTable(def.Table)
			}
		}
	}
	return "", false
}

func inheritMetric(history []string, snap *schema.Snapshot) string {
	for i := len(history) - 1; i >= 0; i-- {
		if m, _ := matchMetric(strings.ToLower(history[i]), snap); m != "" {
			return m
		}
	}
	return ""
}

func matchTimeRange(lower string) string {
	for _, tr := range timeRanges {
		for _, phrase := range tr.Phrases {
			if strings.Contains(lower, phrase) {
				return tr.Canonical
			}
		}
	}
	return ""
}

// matchDimension accepts "by X" / "per X" only when X is a real column of
// the metric's table.
func matchDimension(tokens []string, metric string, snap *schema.Snapshot) (string, bool) {
	def, ok := LookupMetric(metric)
	if !ok || snap == nil {
		return "", false
	}

	for i, tok := range tokens {
		if (tok == "by" || tok == "per") && i+1 < len(tokens) {
			candidate := tokens[i+1]
			if snap.HasColumn(def.Table, candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}
