package gate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dora-agent/backend/internal/schema"
	"github.com/dora-agent/backend/internal/synthesis"
	"github.com/dora-agent/backend/pkg/logger"
)

const (
	ReasonUnsafeStatement = "UNSAFE_STATEMENT"
	ReasonScopeViolation  = "SCOPE_VIOLATION"
	ReasonInjectionRisk   = "INJECTION_RISK"
)

var (
	forbiddenKeywordPattern = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|replace|truncate|attach|detach|pragma|vacuum|grant|revoke|merge|exec)\b`)
	identifierPattern       = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	aliasPattern            = regexp.MustCompile(`(?i)\bAS\s+([A-Za-z_][A-Za-z0-9_]*)`)
	limitPattern            = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)\b`)
	numericLiteralPattern   = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
)

// sqlKeywords are skipped during reference extraction.
var sqlKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "and": true, "or": true,
	"group": true, "by": true, "order": true, "as": true, "asc": true,
	"desc": true, "limit": true, "offset": true, "on": true, "join": true,
	"inner": true, "left": true, "right": true, "outer": true, "cross": true,
	"not": true, "null": true, "like": true, "between": true, "in": true,
	"is": true, "case": true, "when": true, "then": true, "else": true,
	"end": true, "distinct": true, "having": true, "union": true, "all": true,
	"with": true,
}

type Policy struct {
	AllowList       map[string]bool
	Sensitive       map[string]bool
	DefaultRowLimit int
	RowLimitCeiling int
}

func PolicyFromSnapshot(snap *schema.Snapshot, defaultRowLimit, rowLimitCeiling int) Policy {
	return Policy{
		AllowList:       snap.AllowList(),
		Sensitive:       snap.SensitiveColumns(),
		DefaultRowLimit: defaultRowLimit,
		RowLimitCeiling: rowLimitCeiling,
	}
}

// Verdict is the gate's decision. Allowed=true guarantees SanitizedSQL is a
// single read-only statement, row-limited, with every reference inside the
// allow-list and no inline literals.
type Verdict struct {
	Allowed       bool
	Reason        string
	Feedback      *synthesis.Feedback
	SanitizedSQL  string
	Params        []interface{}
	RowLimit      int
	MaskedColumns []string
}

// Validate runs the policy checks in order: statement shape, reference
// scope, row bound (non-fatal rewrite), sensitivity marking, and
// parameterization. The first fatal violation rejects the candidate with a
// structured reason; masking is only marked here and applied after
// execution.
func Validate(candidate *synthesis.CandidateQuery, policy Policy) Verdict {
	sql := strings.TrimSpace(candidate.SQL)
	sql = strings.TrimSuffix(sql, ";")

	if reason := checkStatementShape(sql); reason != "" {
		return reject(candidate, ReasonUnsafeStatement, "", reason)
	}

	if subject := checkReferenceScope(sql, candidate, policy); subject != "" {
		return reject(candidate, ReasonScopeViolation, subject,
			fmt.Sprintf("reference %q is outside the allowed schema", subject))
	}

	if inline := findInlineLiteral(stripLimitClause(sql)); inline != "" {
		return reject(candidate, ReasonInjectionRisk, inline,
			fmt.Sprintf("literal %q must be a bound parameter", inline))
	}

	sanitized, rowLimit := enforceRowLimit(sql, policy)

	return Verdict{
		Allowed:       true,
		SanitizedSQL:  sanitized,
		Params:        candidate.Params,
		RowLimit:      rowLimit,
		MaskedColumns: markSensitive(candidate, policy),
	}
}

func reject(candidate *synthesis.CandidateQuery, code, subject, hint string) Verdict {
	logger.Warn("Candidate rejected by safety gate",
		zap.String("candidate_id", candidate.ID),
		zap.String("reason", code),
		zap.String("subject", subject),
		zap.Int("attempt", candidate.Attempt),
	)

	return Verdict{
		Allowed: false,
		Reason:  code,
		Feedback: &synthesis.Feedback{
			Code:    code,
			Subject: subject,
			Hint:    hint,
		},
	}
}

func checkStatementShape(sql string) string {
	if sql == "" {
		return "empty statement"
	}
	if strings.Contains(sql, ";") {
		return "multiple statements"
	}
	if strings.Contains(sql, "--") || strings.Contains(sql, "/*") {
		return "comment injection"
	}

	upper := strings.ToUpper(sql)
	if !strings.HasPrefix(upper, "SELECT ") {
		return "not a read-only projection"
	}
	if m := forbiddenKeywordPattern.FindString(sql); m != "" {
		return "data-modifying keyword " + strings.ToUpper(m)
	}
	return ""
}

// checkReferenceScope extracts every bare identifier from the statement,
// skipping keywords, function names and aliases, and requires the rest to
// be allow-listed tables or columns. The candidate's declared references
// are held to the same rule.
func checkReferenceScope(sql string, candidate *synthesis.CandidateQuery, policy Policy) string {
	aliases := make(map[string]bool)
	for _, m := range aliasPattern.FindAllStringSubmatch(sql, -1) {
		aliases[strings.ToLower(m[1])] = true
	}

	for _, loc := range identifierPattern.FindAllStringIndex(sql, -1) {
		ident := strings.ToLower(sql[loc[0]:loc[1]])
		if sqlKeywords[ident] || aliases[ident] {
			continue
		}
		if isFunctionCall(sql, loc[1]) {
			continue
		}
		if !policy.AllowList[ident] {
			return ident
		}
	}

	for _, table := range candidate.Tables {
		if !policy.AllowList[strings.ToLower(table)] {
			return strings.ToLower(table)
		}
	}
	for _, column := range candidate.Columns {
		if !policy.AllowList[strings.ToLower(column)] {
			return strings.ToLower(column)
		}
	}

	return ""
}

func isFunctionCall(sql string, end int) bool {
	for i := end; i < len(sql); i++ {
		switch sql[i] {
		case ' ', '\t', '\n':
			continue
		case '(':
			return true
		default:
			return false
		}
	}
	return false
}

// enforceRowLimit injects the default limit when the candidate has none and
// clamps an existing limit to the ceiling. This check never rejects.
func enforceRowLimit(sql string, policy Policy) (string, int) {
	m := limitPattern.FindStringSubmatch(sql)
	if m == nil {
		return fmt.Sprintf("%s LIMIT %d", sql, policy.DefaultRowLimit), policy.DefaultRowLimit
	}

	n, err := strconv.Atoi(m[1])
	if err != nil || n > policy.RowLimitCeiling {
		return limitPattern.ReplaceAllString(sql, fmt.Sprintf("LIMIT %d", policy.RowLimitCeiling)), policy.RowLimitCeiling
	}
	return sql, n
}

func markSensitive(candidate *synthesis.CandidateQuery, policy Policy) []string {
	var masked []string
	seen := make(map[string]bool)

	for _, table := range candidate.Tables {
		for _, column := range candidate.Columns {
			key := strings.ToLower(table) + "." + strings.ToLower(column)
			if policy.Sensitive[key] && !seen[column] {
				masked = append(masked, strings.ToLower(column))
				seen[column] = true
			}
		}
	}
	return masked
}

// findInlineLiteral reports the first quoted string or bare number in the
// statement. Bound placeholders are the only way values may enter a query.
func findInlineLiteral(sql string) string {
	if i := strings.IndexAny(sql, `'"`); i >= 0 {
		end := i + 1
		for end < len(sql) && sql[end] != sql[i] {
			end++
		}
		if end < len(sql) {
			end++
		}
		return sql[i:end]
	}
	return numericLiteralPattern.FindString(sql)
}

func stripLimitClause(sql string) string {
	return limitPattern.ReplaceAllString(sql, "")
}
