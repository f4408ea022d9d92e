package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dora-agent/backend/internal/schema"
	"github.com/dora-agent/backend/internal/synthesis"
)

func testPolicy() Policy {
	snap := &schema.Snapshot{
		Version: "test",
		Tables: map[string]schema.Table{
			"deployments": {
				Name: "deployments",
				Columns: []schema.Column{
					{Name: "id", Type: "TEXT"},
					{Name: "service", Type: "TEXT"},
					{Name: "ts", Type: "INTEGER"},
					{Name: "status", Type: "TEXT"},
					{Name: "deployed_by", Type: "TEXT", Sensitive: true},
				},
			},
		},
	}
	return PolicyFromSnapshot(snap, 500, 1000)
}

func candidate(sql string) *synthesis.CandidateQuery {
	return &synthesis.CandidateQuery{
		ID:      "c1",
		SQL:     sql,
		Tables:  []string{"deployments"},
		Columns: []string{"id", "ts"},
		Params:  []interface{}{int64(1), int64(2)},
		Attempt: 1,
	}
}

func TestValidateRejectsDelete(t *testing.T) {
	v := Validate(candidate("DELETE FROM deployments"), testPolicy())

	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonUnsafeStatement, v.Reason)
	require.NotNil(t, v.Feedback)
	assert.Equal(t, ReasonUnsafeStatement, v.Feedback.Code)
}

func TestValidateRejectsMultipleStatements(t *testing.T) {
	v := Validate(candidate("SELECT COUNT(id) FROM deployments; DROP TABLE deployments"), testPolicy())

	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonUnsafeStatement, v.Reason)
}

func TestValidateRejectsCommentInjection(t *testing.T) {
	v := Validate(candidate("SELECT COUNT(id) FROM deployments -- hidden"), testPolicy())

	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonUnsafeStatement, v.Reason)
}

func TestValidateTrimsTrailingSemicolon(t *testing.T) {
	v := Validate(candidate("SELECT COUNT(id) FROM deployments WHERE ts >= ? AND ts < ?;"), testPolicy())

	assert.True(t, v.Allowed)
	assert.NotContains(t, v.SanitizedSQL, ";")
}

func TestValidateRejectsUnknownColumn(t *testing.T) {
	v := Validate(candidate("SELECT salary FROM deployments WHERE ts >= ? AND ts < ?"), testPolicy())

	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonScopeViolation, v.Reason)
	require.NotNil(t, v.Feedback)
	assert.Equal(t, "salary", v.Feedback.Subject)
}

func TestValidateRejectsUnknownTable(t *testing.T) {
	v := Validate(candidate("SELECT COUNT(id) FROM salaries WHERE ts >= ? AND ts < ?"), testPolicy())

	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonScopeViolation, v.Reason)
}

func TestValidateRejectsDeclaredReferenceOutsideScope(t *testing.T) {
	c := candidate("SELECT COUNT(id) FROM deployments WHERE ts >= ? AND ts < ?")
	c.Columns = append(c.Columns, "password")

	v := Validate(c, testPolicy())

	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonScopeViolation, v.Reason)
	assert.Equal(t, "password", v.Feedback.Subject)
}

func TestValidateRejectsInlineNumericLiteral(t *testing.T) {
	v := Validate(candidate("SELECT COUNT(id) FROM deployments WHERE ts >= 1700000000"), testPolicy())

	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonInjectionRisk, v.Reason)
}

func TestValidateRejectsInlineStringLiteral(t *testing.T) {
	v := Validate(candidate("SELECT COUNT(id) FROM deployments WHERE status = 'failed'"), testPolicy())

	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonInjectionRisk, v.Reason)
}

func TestValidateChecksShapeBeforeScope(t *testing.T) {
	// A destructive statement referencing an unknown table must report the
	// statement-shape violation, not the scope one.
	v := Validate(candidate("DROP TABLE salaries"), testPolicy())

	assert.Equal(t, ReasonUnsafeStatement, v.Reason)
}

func TestValidateInjectsRowLimit(t *testing.T) {
	v := Validate(candidate("SELECT COUNT(id) FROM deployments WHERE ts >= ? AND ts < ?"), testPolicy())

	require.True(t, v.Allowed)
	assert.Contains(t, v.SanitizedSQL, "LIMIT 500")
	assert.Equal(t, 500, v.RowLimit)
}

func TestValidateClampsRowLimitToCeiling(t *testing.T) {
	v := Validate(candidate("SELECT COUNT(id) FROM deployments WHERE ts >= ? AND ts < ? LIMIT 99999"), testPolicy())

	require.True(t, v.Allowed)
	assert.Contains(t, v.SanitizedSQL, "LIMIT 1000")
	assert.Equal(t, 1000, v.RowLimit)
}

func TestValidateKeepsExistingLimitUnderCeiling(t *testing.T) {
	v := Validate(candidate("SELECT COUNT(id) FROM deployments WHERE ts >= ? AND ts < ? LIMIT 10"), testPolicy())

	require.True(t, v.Allowed)
	assert.Contains(t, v.SanitizedSQL, "LIMIT 10")
	assert.Equal(t, 10, v.RowLimit)
}

func TestValidateMarksSensitiveColumns(t *testing.T) {
	c := candidate("SELECT deployed_by, COUNT(id) AS deployment_count FROM deployments WHERE ts >= ? AND ts < ? GROUP BY deployed_by")
	c.Columns = []string{"id", "ts", "deployed_by"}

	v := Validate(c, testPolicy())

	require.True(t, v.Allowed)
	assert.Equal(t, []string{"deployed_by"}, v.MaskedColumns)
}

func TestValidateAllowsAliasesAndFunctions(t *testing.T) {
	sql := "SELECT date(ts, ?) AS bucket, COUNT(id) AS deployment_count FROM deployments WHERE ts >= ? AND ts < ? GROUP BY bucket ORDER BY bucket"

	v := Validate(candidate(sql), testPolicy())

	assert.True(t, v.Allowed, "aliases and function names must not trip the scope check")
}

func TestValidatePreservesBoundParams(t *testing.T) {
	c := candidate("SELECT COUNT(id) FROM deployments WHERE ts >= ? AND ts < ?")

	v := Validate(c, testPolicy())

	require.True(t, v.Allowed)
	assert.Equal(t, c.Params, v.Params)
}
