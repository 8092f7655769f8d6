package sources

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryhive/queryhive"
)

func TestStatementGuard_BlocksDestructiveKeywords(t *testing.T) {
	guard := StatementGuard{MaxRows: 100}

	blocked := []string{
		"SELECT * FROM users; DROP TABLE users",
		"SELECT 1 UNION SELECT password FROM t WHERE exists (DELETE FROM audit)",
		"WITH x AS (SELECT 1) INSERT INTO t SELECT * FROM x",
		"SELECT * FROM t WHERE id IN (UPDATE t2 SET a = 1)",
		"TRUNCATE TABLE sales",
		"DROP TABLE sales",
	}
	for _, stmt := range blocked {
		_, _, _, err := guard.Inspect(stmt)
		require.Error(t, err, "statement should be blocked: %s", stmt)
		var qErr *queryhive.Error
		require.ErrorAs(t, err, &qErr)
		assert.Equal(t, queryhive.ErrCodeUnsafeQuery, qErr.Code)
	}
}

func TestStatementGuard_BlockingIgnoresRiskScore(t *testing.T) {
	guard := StatementGuard{MaxRows: 100}

	// A perfectly boring shape with a destructive verb is still blocked.
	_, _, _, err := guard.Inspect("SELECT id FROM t WHERE note = 'x' AND exists (SELECT 1 FROM (DELETE FROM t2) z) LIMIT 1")
	assert.Error(t, err)
}

func TestStatementGuard_RejectsNonReads(t *testing.T) {
	guard := StatementGuard{MaxRows: 100}

	for _, stmt := range []string{"", "EXPLAIN SELECT 1", "SHOW TABLES"} {
		_, _, _, err := guard.Inspect(stmt)
		assert.Error(t, err, "statement: %q", stmt)
	}
}

func TestStatementGuard_InjectsLimit(t *testing.T) {
	guard := StatementGuard{MaxRows: 100}

	sanitized, _, _, err := guard.Inspect("SELECT region, revenue FROM sales")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(sanitized, "LIMIT 100"), "got: %s", sanitized)
}

func TestStatementGuard_CapsExcessiveLimit(t *testing.T) {
	guard := StatementGuard{MaxRows: 100}

	sanitized, risk, warnings, err := guard.Inspect("SELECT region FROM sales LIMIT 50000")
	require.NoError(t, err)
	assert.Contains(t, sanitized, "LIMIT 100")
	assert.NotContains(t, sanitized, "50000")
	assert.Greater(t, risk, 0.0)
	assert.NotEmpty(t, warnings)
}

func TestStatementGuard_KeepsReasonableLimit(t *testing.T) {
	guard := StatementGuard{MaxRows: 100}

	sanitized, _, _, err := guard.Inspect("SELECT region FROM sales LIMIT 5")
	require.NoError(t, err)
	assert.Contains(t, sanitized, "LIMIT 5")
}

func TestStatementGuard_RiskScoreIsAdvisory(t *testing.T) {
	guard := StatementGuard{MaxRows: 100}

	sanitized, risk, warnings, err := guard.Inspect("SELECT * FROM a CROSS JOIN b LIMIT 10")
	require.NoError(t, err, "risky but read-only statements pass")
	assert.NotEmpty(t, sanitized)
	assert.GreaterOrEqual(t, risk, 0.5)
	assert.Len(t, warnings, 2)
}

func TestStatementGuard_AllowsColumnsNamedLikeKeywords(t *testing.T) {
	guard := StatementGuard{MaxRows: 100}

	// Word-boundary matching: "last_update" and "created_at" are fine.
	_, _, _, err := guard.Inspect("SELECT last_update, created_at FROM t LIMIT 10")
	assert.NoError(t, err)
}

func TestStatementGuard_RiskScoreCappedAtOne(t *testing.T) {
	guard := StatementGuard{MaxRows: 10}

	stmt := fmt.Sprintf("SELECT * FROM a CROSS JOIN b WHERE x IN (SELECT y FROM c WHERE z IN (SELECT w FROM d)) LIMIT %d", 99999)
	_, risk, _, err := guard.Inspect(stmt)
	require.NoError(t, err)
	assert.LessOrEqual(t, risk, 1.0)
}
