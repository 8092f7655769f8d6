package sources

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/queryhive/queryhive"
)

// StatementGuard inspects generated SQL before it reaches a store. Blocking
// is binary and keyword-based: any statement that is not a plain read is
// refused outright, regardless of how plausible the rest looks. On top of
// the hard gate a soft risk score flags expensive or suspicious shapes
// without blocking them.
type StatementGuard struct {
	MaxRows int
}

// Destructive or privilege-changing verbs. Matched as whole words anywhere
// in the statement, including inside subqueries and CTEs.
var destructiveKeywords = []string{
	"insert", "update", "delete", "drop", "truncate", "alter", "create",
	"grant", "revoke", "merge", "replace", "exec", "execute", "call",
	"attach", "vacuum", "pragma",
}

var (
	wordBoundary = func() map[string]*regexp.Regexp {
		out := make(map[string]*regexp.Regexp, len(destructiveKeywords))
		for _, kw := range destructiveKeywords {
			out[kw] = regexp.MustCompile(`(?i)\b` + kw + `\b`)
		}
		return out
	}()

	limitClause = regexp.MustCompile(`(?i)\blimit\s+(\d+)`)
	selectStar  = regexp.MustCompile(`(?i)select\s+\*`)
	crossJoin   = regexp.MustCompile(`(?i)\bcross\s+join\b`)
	subSelect   = regexp.MustCompile(`(?i)\(\s*select\b`)
)

// Inspect validates and bounds one statement. The returned statement always
// carries a LIMIT at or below the guard's ceiling. RiskScore is advisory;
// only the error return blocks execution.
func (g StatementGuard) Inspect(statement string) (sanitized string, riskScore float64, warnings []string, err error) {
	trimmed := strings.TrimSpace(statement)
	if trimmed == "" {
		return "", 0, nil, queryhive.NewUnsafeStatementError("empty statement")
	}

	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return "", 0, nil, queryhive.NewUnsafeStatementError("only read statements are allowed")
	}
	// Multi-statement payloads smuggle writes behind the read.
	if strings.Contains(strings.TrimRight(trimmed, "; \t\n"), ";") {
		return "", 0, nil, queryhive.NewUnsafeStatementError("multiple statements are not allowed")
	}
	for _, kw := range destructiveKeywords {
		if wordBoundary[kw].MatchString(trimmed) {
			return "", 0, nil, queryhive.NewUnsafeStatementError(fmt.Sprintf("statement contains forbidden keyword %q", kw))
		}
	}

	sanitized = strings.TrimRight(trimmed, "; \t\n")
	sanitized, capped := g.enforceLimit(sanitized)

	if selectStar.MatchString(sanitized) {
		riskScore += 0.2
		warnings = append(warnings, "unbounded column selection")
	}
	if crossJoin.MatchString(sanitized) {
		riskScore += 0.3
		warnings = append(warnings, "cross join may be expensive")
	}
	if n := len(subSelect.FindAllStringIndex(sanitized, -1)); n >= 2 {
		riskScore += 0.2
		warnings = append(warnings, "deeply nested subqueries")
	}
	if capped {
		riskScore += 0.1
		warnings = append(warnings, fmt.Sprintf("row limit capped at %d", g.MaxRows))
	}
	if riskScore > 1 {
		riskScore = 1
	}
	return sanitized, riskScore, warnings, nil
}

// enforceLimit appends a LIMIT when missing and lowers one that exceeds the
// ceiling. Reports whether an existing limit was capped.
func (g StatementGuard) enforceLimit(statement string) (string, bool) {
	match := limitClause.FindStringSubmatch(statement)
	if match == nil {
		return fmt.Sprintf("%s LIMIT %d", statement, g.MaxRows), false
	}
	limit, err := strconv.Atoi(match[1])
	if err != nil || limit <= g.MaxRows {
		return statement, false
	}
	capped := limitClause.ReplaceAllString(statement, fmt.Sprintf("LIMIT %d", g.MaxRows))
	return capped, true
}
