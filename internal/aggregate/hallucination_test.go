package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryhive/queryhive"
)

func hallucinationInput(results ...queryhive.AgentResult) queryhive.AgentInput {
	prior := map[queryhive.AgentKind]queryhive.AgentResult{}
	for _, res := range results {
		prior[res.Agent] = res
	}
	return queryhive.AgentInput{
		Query: queryhive.QueryContext{Query: "revenue by region"},
		Prior: prior,
	}
}

func checkByName(t *testing.T, report queryhive.HallucinationReport, name string) queryhive.CheckResult {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s missing from report", name)
	return queryhive.CheckResult{}
}

func TestHallucination_CleanAnswerIsLowRisk(t *testing.T) {
	h := NewHallucination(nil)
	input := hallucinationInput(
		structuredResults(dataResult("sales-db")),
		synthesisResult("EMEA leads with 4200.", 0.8, "sales-db"),
		queryhive.AgentResult{
			Agent:   queryhive.AgentConsistency,
			Success: true,
			Payload: queryhive.ConsistencyReport{
				Sources: []queryhive.SourceValidation{
					{SourceID: "sales-db", Status: queryhive.StatusValidated, Confidence: 0.75},
				},
			},
		},
	)

	res, err := h.Execute(context.Background(), input)
	require.NoError(t, err)
	require.True(t, res.Success)

	report := res.Payload.(queryhive.HallucinationReport)
	assert.Equal(t, queryhive.RiskLow, report.Risk)
	assert.True(t, report.SafeToProceed)
	assert.Len(t, report.Checks, 5)
	for _, c := range report.Checks {
		assert.NotEqual(t, queryhive.CheckFailed, c.Status, c.Name)
	}
}

func TestHallucination_UncitedAnswerIsMediumRisk(t *testing.T) {
	h := NewHallucination(nil)
	input := hallucinationInput(
		structuredResults(dataResult("sales-db")),
		synthesisResult("EMEA leads with 4200.", 0.8),
	)

	res, err := h.Execute(context.Background(), input)
	require.NoError(t, err)

	report := res.Payload.(queryhive.HallucinationReport)
	assert.Equal(t, queryhive.RiskMedium, report.Risk)
	assert.True(t, report.SafeToProceed, "medium risk still proceeds, degraded downstream")
	assert.Equal(t, queryhive.CheckFailed, checkByName(t, report, CheckCitationCoverage).Status)
}

func TestHallucination_HighRiskStillProceeds(t *testing.T) {
	h := NewHallucination(nil)
	// Uncited answer with ungrounded numbers fails two checks: high risk, but
	// the answer is still deliverable with its confidence penalized.
	input := hallucinationInput(
		structuredResults(dataResult("sales-db")),
		synthesisResult("Revenue hit 9999 across 888 deals.", 0.8),
	)

	res, err := h.Execute(context.Background(), input)
	require.NoError(t, err)

	report := res.Payload.(queryhive.HallucinationReport)
	assert.Equal(t, queryhive.RiskHigh, report.Risk)
	assert.True(t, report.SafeToProceed)
	assert.Equal(t, queryhive.CheckFailed, checkByName(t, report, CheckCitationCoverage).Status)
	assert.Equal(t, queryhive.CheckFailed, checkByName(t, report, CheckNumericGrounding).Status)
}

func TestHallucination_EvidenceFreeAnswerIsCritical(t *testing.T) {
	h := NewHallucination(nil)
	// Confident answer citing a source that produced nothing, with numbers
	// appearing in no evidence at all.
	input := hallucinationInput(
		structuredResults(queryhive.SourceResult{SourceID: "sales-db", Success: false, Error: "timeout"}),
		synthesisResult("Revenue was 9999 across 42 regions.", 0.9, "sales-db"),
	)

	res, err := h.Execute(context.Background(), input)
	require.NoError(t, err)

	report := res.Payload.(queryhive.HallucinationReport)
	assert.Equal(t, queryhive.RiskCritical, report.Risk)
	assert.False(t, report.SafeToProceed)
	assert.Equal(t, queryhive.CheckFailed, checkByName(t, report, CheckCitationCoverage).Status)
	assert.Equal(t, queryhive.CheckFailed, checkByName(t, report, CheckNumericGrounding).Status)
	assert.Equal(t, queryhive.CheckFailed, checkByName(t, report, CheckEvidencePresence).Status)
	assert.Equal(t, queryhive.CheckFailed, checkByName(t, report, CheckConfidenceAlignment).Status)
}

func TestHallucination_DerivedNumbersOnlyWarn(t *testing.T) {
	h := NewHallucination(nil)
	// Two of three numbers appear in the evidence; the derived share does not.
	input := hallucinationInput(
		structuredResults(queryhive.SourceResult{
			SourceID: "sales-db",
			Success:  true,
			Rows:     []map[string]any{{"emea": 4200, "apac": 1800}},
		}),
		synthesisResult("EMEA at 4200 versus APAC at 1800, a 70 percent share.", 0.8, "sales-db"),
	)

	res, err := h.Execute(context.Background(), input)
	require.NoError(t, err)

	report := res.Payload.(queryhive.HallucinationReport)
	check := checkByName(t, report, CheckNumericGrounding)
	assert.Equal(t, queryhive.CheckWarning, check.Status)
	assert.Equal(t, queryhive.RiskLow, report.Risk, "warnings never escalate risk")
}

func TestHallucination_ContradictedSourceFailsAgreement(t *testing.T) {
	h := NewHallucination(nil)
	input := hallucinationInput(
		structuredResults(dataResult("sales-db"), dataResult("crm")),
		synthesisResult("EMEA leads with 4200.", 0.8, "sales-db"),
		queryhive.AgentResult{
			Agent:   queryhive.AgentConsistency,
			Success: true,
			Payload: queryhive.ConsistencyReport{
				Sources: []queryhive.SourceValidation{
					{SourceID: "sales-db", Status: queryhive.StatusContradicted, Confidence: 0.3},
					{SourceID: "crm", Status: queryhive.StatusValidated, Confidence: 0.75},
				},
			},
		},
	)

	res, err := h.Execute(context.Background(), input)
	require.NoError(t, err)

	report := res.Payload.(queryhive.HallucinationReport)
	assert.Equal(t, queryhive.CheckFailed, checkByName(t, report, CheckSourceAgreement).Status)
	assert.Equal(t, queryhive.RiskMedium, report.Risk)
}

func TestEscalate(t *testing.T) {
	assert.Equal(t, queryhive.RiskLow, escalate(0))
	assert.Equal(t, queryhive.RiskMedium, escalate(1))
	assert.Equal(t, queryhive.RiskHigh, escalate(2))
	assert.Equal(t, queryhive.RiskCritical, escalate(3))
	assert.Equal(t, queryhive.RiskCritical, escalate(7))
}
