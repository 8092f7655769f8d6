package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryhive/queryhive"
)

func testConfig() queryhive.Config {
	cfg := queryhive.DefaultConfig()
	cfg.ConfidenceFloor = 0.4
	return cfg
}

func structuredResults(results ...queryhive.SourceResult) queryhive.AgentResult {
	return queryhive.AgentResult{
		Agent:   queryhive.AgentStructuredQuery,
		Success: true,
		Payload: queryhive.SourceResultSet{Kind: queryhive.SourceKindStructured, Results: results},
	}
}

func dataResult(sourceID string) queryhive.SourceResult {
	return queryhive.SourceResult{
		SourceID: sourceID,
		Success:  true,
		Columns:  []string{"region", "revenue"},
		Rows:     []map[string]any{{"region": "EMEA", "revenue": 4200}},
	}
}

func synthesisResult(text string, confidence float64, cited ...string) queryhive.AgentResult {
	return queryhive.AgentResult{
		Agent:      queryhive.AgentSynthesis,
		Success:    true,
		Confidence: confidence,
		Payload:    queryhive.SynthesizedAnswer{Text: text, CitedSources: cited},
	}
}

func pipelineResult(results ...queryhive.AgentResult) *queryhive.PipelineResult {
	pr := &queryhive.PipelineResult{
		Results:     map[queryhive.AgentKind]queryhive.AgentResult{},
		StageStates: map[string]queryhive.StageState{},
		Elapsed:     250 * time.Millisecond,
	}
	for _, res := range results {
		pr.Results[res.Agent] = res
	}
	return pr
}

func TestAggregate_HappyPath(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationLight}
	pr := pipelineResult(
		structuredResults(dataResult("sales-db")),
		synthesisResult("EMEA leads with 4200.", 0.8, "sales-db"),
	)

	answer, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.NoError(t, err)
	assert.False(t, answer.Refused)
	assert.False(t, answer.Degraded)
	assert.Equal(t, "EMEA leads with 4200.", answer.Text)
	assert.Equal(t, []string{"sales-db"}, answer.CitedSources)
	assert.InDelta(t, 0.8, answer.Confidence, 1e-9)
}

func TestAggregate_RejectionRefuses(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationLight}
	pr := pipelineResult()
	pr.Rejection = &queryhive.Rejection{
		Agent:  queryhive.AgentGuardrail,
		Reason: "references another tenant's data",
	}

	answer, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.Error(t, err)

	var engineErr *queryhive.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, queryhive.ErrCodeRejected, engineErr.Code)

	require.NotNil(t, answer, "a refusal still returns a structurally valid answer")
	assert.True(t, answer.Refused)
	assert.Equal(t, "references another tenant's data", answer.RefusalReason)
	assert.Zero(t, answer.Confidence)
}

func TestAggregate_InvalidIntentRefuses(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationLight}
	pr := pipelineResult(
		queryhive.AgentResult{
			Agent:   queryhive.AgentIntent,
			Success: true,
			Payload: queryhive.IntentAssessment{Valid: false, Reason: "not a question about the workspace data"},
		},
		structuredResults(dataResult("sales-db")),
		synthesisResult("should never surface", 0.9, "sales-db"),
	)

	answer, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.Error(t, err)

	var engineErr *queryhive.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, queryhive.ErrCodeRejected, engineErr.Code)
	assert.True(t, answer.Refused)
	assert.NotContains(t, answer.Text, "should never surface")
}

func TestAggregate_DegradedIntentDoesNotRefuse(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationLight}
	pr := pipelineResult(
		queryhive.AgentResult{
			Agent:          queryhive.AgentIntent,
			Success:        false,
			FallbackReason: "model unavailable",
			Payload:        queryhive.IntentAssessment{Valid: false},
		},
		structuredResults(dataResult("sales-db")),
		synthesisResult("EMEA leads with 4200.", 0.8, "sales-db"),
	)

	answer, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.NoError(t, err, "only a successful intent verdict can refuse")
	assert.False(t, answer.Refused)
}

func TestAggregate_NoDataRefuses(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationLight}
	pr := pipelineResult(
		structuredResults(queryhive.SourceResult{SourceID: "sales-db", Success: false, Error: "timeout"}),
		synthesisResult("fabricated", 0.9, "sales-db"),
	)

	answer, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.Error(t, err)

	var engineErr *queryhive.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, queryhive.ErrCodeNoData, engineErr.Code)
	assert.True(t, answer.Refused)
}

func TestAggregate_MissingSynthesisRefuses(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationLight}
	pr := pipelineResult(structuredResults(dataResult("sales-db")))

	answer, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.Error(t, err)

	var engineErr *queryhive.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, queryhive.ErrCodeNoData, engineErr.Code)
	assert.True(t, answer.Refused)
}

func TestAggregate_ConsistencyAveragedIntoConfidence(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationMedium}
	report := queryhive.ConsistencyReport{
		Sources: []queryhive.SourceValidation{
			{SourceID: "sales-db", Status: queryhive.StatusValidated, Confidence: 0.75},
		},
		Overall: 0.6,
	}
	pr := pipelineResult(
		structuredResults(dataResult("sales-db")),
		synthesisResult("EMEA leads.", 0.8, "sales-db"),
		queryhive.AgentResult{Agent: queryhive.AgentConsistency, Success: true, Payload: report},
	)

	answer, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.NoError(t, err)
	require.NotNil(t, answer.Consistency)
	assert.InDelta(t, 0.7, answer.Confidence, 1e-9)
}

func TestAggregate_LightValidationIgnoresConsistency(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationLight}
	pr := pipelineResult(
		structuredResults(dataResult("sales-db")),
		synthesisResult("EMEA leads.", 0.8, "sales-db"),
		queryhive.AgentResult{
			Agent:   queryhive.AgentConsistency,
			Success: true,
			Payload: queryhive.ConsistencyReport{Overall: 0.1},
		},
	)

	answer, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.NoError(t, err)
	assert.Nil(t, answer.Consistency)
	assert.InDelta(t, 0.8, answer.Confidence, 1e-9)
}

func TestAggregate_UnsafeHallucinationDegrades(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationHeavy}
	report := queryhive.HallucinationReport{
		Risk:          queryhive.RiskCritical,
		SafeToProceed: false,
	}
	pr := pipelineResult(
		structuredResults(dataResult("sales-db")),
		synthesisResult("EMEA leads.", 0.8, "sales-db"),
		queryhive.AgentResult{Agent: queryhive.AgentHallucination, Success: true, Payload: report},
	)

	answer, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.NoError(t, err, "an unsafe answer is degraded, never suppressed")
	assert.True(t, answer.Degraded)
	assert.Contains(t, answer.DegradedNote, "critical")
	assert.InDelta(t, 0.8*0.4, answer.Confidence, 1e-9)
	require.NotNil(t, answer.Hallucination)
}

func TestAggregate_HighRiskPenalizesWithoutDegrading(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationHeavy}
	report := queryhive.HallucinationReport{
		Risk:          queryhive.RiskHigh,
		SafeToProceed: true,
	}
	pr := pipelineResult(
		structuredResults(dataResult("sales-db")),
		synthesisResult("EMEA leads.", 0.8, "sales-db"),
		queryhive.AgentResult{Agent: queryhive.AgentHallucination, Success: true, Payload: report},
	)

	answer, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.NoError(t, err)
	assert.False(t, answer.Degraded, "high risk delivers with a confidence penalty only")
	assert.InDelta(t, 0.8*0.7, answer.Confidence, 1e-9)
}

func TestAggregate_ConfidenceFloorDegrades(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationLight}
	pr := pipelineResult(
		structuredResults(dataResult("sales-db")),
		synthesisResult("Possibly EMEA.", 0.2, "sales-db"),
	)

	answer, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.NoError(t, err)
	assert.True(t, answer.Degraded)
	assert.Contains(t, answer.DegradedNote, "below floor")
	assert.False(t, answer.Refused)
}

func TestAggregate_ChartAttachedOnlyWhenUsable(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationLight}

	pr := pipelineResult(
		structuredResults(dataResult("sales-db")),
		synthesisResult("EMEA leads.", 0.8, "sales-db"),
		queryhive.AgentResult{
			Agent:   queryhive.AgentVisualization,
			Success: true,
			Payload: queryhive.ChartSuggestion{ChartType: "bar", XField: "region", YField: "revenue"},
		},
	)
	answer, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.NoError(t, err)
	require.NotNil(t, answer.Chart)
	assert.Equal(t, "bar", answer.Chart.ChartType)

	// An empty suggestion from a degraded visualization run is dropped.
	pr.Results[queryhive.AgentVisualization] = queryhive.AgentResult{
		Agent:   queryhive.AgentVisualization,
		Success: true,
		Payload: queryhive.ChartSuggestion{},
	}
	answer, err = agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.NoError(t, err)
	assert.Nil(t, answer.Chart)
}

func TestAggregate_RejectionErrorUnwraps(t *testing.T) {
	agg := New(testConfig())
	plan := &queryhive.ExecutionPlan{Validation: queryhive.ValidationLight}
	pr := pipelineResult()
	pr.Rejection = &queryhive.Rejection{Agent: queryhive.AgentGuardrail, Reason: "blocked"}

	_, err := agg.Aggregate(context.Background(), queryhive.QueryContext{}, plan, pr)
	require.Error(t, err)
	assert.True(t, queryhive.IsEngineError(err) || errors.As(err, new(*queryhive.Error)))
}
