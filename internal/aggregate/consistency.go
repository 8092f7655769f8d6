package aggregate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/llm"
)

// Consistency cross-checks the per-source results against each other. With a
// model available it asks for a contradiction review; otherwise a structural
// heuristic applies: a claim backed by one source stays unverified, a claim
// backed by several is validated.
type Consistency struct {
	client queryhive.LLMClient
	logger *zap.Logger
}

// NewConsistency creates the cross-source validation agent.
func NewConsistency(client queryhive.LLMClient, logger *zap.Logger) *Consistency {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consistency{client: client, logger: logger}
}

// Kind implements queryhive.Agent.
func (c *Consistency) Kind() queryhive.AgentKind { return queryhive.AgentConsistency }

type consistencySchema struct {
	Sources []struct {
		SourceID   string  `json:"source_id"`
		Status     string  `json:"status"`
		Confidence float64 `json:"confidence"`
	} `json:"sources"`
}

const consistencySystemPrompt = `You compare evidence from multiple data sources for the same question. For
each source, judge whether its evidence is validated by another source,
inconsistent with one, contradicted by one, or unverified (no overlap).
Respond with a single JSON object:
{"sources": [{"source_id": "...", "status": "validated|inconsistent|unverified|contradicted", "confidence": 0.0-1.0}]}`

// Execute implements queryhive.Agent.
func (c *Consistency) Execute(ctx context.Context, input queryhive.AgentInput) (queryhive.AgentResult, error) {
	start := time.Now()
	withData, failed := partitionSources(input.Prior)

	report := c.structuralReport(withData, failed)
	if c.client != nil && len(withData) >= 2 {
		if refined, units, err := c.modelReport(ctx, input, withData); err == nil {
			refined.Overall = overallConsistency(refined.Sources)
			return queryhive.AgentResult{
				Agent:         queryhive.AgentConsistency,
				Success:       true,
				Confidence:    0.85,
				Elapsed:       time.Since(start),
				ResourceUnits: units,
				Payload:       refined,
			}, nil
		} else {
			c.logger.Warn("model consistency review failed, using structural report",
				zap.String("request_id", input.Query.RequestID),
				zap.Error(err))
		}
	}

	return queryhive.AgentResult{
		Agent:      queryhive.AgentConsistency,
		Success:    true,
		Confidence: 0.6,
		Elapsed:    time.Since(start),
		Payload:    report,
	}, nil
}

// structuralReport judges by shape alone. Failed sources are unverified with
// zero confidence; corroborated sources validate each other.
func (c *Consistency) structuralReport(withData, failed []queryhive.SourceResult) queryhive.ConsistencyReport {
	report := queryhive.ConsistencyReport{}
	for _, sr := range withData {
		status, confidence := queryhive.StatusUnverified, 0.5
		if len(withData) >= 2 {
			status, confidence = queryhive.StatusValidated, 0.75
		}
		report.Sources = append(report.Sources, queryhive.SourceValidation{
			SourceID:   sr.SourceID,
			Status:     status,
			Confidence: confidence,
		})
	}
	for _, sr := range failed {
		report.Sources = append(report.Sources, queryhive.SourceValidation{
			SourceID: sr.SourceID,
			Status:   queryhive.StatusUnverified,
		})
	}
	report.Overall = overallConsistency(report.Sources)
	return report
}

func (c *Consistency) modelReport(ctx context.Context, input queryhive.AgentInput, withData []queryhive.SourceResult) (queryhive.ConsistencyReport, int, error) {
	user := evidenceDigest(input.EffectiveQuery(), withData)
	resp, err := c.client.Call(ctx, queryhive.ChatRequest{
		Messages: []queryhive.Message{
			{Role: "system", Text: consistencySystemPrompt},
			{Role: "user", Text: user},
		},
		Temperature:      0.1,
		MaxOutputTokens:  512,
		StructuredOutput: true,
	})
	if err != nil {
		return queryhive.ConsistencyReport{}, 0, err
	}
	var parsed consistencySchema
	if err := llm.DecodeStructured(resp.Text, &parsed); err != nil {
		return queryhive.ConsistencyReport{}, resp.ResourceUnits, err
	}

	report := queryhive.ConsistencyReport{}
	for _, src := range parsed.Sources {
		report.Sources = append(report.Sources, queryhive.SourceValidation{
			SourceID:   src.SourceID,
			Status:     normalizeStatus(src.Status),
			Confidence: src.Confidence,
		})
	}
	if len(report.Sources) == 0 {
		return queryhive.ConsistencyReport{}, resp.ResourceUnits,
			queryhive.NewValidationError("consistency_check", "model returned no source verdicts", nil)
	}
	return report, resp.ResourceUnits, nil
}

// overallConsistency is the mean per-source confidence, scaled down by the
// share of sources that are inconsistent or contradicted.
func overallConsistency(sources []queryhive.SourceValidation) float64 {
	if len(sources) == 0 {
		return 0
	}
	var sum float64
	conflicts := 0
	for _, src := range sources {
		sum += src.Confidence
		if src.Status == queryhive.StatusInconsistent || src.Status == queryhive.StatusContradicted {
			conflicts++
		}
	}
	mean := sum / float64(len(sources))
	penalty := 1 - float64(conflicts)/float64(len(sources))
	return mean * penalty
}

func normalizeStatus(raw string) queryhive.ValidationStatus {
	switch queryhive.ValidationStatus(raw) {
	case queryhive.StatusValidated, queryhive.StatusInconsistent, queryhive.StatusContradicted:
		return queryhive.ValidationStatus(raw)
	default:
		return queryhive.StatusUnverified
	}
}
