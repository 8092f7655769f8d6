package planner

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/llm"
)

// classifier produces a QueryAnalysis in two tiers. The heuristic tier is
// always computed and never fails; the LLM tier refines it only when the
// heuristic confidence falls below the configured threshold.
type classifier struct {
	client    queryhive.LLMClient
	threshold float64
	logger    *zap.Logger
}

func newClassifier(client queryhive.LLMClient, threshold float64, logger *zap.Logger) *classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &classifier{client: client, threshold: threshold, logger: logger}
}

// Classify analyzes the query. A failing LLM tier degrades to the heuristic
// verdict with its original confidence.
func (c *classifier) Classify(ctx context.Context, q queryhive.QueryContext) queryhive.QueryAnalysis {
	analysis := heuristicAnalysis(q.Query)
	if analysis.Confidence >= c.threshold || c.client == nil {
		return analysis
	}

	refined, err := c.refine(ctx, q, analysis)
	if err != nil {
		c.logger.Warn("llm classification failed, keeping heuristic verdict",
			zap.String("request_id", q.RequestID),
			zap.Error(err))
		return analysis
	}
	return refined
}

// classificationSchema is the JSON shape requested from the model.
type classificationSchema struct {
	Complexity         string  `json:"complexity"`
	Type               string  `json:"type"`
	NeedsStructured    bool    `json:"needs_structured"`
	NeedsDocuments     bool    `json:"needs_documents"`
	NeedsExternal      bool    `json:"needs_external"`
	NeedsVisualization bool    `json:"needs_visualization"`
	Confidence         float64 `json:"confidence"`
}

const classifierSystemPrompt = `You classify analytics queries. Respond with a single JSON object:
{"complexity": "simple|medium|complex", "type": "factual|analytical|comparative|predictive|conversational",
 "needs_structured": bool, "needs_documents": bool, "needs_external": bool,
 "needs_visualization": bool, "confidence": 0.0-1.0}`

func (c *classifier) refine(ctx context.Context, q queryhive.QueryContext, base queryhive.QueryAnalysis) (queryhive.QueryAnalysis, error) {
	resp, err := c.client.Call(ctx, queryhive.ChatRequest{
		Messages: []queryhive.Message{
			{Role: "system", Text: classifierSystemPrompt},
			{Role: "user", Text: q.Query},
		},
		Temperature:      0.1,
		MaxOutputTokens:  256,
		StructuredOutput: true,
	})
	if err != nil {
		return base, err
	}

	var parsed classificationSchema
	if err := llm.DecodeStructured(resp.Text, &parsed); err != nil {
		return base, err
	}

	refined := queryhive.QueryAnalysis{
		Complexity:         normalizeComplexity(parsed.Complexity, base.Complexity),
		Type:               normalizeType(parsed.Type, base.Type),
		NeedsStructured:    parsed.NeedsStructured,
		NeedsDocuments:     parsed.NeedsDocuments,
		NeedsExternal:      parsed.NeedsExternal,
		NeedsVisualization: parsed.NeedsVisualization || base.NeedsVisualization,
		Confidence:         clamp01(parsed.Confidence),
	}
	if refined.Confidence < base.Confidence {
		refined.Confidence = base.Confidence
	}
	// A model that claims no source at all is answering a different question.
	if !refined.NeedsStructured && !refined.NeedsDocuments && !refined.NeedsExternal {
		refined.NeedsStructured = base.NeedsStructured
		refined.NeedsDocuments = base.NeedsDocuments
		refined.NeedsExternal = base.NeedsExternal
	}
	return refined, nil
}

var (
	analyticalMarkers  = []string{"why", "trend", "average", "rate", "growth", "correlat", "distribution", "percent", "ratio", "breakdown"}
	comparativeMarkers = []string{"compare", "versus", " vs ", "difference between", "better than", "against"}
	predictiveMarkers  = []string{"predict", "forecast", "will ", "expect", "projection", "estimate next"}
	complexMarkers     = []string{" and ", " then ", "for each", "grouped by", "correlat", "across all", "year over year", "cohort"}
	vizMarkers         = []string{"chart", "graph", "plot", "visuali", "trend", "over time", "distribution"}
	structuredMarkers  = []string{"revenue", "sales", "count", "sum", "total", "top ", "average", "table", "rows", "orders", "customers", "last quarter", "this month", "by region"}
	documentMarkers    = []string{"document", "report", "contract", "policy", "mentioned", "according to", "pdf", "notes", "summary of"}
	externalMarkers    = []string{"crm", "ticket", "jira", "salesforce", "stripe", "github", "slack", "calendar", "live", "current price"}
)

// heuristicAnalysis is the deterministic first tier. It errs toward medium
// complexity and conservative confidence so the LLM tier gets a say on
// anything ambiguous.
func heuristicAnalysis(query string) queryhive.QueryAnalysis {
	lower := strings.ToLower(query)
	words := len(strings.Fields(lower))

	analysis := queryhive.QueryAnalysis{
		Complexity: queryhive.ComplexityMedium,
		Type:       queryhive.QueryTypeFactual,
		Confidence: 0.5,
	}

	switch {
	case containsAny(lower, predictiveMarkers):
		analysis.Type = queryhive.QueryTypePredictive
	case containsAny(lower, comparativeMarkers):
		analysis.Type = queryhive.QueryTypeComparative
	case containsAny(lower, analyticalMarkers):
		analysis.Type = queryhive.QueryTypeAnalytical
	case words <= 3 && !strings.Contains(lower, "?"):
		analysis.Type = queryhive.QueryTypeConversational
	}

	complexHits := countMarkers(lower, complexMarkers)
	switch {
	case complexHits >= 2 || words > 30 || analysis.Type == queryhive.QueryTypePredictive:
		analysis.Complexity = queryhive.ComplexityComplex
	case complexHits == 0 && words <= 12 && analysis.Type == queryhive.QueryTypeFactual:
		analysis.Complexity = queryhive.ComplexitySimple
	}

	analysis.NeedsStructured = containsAny(lower, structuredMarkers)
	analysis.NeedsDocuments = containsAny(lower, documentMarkers)
	analysis.NeedsExternal = containsAny(lower, externalMarkers)
	analysis.NeedsVisualization = containsAny(lower, vizMarkers)

	// Nothing matched: keep every channel open rather than guessing wrong.
	if !analysis.NeedsStructured && !analysis.NeedsDocuments && !analysis.NeedsExternal {
		analysis.NeedsStructured = true
		analysis.NeedsDocuments = true
		analysis.NeedsExternal = true
		analysis.Confidence = 0.35
		return analysis
	}

	// Confidence scales with how unambiguous the signals were.
	signals := countMarkers(lower, structuredMarkers) + countMarkers(lower, documentMarkers) + countMarkers(lower, externalMarkers)
	switch {
	case signals >= 3:
		analysis.Confidence = 0.85
	case signals == 2:
		analysis.Confidence = 0.7
	default:
		analysis.Confidence = 0.55
	}
	return analysis
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func countMarkers(s string, markers []string) int {
	n := 0
	for _, m := range markers {
		if strings.Contains(s, m) {
			n++
		}
	}
	return n
}

func normalizeComplexity(raw string, fallback queryhive.QueryComplexity) queryhive.QueryComplexity {
	switch queryhive.QueryComplexity(strings.ToLower(strings.TrimSpace(raw))) {
	case queryhive.ComplexitySimple:
		return queryhive.ComplexitySimple
	case queryhive.ComplexityMedium:
		return queryhive.ComplexityMedium
	case queryhive.ComplexityComplex:
		return queryhive.ComplexityComplex
	default:
		return fallback
	}
}

func normalizeType(raw string, fallback queryhive.QueryType) queryhive.QueryType {
	switch queryhive.QueryType(strings.ToLower(strings.TrimSpace(raw))) {
	case queryhive.QueryTypeFactual, queryhive.QueryTypeAnalytical, queryhive.QueryTypeComparative,
		queryhive.QueryTypePredictive, queryhive.QueryTypeConversational:
		return queryhive.QueryType(strings.ToLower(strings.TrimSpace(raw)))
	default:
		return fallback
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
