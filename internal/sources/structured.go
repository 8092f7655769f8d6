package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/eventbus"
	"github.com/queryhive/queryhive/internal/llm"
)

// StructuredQuery answers the query against relational sources: for each
// source it generates a read statement from the source's schema summary,
// passes it through the statement guard and executes it against the store.
type StructuredQuery struct {
	client queryhive.LLMClient
	store  queryhive.StructuredStore
	guard  StatementGuard
	runner runner
	logger *zap.Logger
}

// NewStructuredQuery creates the relational fan-out agent.
func NewStructuredQuery(client queryhive.LLMClient, store queryhive.StructuredStore, maxRows int, bus eventbus.EventBus, logger *zap.Logger) *StructuredQuery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StructuredQuery{
		client: client,
		store:  store,
		guard:  StatementGuard{MaxRows: maxRows},
		runner: runner{bus: bus, logger: logger},
		logger: logger,
	}
}

// Kind implements queryhive.Agent.
func (a *StructuredQuery) Kind() queryhive.AgentKind { return queryhive.AgentStructuredQuery }

type statementSchema struct {
	Statement string `json:"statement"`
}

const statementSystemPrompt = `You write a single read-only SQL statement answering the question against the
described schema. Use only tables and columns the schema mentions. Always
include a LIMIT. Respond with a single JSON object:
{"statement": "SELECT ..."}`

// Execute implements queryhive.Agent.
func (a *StructuredQuery) Execute(ctx context.Context, input queryhive.AgentInput) (queryhive.AgentResult, error) {
	start := time.Now()
	strategy := input.RankedStrategy()

	results := a.runner.run(ctx, input.Query, queryhive.SourceKindStructured, strategy, func(ctx context.Context, src queryhive.SourceDescriptor) queryhive.SourceResult {
		return a.querySource(ctx, input, src)
	})

	units := 0
	for _, res := range results {
		units += res.ResourceUnits
	}
	return queryhive.AgentResult{
		Agent:         queryhive.AgentStructuredQuery,
		Success:       true,
		Confidence:    fanoutConfidence(results),
		Elapsed:       time.Since(start),
		ResourceUnits: units,
		Payload:       queryhive.SourceResultSet{Kind: queryhive.SourceKindStructured, Results: results},
	}, nil
}

func (a *StructuredQuery) querySource(ctx context.Context, input queryhive.AgentInput, src queryhive.SourceDescriptor) queryhive.SourceResult {
	start := time.Now()
	result := queryhive.SourceResult{SourceID: src.ID}

	statement, units, err := a.generateStatement(ctx, input, src)
	result.ResourceUnits = units
	if err != nil {
		result.Error = err.Error()
		result.Elapsed = time.Since(start)
		return result
	}

	sanitized, risk, warnings, err := a.guard.Inspect(statement)
	if err != nil {
		a.logger.Warn("generated statement blocked",
			zap.String("source_id", src.ID),
			zap.String("statement", statement),
			zap.Error(err))
		result.Statement = statement
		result.Error = err.Error()
		result.Elapsed = time.Since(start)
		return result
	}
	result.Statement = sanitized
	result.RiskScore = risk
	result.Warnings = warnings
	if risk >= 0.5 {
		a.runner.publish(ctx, eventbus.EventStatementRiskWarning, input.Query.RequestID, src.ID, map[string]any{
			"risk_score": risk,
			"warnings":   warnings,
		})
	}

	if a.store == nil {
		result.Error = "no structured store configured"
		result.Elapsed = time.Since(start)
		return result
	}
	columns, rows, err := a.store.ExecuteQuery(ctx, src.ID, sanitized, a.guard.MaxRows)
	if err != nil {
		result.Error = err.Error()
		result.Elapsed = time.Since(start)
		return result
	}

	result.Success = true
	result.Columns = columns
	result.Rows = rows
	result.Elapsed = time.Since(start)
	return result
}

func (a *StructuredQuery) generateStatement(ctx context.Context, input queryhive.AgentInput, src queryhive.SourceDescriptor) (string, int, error) {
	if a.client == nil {
		return "", 0, queryhive.NewConfigurationError("llm client is not configured", nil)
	}
	user := fmt.Sprintf("Schema of %s:\n%s\n\nQuestion: %s", src.Name, src.Summary, input.EffectiveQuery())
	resp, err := a.client.Call(ctx, queryhive.ChatRequest{
		Messages: []queryhive.Message{
			{Role: "system", Text: statementSystemPrompt},
			{Role: "user", Text: user},
		},
		Temperature:      0.1,
		MaxOutputTokens:  512,
		StructuredOutput: true,
	})
	if err != nil {
		return "", 0, err
	}
	var parsed statementSchema
	if err := llm.DecodeStructured(resp.Text, &parsed); err != nil {
		return "", resp.ResourceUnits, err
	}
	statement := strings.TrimSpace(parsed.Statement)
	if statement == "" {
		return "", resp.ResourceUnits, queryhive.NewValidationError("structured_query", "model returned an empty statement", nil)
	}
	return statement, resp.ResourceUnits, nil
}

// fanoutConfidence reflects how much of the fan-out produced data.
func fanoutConfidence(results []queryhive.SourceResult) float64 {
	if len(results) == 0 {
		return 0.5
	}
	withData := 0
	for _, res := range results {
		if res.Success && res.HasData() {
			withData++
		}
	}
	return 0.4 + 0.5*float64(withData)/float64(len(results))
}
