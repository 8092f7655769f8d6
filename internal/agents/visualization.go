package agents

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/llm"
)

// Visualization suggests a chart for tabular results. It only runs when the
// plan asked for one and synthesis produced an answer; without tabular data
// there is nothing to chart and the agent returns an empty suggestion.
type Visualization struct {
	client queryhive.LLMClient
	logger *zap.Logger
}

// NewVisualization creates the chart-suggestion agent.
func NewVisualization(client queryhive.LLMClient, logger *zap.Logger) *Visualization {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Visualization{client: client, logger: logger}
}

// Kind implements queryhive.Agent.
func (v *Visualization) Kind() queryhive.AgentKind { return queryhive.AgentVisualization }

type chartSchema struct {
	ChartType string `json:"chart_type"`
	XField    string `json:"x_field"`
	YField    string `json:"y_field"`
	Title     string `json:"title"`
}

const chartSystemPrompt = `You pick a chart for tabular query results. Chart types: bar, line, pie,
scatter, table. Respond with a single JSON object:
{"chart_type": "...", "x_field": "...", "y_field": "...", "title": "..."}`

// Execute implements queryhive.Agent.
func (v *Visualization) Execute(ctx context.Context, input queryhive.AgentInput) (queryhive.AgentResult, error) {
	start := time.Now()

	columns := tabularColumns(input.Prior)
	if len(columns) == 0 {
		return queryhive.AgentResult{
			Agent:      queryhive.AgentVisualization,
			Success:    true,
			Confidence: 0.5,
			Elapsed:    time.Since(start),
			Payload:    queryhive.ChartSuggestion{},
		}, nil
	}

	if v.client == nil {
		// Deterministic default: first column on x, second on y.
		suggestion := queryhive.ChartSuggestion{ChartType: "table"}
		if len(columns) >= 2 {
			suggestion = queryhive.ChartSuggestion{ChartType: "bar", XField: columns[0], YField: columns[1]}
		}
		return queryhive.AgentResult{
			Agent:      queryhive.AgentVisualization,
			Success:    true,
			Confidence: 0.5,
			Elapsed:    time.Since(start),
			Payload:    suggestion,
		}, nil
	}

	user := "Question: " + input.EffectiveQuery() + "\nColumns: " + strings.Join(columns, ", ")
	resp, err := baseCall(ctx, v.client, chartSystemPrompt, user, 128)
	if err != nil {
		return queryhive.AgentResult{}, err
	}
	var parsed chartSchema
	if err := llm.DecodeStructured(resp.Text, &parsed); err != nil {
		return queryhive.AgentResult{}, err
	}

	return queryhive.AgentResult{
		Agent:         queryhive.AgentVisualization,
		Success:       true,
		Confidence:    0.8,
		Elapsed:       time.Since(start),
		ResourceUnits: resp.ResourceUnits,
		Payload: queryhive.ChartSuggestion{
			ChartType: parsed.ChartType,
			XField:    parsed.XField,
			YField:    parsed.YField,
			Title:     parsed.Title,
		},
	}, nil
}

// tabularColumns returns the columns of the first structured result with
// data.
func tabularColumns(prior map[queryhive.AgentKind]queryhive.AgentResult) []string {
	res, ok := prior[queryhive.AgentStructuredQuery]
	if !ok {
		return nil
	}
	set, ok := res.Payload.(queryhive.SourceResultSet)
	if !ok {
		return nil
	}
	for _, sr := range set.Results {
		if sr.Success && len(sr.Rows) > 0 {
			return sr.Columns
		}
	}
	return nil
}
