package agents

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/llm"
)

// Intent checks that the query expresses an answerable analytical intent, as
// opposed to small talk or an instruction the engine cannot act on.
type Intent struct {
	client queryhive.LLMClient
	logger *zap.Logger
}

// NewIntent creates the intent-validation agent.
func NewIntent(client queryhive.LLMClient, logger *zap.Logger) *Intent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intent{client: client, logger: logger}
}

// Kind implements queryhive.Agent.
func (a *Intent) Kind() queryhive.AgentKind { return queryhive.AgentIntent }

type intentSchema struct {
	Valid  bool   `json:"valid"`
	Intent string `json:"intent"`
	Reason string `json:"reason"`
}

const intentSystemPrompt = `You validate whether a user message is an answerable question about data.
Greetings, meta questions about the assistant and instructions with no
information need are not valid. Respond with a single JSON object:
{"valid": bool, "intent": "one-line paraphrase of the information need",
 "reason": "short explanation when invalid"}`

// Execute implements queryhive.Agent.
func (a *Intent) Execute(ctx context.Context, input queryhive.AgentInput) (queryhive.AgentResult, error) {
	start := time.Now()

	if strings.TrimSpace(input.Query.Query) == "" {
		return queryhive.AgentResult{
			Agent:      queryhive.AgentIntent,
			Success:    true,
			Confidence: 0.95,
			Elapsed:    time.Since(start),
			Payload:    queryhive.IntentAssessment{Valid: false, Reason: "empty query"},
		}, nil
	}

	if a.client == nil {
		return queryhive.AgentResult{
			Agent:      queryhive.AgentIntent,
			Success:    true,
			Confidence: 0.5,
			Elapsed:    time.Since(start),
			Payload:    queryhive.IntentAssessment{Valid: true, Intent: input.Query.Query},
		}, nil
	}

	resp, err := baseCall(ctx, a.client, intentSystemPrompt, input.Query.Query, 192)
	if err != nil {
		return queryhive.AgentResult{}, err
	}
	var parsed intentSchema
	if err := llm.DecodeStructured(resp.Text, &parsed); err != nil {
		return queryhive.AgentResult{}, err
	}

	return queryhive.AgentResult{
		Agent:         queryhive.AgentIntent,
		Success:       true,
		Confidence:    0.85,
		Elapsed:       time.Since(start),
		ResourceUnits: resp.ResourceUnits,
		Payload: queryhive.IntentAssessment{
			Valid:  parsed.Valid,
			Intent: parsed.Intent,
			Reason: parsed.Reason,
		},
	}, nil
}
