package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
	"github.com/queryhive/queryhive/internal/llm"
)

// Optimizer rewrites an ambiguous or underspecified query into a precise one,
// resolving pronouns against conversation history and making implicit time
// ranges explicit. A fault leaves the original query in effect.
type Optimizer struct {
	client queryhive.LLMClient
	logger *zap.Logger
}

// NewOptimizer creates the query-rewriting agent.
func NewOptimizer(client queryhive.LLMClient, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{client: client, logger: logger}
}

// Kind implements queryhive.Agent.
func (o *Optimizer) Kind() queryhive.AgentKind { return queryhive.AgentOptimizer }

type optimizerSchema struct {
	Rewritten string   `json:"rewritten"`
	Notes     []string `json:"notes"`
}

const optimizerSystemPrompt = `You rewrite data questions to be precise and self-contained. Resolve
references to earlier turns, spell out implicit time ranges and keep the
user's meaning unchanged. If the question is already precise, return it
verbatim. Respond with a single JSON object:
{"rewritten": "the precise question", "notes": ["what changed"]}`

// Execute implements queryhive.Agent.
func (o *Optimizer) Execute(ctx context.Context, input queryhive.AgentInput) (queryhive.AgentResult, error) {
	start := time.Now()

	if o.client == nil {
		return queryhive.AgentResult{}, queryhive.NewConfigurationError("llm client is not configured", nil)
	}

	resp, err := baseCall(ctx, o.client, optimizerSystemPrompt, optimizerUserPrompt(input), 512)
	if err != nil {
		return queryhive.AgentResult{}, err
	}
	var parsed optimizerSchema
	if err := llm.DecodeStructured(resp.Text, &parsed); err != nil {
		return queryhive.AgentResult{}, err
	}
	rewritten := strings.TrimSpace(parsed.Rewritten)
	if rewritten == "" {
		rewritten = input.Query.Query
	}

	return queryhive.AgentResult{
		Agent:         queryhive.AgentOptimizer,
		Success:       true,
		Confidence:    0.8,
		Elapsed:       time.Since(start),
		ResourceUnits: resp.ResourceUnits,
		Payload: queryhive.RewrittenQuery{
			Original:  input.Query.Query,
			Rewritten: rewritten,
			Notes:     parsed.Notes,
		},
	}, nil
}

func optimizerUserPrompt(input queryhive.AgentInput) string {
	var b strings.Builder
	if len(input.Query.History) > 0 {
		b.WriteString("Conversation so far:\n")
		// Only the tail of long histories matters for reference resolution.
		history := input.Query.History
		if len(history) > 6 {
			history = history[len(history)-6:]
		}
		for _, msg := range history {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Text)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question: %s", input.Query.Query)
	return b.String()
}
