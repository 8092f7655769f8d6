package agents

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
)

// Run executes an agent under the never-raises contract: a returned error or
// a panic is converted into a degraded result carrying the agent's typed
// fallback payload. The caller always receives a structurally valid result.
func Run(ctx context.Context, agent queryhive.Agent, input queryhive.AgentInput, logger *zap.Logger) (result queryhive.AgentResult) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("agent panicked",
				zap.String("agent", string(agent.Kind())),
				zap.String("request_id", input.Query.RequestID),
				zap.Any("panic", r))
			result = queryhive.DegradedResult(agent.Kind(), fmt.Sprintf("panic: %v", r), time.Since(start))
		}
	}()

	res, err := agent.Execute(ctx, input)
	if err != nil {
		logger.Warn("agent failed, returning degraded result",
			zap.String("agent", string(agent.Kind())),
			zap.String("request_id", input.Query.RequestID),
			zap.Error(err))
		return queryhive.DegradedResult(agent.Kind(), err.Error(), time.Since(start))
	}
	res.Agent = agent.Kind()
	if res.Elapsed == 0 {
		res.Elapsed = time.Since(start)
	}
	return res
}

// baseCall issues one structured LLM call with the given prompts. Shared by
// the model-backed agents.
func baseCall(ctx context.Context, client queryhive.LLMClient, system, user string, maxTokens int) (*queryhive.ChatResponse, error) {
	if client == nil {
		return nil, queryhive.NewConfigurationError("llm client is not configured", nil)
	}
	return client.Call(ctx, queryhive.ChatRequest{
		Messages: []queryhive.Message{
			{Role: "system", Text: system},
			{Role: "user", Text: user},
		},
		Temperature:      0.2,
		MaxOutputTokens:  maxTokens,
		StructuredOutput: true,
	})
}
