package llm

import (
	"context"

	"github.com/firebase/genkit/go/core"

	"github.com/queryhive/queryhive"
)

// GenkitClient adapts a genkit flow to the LLMClient interface. The host
// application defines the flow (model selection, prompt plumbing, tracing);
// the engine only runs it.
type GenkitClient struct {
	chatFlow *core.Flow[*queryhive.ChatRequest, *queryhive.ChatResponse, struct{}]
}

// NewGenkitClient creates an adapter for the given chat flow.
func NewGenkitClient(chatFlow *core.Flow[*queryhive.ChatRequest, *queryhive.ChatResponse, struct{}]) *GenkitClient {
	return &GenkitClient{chatFlow: chatFlow}
}

// Call implements queryhive.LLMClient.
func (c *GenkitClient) Call(ctx context.Context, req queryhive.ChatRequest) (*queryhive.ChatResponse, error) {
	if c.chatFlow == nil {
		return nil, queryhive.NewConfigurationError("genkit chat flow is not configured", nil)
	}

	resp, err := c.chatFlow.Run(ctx, &req)
	if err != nil {
		return nil, queryhive.NewUpstreamError("genkit", err)
	}
	if resp == nil {
		return nil, queryhive.NewUpstreamError("genkit", queryhive.NewInternalError("llm", "flow returned a nil response", nil))
	}
	return resp, nil
}
