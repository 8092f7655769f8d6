package llm

import (
	"context"

	"github.com/tmc/langchaingo/llms"

	"github.com/queryhive/queryhive"
)

// LangChainClient adapts a langchaingo model to the LLMClient interface.
// Typically used as the fallback provider behind a genkit-flow primary.
type LangChainClient struct {
	model llms.Model
}

// NewLangChainClient creates an adapter around the given model.
func NewLangChainClient(model llms.Model) *LangChainClient {
	return &LangChainClient{model: model}
}

// Call implements queryhive.LLMClient.
func (c *LangChainClient) Call(ctx context.Context, req queryhive.ChatRequest) (*queryhive.ChatResponse, error) {
	if c.model == nil {
		return nil, queryhive.NewConfigurationError("langchain model is not configured", nil)
	}

	content := make([]llms.MessageContent, 0, len(req.Messages))
	for _, msg := range req.Messages {
		content = append(content, llms.TextParts(chatRole(msg.Role), msg.Text))
	}

	opts := []llms.CallOption{}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	if req.MaxOutputTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxOutputTokens))
	}
	if req.StructuredOutput {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := c.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return nil, queryhive.NewUpstreamError("langchain", err)
	}
	if len(resp.Choices) == 0 {
		return nil, queryhive.NewUpstreamError("langchain", queryhive.NewInternalError("llm", "model returned no choices", nil))
	}

	text := resp.Choices[0].Content
	return &queryhive.ChatResponse{
		Text:          text,
		ResourceUnits: estimateUnits(req, text),
	}, nil
}

func chatRole(role string) llms.ChatMessageType {
	switch role {
	case "system":
		return llms.ChatMessageTypeSystem
	case "assistant":
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

// estimateUnits approximates token-equivalent cost when the provider does not
// report usage.
func estimateUnits(req queryhive.ChatRequest, response string) int {
	chars := len(response)
	for _, msg := range req.Messages {
		chars += len(msg.Text)
	}
	units := chars / 4
	if units == 0 {
		units = 1
	}
	return units
}
