package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockClient produces deterministic tutor replies when no real language model
// is configured.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) StreamCompletion(
	ctx context.Context,
	req CompletionRequest,
	onDelta DeltaHandler,
) (CompletionResponse, error) {
	select {
	case <-ctx.Done():
		return CompletionResponse{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return CompletionResponse{}, err
		}
	}
	return CompletionResponse{Text: text, FinishReason: "stop"}, nil
}

// buildMockReply always yields at least two sentences so the downstream
// segmentation and synthesis path gets exercised end to end.
func buildMockReply(req CompletionRequest) string {
	prompt := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			prompt = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if prompt == "" {
		return "I am listening. Ask me anything when you are ready."
	}

	topic := strings.TrimRight(prompt, ".!?")
	return fmt.Sprintf("You asked: %s. Let's take it one step at a time.", topic)
}
