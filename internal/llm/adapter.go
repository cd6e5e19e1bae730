package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is one entry of the conversation context sent to the language model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries the conversation state for one assistant turn.
type CompletionRequest struct {
	SessionID      string    `json:"session_id"`
	TurnID         string    `json:"turn_id"`
	LearnerID      string    `json:"learner_id,omitempty"`
	TutorProfileID string    `json:"tutor_profile_id,omitempty"`
	Messages       []Message `json:"messages"`
}

// CompletionResponse is the final assembled response after streaming deltas.
type CompletionResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Client streams tutor completions for the turn loop.
type Client interface {
	StreamCompletion(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error)
}

// Config controls client construction.
type Config struct {
	Mode              string
	HTTPURL           string
	APIKey            string
	Model             string
	HTTPStreamStrict  bool
	FirstDeltaTimeout time.Duration
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoClient(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("language model HTTP url is required for http mode")
		}
		return NewHTTPClientWithOptions(cfg.HTTPURL, cfg.APIKey, cfg.Model, cfg.HTTPStreamStrict), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported language model client mode %q", cfg.Mode)
	}
}

func newAutoClient(cfg Config) Client {
	// Hedge the real endpoint with the deterministic mock so a stalled first
	// token never leaves the learner sitting in silence.
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		primary := NewHTTPClientWithOptions(cfg.HTTPURL, cfg.APIKey, cfg.Model, cfg.HTTPStreamStrict)
		return NewFallbackClient(primary, NewMockClient(), cfg.FirstDeltaTimeout)
	}
	return NewMockClient()
}
