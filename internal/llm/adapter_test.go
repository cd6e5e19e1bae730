package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewClientModeSelection(t *testing.T) {
	c, err := NewClient(Config{Mode: "mock"})
	if err != nil {
		t.Fatalf("NewClient(mock) error = %v", err)
	}
	if _, ok := c.(*MockClient); !ok {
		t.Fatalf("NewClient(mock) = %T, want *MockClient", c)
	}

	if _, err := NewClient(Config{Mode: "http"}); err == nil {
		t.Fatalf("NewClient(http) without url should error")
	}
	if _, err := NewClient(Config{Mode: "carrier-pigeon"}); err == nil {
		t.Fatalf("NewClient(carrier-pigeon) should error")
	}

	c, err = NewClient(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("NewClient(auto) error = %v", err)
	}
	if _, ok := c.(*MockClient); !ok {
		t.Fatalf("NewClient(auto) without url = %T, want *MockClient", c)
	}

	c, err = NewClient(Config{Mode: "auto", HTTPURL: "http://example.test"})
	if err != nil {
		t.Fatalf("NewClient(auto, url) error = %v", err)
	}
	if _, ok := c.(*FallbackClient); !ok {
		t.Fatalf("NewClient(auto, url) = %T, want *FallbackClient", c)
	}
}

func TestFallbackClientUsesFallback(t *testing.T) {
	c := NewFallbackClient(errClient{}, okClient{text: "fallback"}, time.Second)
	resp, err := c.StreamCompletion(context.Background(), CompletionRequest{}, nil)
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	if resp.Text != "fallback" {
		t.Fatalf("resp.Text = %q, want fallback", resp.Text)
	}
}

func TestFallbackClientSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &countingClient{text: "fallback"}
	c := NewFallbackClient(cancelClient{}, fb, time.Second)
	_, err := c.StreamCompletion(context.Background(), CompletionRequest{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

func TestFallbackClientHedgesOnSlowFirstDelta(t *testing.T) {
	c := NewFallbackClient(
		slowClient{delay: 300 * time.Millisecond, text: "late"},
		okClient{text: "on time"},
		20*time.Millisecond,
	)

	var deltas []string
	resp, err := c.StreamCompletion(context.Background(), CompletionRequest{}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	if resp.Text != "on time" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "on time")
	}
	if got := strings.Join(deltas, ""); got != "on time" {
		t.Fatalf("deltas = %q, late primary output must be discarded", got)
	}
}

func TestFallbackClientPrefersFastPrimary(t *testing.T) {
	fb := &countingClient{text: "fallback"}
	c := NewFallbackClient(okClient{text: "primary"}, fb, 50*time.Millisecond)
	resp, err := c.StreamCompletion(context.Background(), CompletionRequest{}, nil)
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	if resp.Text != "primary" {
		t.Fatalf("resp.Text = %q, want primary", resp.Text)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

func TestMockClientReplyHasTwoSentences(t *testing.T) {
	resp, err := NewMockClient().StreamCompletion(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: "assistant", Content: "Hello there."},
			{Role: "user", Content: "What is gravity?"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	if !strings.Contains(resp.Text, "What is gravity") {
		t.Fatalf("resp.Text = %q, want it to echo the question", resp.Text)
	}
	if strings.Count(resp.Text, ".") < 2 {
		t.Fatalf("resp.Text = %q, want at least two sentences", resp.Text)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("resp.FinishReason = %q, want stop", resp.FinishReason)
	}
}

type errClient struct{}

func (errClient) StreamCompletion(context.Context, CompletionRequest, DeltaHandler) (CompletionResponse, error) {
	return CompletionResponse{}, errors.New("boom")
}

type okClient struct {
	text string
}

func (c okClient) StreamCompletion(_ context.Context, _ CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error) {
	if onDelta != nil {
		if err := onDelta(c.text); err != nil {
			return CompletionResponse{}, err
		}
	}
	return CompletionResponse{Text: c.text}, nil
}

type cancelClient struct{}

func (cancelClient) StreamCompletion(context.Context, CompletionRequest, DeltaHandler) (CompletionResponse, error) {
	return CompletionResponse{}, context.Canceled
}

type countingClient struct {
	text  string
	calls int
}

func (c *countingClient) StreamCompletion(context.Context, CompletionRequest, DeltaHandler) (CompletionResponse, error) {
	c.calls++
	return CompletionResponse{Text: c.text}, nil
}

type slowClient struct {
	delay time.Duration
	text  string
}

func (c slowClient) StreamCompletion(ctx context.Context, _ CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error) {
	select {
	case <-ctx.Done():
		return CompletionResponse{}, ctx.Err()
	case <-time.After(c.delay):
	}
	if onDelta != nil {
		if err := onDelta(c.text); err != nil {
			return CompletionResponse{}, err
		}
	}
	return CompletionResponse{Text: c.text}, nil
}
