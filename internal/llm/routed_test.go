package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ent0n29/mentora/internal/health"
	"github.com/ent0n29/mentora/internal/reliability"
)

func newRoutedLLMMonitor() *health.Monitor {
	monitor := health.NewMonitor(health.BreakerConfig{
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
		ResetTimeout:       30 * time.Second,
	})
	monitor.SetRoute(health.RoleLanguageModel, "primary", "backup")
	return monitor
}

type failingCountClient struct {
	calls int
	err   error
}

func (c *failingCountClient) StreamCompletion(context.Context, CompletionRequest, DeltaHandler) (CompletionResponse, error) {
	c.calls++
	return CompletionResponse{}, c.err
}

func TestRoutedClientTripsAndRoutesToFallback(t *testing.T) {
	ctx := context.Background()
	monitor := newRoutedLLMMonitor()

	primary := &failingCountClient{
		err: fmt.Errorf("language model: %w", &reliability.StatusError{Status: 503, Body: "overloaded"}),
	}
	fallback := &countingClient{text: "fallback answer"}

	routed := NewRoutedClient(monitor, map[string]Client{
		"primary": primary,
		"backup":  fallback,
	})

	req := CompletionRequest{SessionID: "s1", TurnID: "t1"}
	for i := 0; i < 3; i++ {
		if _, err := routed.StreamCompletion(ctx, req, nil); err == nil {
			t.Fatalf("StreamCompletion() attempt %d expected error before circuit trips", i+1)
		}
	}
	if primary.calls != 3 {
		t.Fatalf("primary calls = %d, want 3", primary.calls)
	}

	resp, err := routed.StreamCompletion(ctx, req, nil)
	if err != nil {
		t.Fatalf("StreamCompletion() after trip unexpected error = %v", err)
	}
	if resp.Text != "fallback answer" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "fallback answer")
	}
	if primary.calls != 3 {
		t.Fatalf("primary calls after trip = %d, want 3", primary.calls)
	}
	if fallback.calls != 1 {
		t.Fatalf("fallback calls = %d, want 1", fallback.calls)
	}
}

func TestRoutedClientDoesNotChargeCancellation(t *testing.T) {
	ctx := context.Background()
	monitor := newRoutedLLMMonitor()

	primary := &failingCountClient{err: context.Canceled}
	fallback := &countingClient{text: "never used"}

	routed := NewRoutedClient(monitor, map[string]Client{
		"primary": primary,
		"backup":  fallback,
	})

	req := CompletionRequest{SessionID: "s1", TurnID: "t1"}
	for i := 0; i < 4; i++ {
		if _, err := routed.StreamCompletion(ctx, req, nil); err == nil {
			t.Fatalf("StreamCompletion() expected cancellation error")
		}
	}
	if primary.calls != 4 {
		t.Fatalf("primary calls = %d, want 4 since cancellations never trip the circuit", primary.calls)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback calls = %d, want 0", fallback.calls)
	}
}

func TestRoutedClientRequiresRegisteredBackend(t *testing.T) {
	monitor := health.NewMonitor(health.BreakerConfig{})
	monitor.SetRoute(health.RoleLanguageModel, "unregistered", "")

	routed := NewRoutedClient(monitor, map[string]Client{})
	if _, err := routed.StreamCompletion(context.Background(), CompletionRequest{}, nil); err == nil {
		t.Fatalf("StreamCompletion() expected error for unregistered backend")
	}
}
