package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/ent0n29/mentora/internal/health"
	"github.com/ent0n29/mentora/internal/reliability"
)

// RoutedClient picks a language model backend through the health monitor for
// every completion request and reports the outcome back, so a tripped
// backend is bypassed until its circuit recovers. The route is resolved once
// per request, never mid-stream.
type RoutedClient struct {
	monitor  *health.Monitor
	backends map[string]Client
}

func NewRoutedClient(monitor *health.Monitor, backends map[string]Client) *RoutedClient {
	return &RoutedClient{monitor: monitor, backends: backends}
}

func (c *RoutedClient) StreamCompletion(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error) {
	binding, err := c.monitor.Resolve(health.RoleLanguageModel)
	if err != nil {
		return CompletionResponse{}, err
	}
	client, ok := c.backends[binding.Backend]
	if !ok {
		return CompletionResponse{}, fmt.Errorf("language model backend %q not registered", binding.Backend)
	}

	start := time.Now()
	resp, err := client.StreamCompletion(ctx, req, onDelta)
	// A cancelled stream is the learner interrupting, not a backend fault.
	success := true
	if err != nil {
		switch reliability.ClassifyErr(err) {
		case reliability.ClassTransient, reliability.ClassFatalBackend:
			success = false
		}
	}
	c.monitor.ReportResult(health.RoleLanguageModel, binding.Backend, success, time.Since(start))
	if err != nil {
		return resp, fmt.Errorf("language model backend %q: %w", binding.Backend, err)
	}
	return resp, nil
}
