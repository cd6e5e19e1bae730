package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/mentora/internal/config"
	"github.com/ent0n29/mentora/internal/health"
	"github.com/ent0n29/mentora/internal/llm"
)

type languageSetup struct {
	client       llm.Client
	resolvedMode string
	detail       string
}

// resolveLanguageClient builds the tutoring language client and registers
// its route on the circuit monitor. An HTTP endpoint always carries the
// deterministic mock as its routed fallback; in auto mode the routed pair
// is additionally hedged so a stalled first token fails over mid-turn
// instead of waiting for the circuit to open.
func resolveLanguageClient(cfg config.Config, monitor *health.Monitor) (languageSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.LLMAdapterMode))
	if mode == "" {
		mode = "auto"
	}

	mock := llm.NewMockClient()
	hasURL := strings.TrimSpace(cfg.LLMHTTPURL) != ""

	routedHTTP := func() llm.Client {
		primary := llm.NewHTTPClientWithOptions(cfg.LLMHTTPURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMStreamStrict)
		monitor.SetRoute(health.RoleLanguageModel, "http", "mock")
		return llm.NewRoutedClient(monitor, map[string]llm.Client{
			"http": primary,
			"mock": mock,
		})
	}

	mockOnly := func(detail string) languageSetup {
		monitor.SetRoute(health.RoleLanguageModel, "mock", "")
		client := llm.NewRoutedClient(monitor, map[string]llm.Client{"mock": mock})
		return languageSetup{client: client, resolvedMode: "mock", detail: detail}
	}

	switch mode {
	case "http":
		if !hasURL {
			return languageSetup{}, fmt.Errorf("LLM_ADAPTER_MODE=http but LLM_HTTP_URL is not set")
		}
		return languageSetup{
			client:       routedHTTP(),
			resolvedMode: "http",
			detail:       "http streaming (mock fallback)",
		}, nil
	case "mock":
		return mockOnly("mock"), nil
	case "auto":
		if hasURL {
			client := llm.NewFallbackClient(routedHTTP(), mock, cfg.LLMFirstDeltaTimeout)
			return languageSetup{
				client:       client,
				resolvedMode: "http",
				detail:       "http streaming (hedged, mock fallback)",
			}, nil
		}
		return mockOnly("mock (no LLM_HTTP_URL configured)"), nil
	default:
		return languageSetup{}, fmt.Errorf("invalid LLM_ADAPTER_MODE: %q (expected auto|http|mock)", cfg.LLMAdapterMode)
	}
}
