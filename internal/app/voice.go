package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/mentora/internal/config"
	"github.com/ent0n29/mentora/internal/health"
	"github.com/ent0n29/mentora/internal/voice"
)

type voiceSetup struct {
	recognizer       voice.RecognizerProvider
	synthesizer      voice.SynthesizerProvider
	resolvedProvider string
	defaultVoiceID   string
	defaultModelID   string
	detail           string
}

// resolveVoiceProviders picks the recognizer and synthesizer backends for
// this process and registers their routes on the circuit monitor. The
// returned providers are always routed, so every stream start and failure
// is reported to the breaker even in mock-only mode.
func resolveVoiceProviders(cfg config.Config, monitor *health.Monitor) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	mock := voice.NewMockProvider()

	useMock := func(detail string) voiceSetup {
		monitor.SetRoute(health.RoleRecognizer, "mock", "")
		monitor.SetRoute(health.RoleSynthesizer, "mock", "")
		rec, synth := voice.NewRoutedProviderPair(
			monitor,
			map[string]voice.RecognizerProvider{"mock": mock},
			map[string]voice.SynthesizerProvider{"mock": mock},
			"", "",
		)
		return voiceSetup{
			recognizer:       rec,
			synthesizer:      synth,
			resolvedProvider: "mock",
			defaultVoiceID:   cfg.DefaultVoiceID,
			defaultModelID:   cfg.RealtimeSynthModel,
			detail:           detail,
		}
	}

	useRealtime := func() voiceSetup {
		rt := voice.NewRealtimeProvider(voice.RealtimeConfig{
			APIKey:            cfg.RealtimeAPIKey,
			WSBaseURL:         cfg.RealtimeWSBaseURL,
			RecognizerModelID: cfg.RealtimeRecognizerModel,
			OutputFormat:      cfg.RealtimeSynthOutputFormat,
		})
		monitor.SetRoute(health.RoleRecognizer, "realtime", "mock")
		monitor.SetRoute(health.RoleSynthesizer, "realtime", "mock")
		// The mock fallback ignores voice and model IDs, so no fallback
		// overrides are needed when a stream lands there.
		rec, synth := voice.NewRoutedProviderPair(
			monitor,
			map[string]voice.RecognizerProvider{"realtime": rt, "mock": mock},
			map[string]voice.SynthesizerProvider{"realtime": rt, "mock": mock},
			"", "",
		)
		return voiceSetup{
			recognizer:       rec,
			synthesizer:      synth,
			resolvedProvider: "realtime",
			defaultVoiceID:   cfg.DefaultVoiceID,
			defaultModelID:   cfg.RealtimeSynthModel,
			detail:           "realtime websocket (mock fallback)",
		}
	}

	hasKey := strings.TrimSpace(cfg.RealtimeAPIKey) != ""
	hasURL := strings.TrimSpace(cfg.RealtimeWSBaseURL) != ""

	switch voiceMode {
	case "realtime":
		if !hasKey {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=realtime but REALTIME_API_KEY is not set")
		}
		if !hasURL {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=realtime but REALTIME_WS_BASE_URL is not set")
		}
		return useRealtime(), nil
	case "mock":
		return useMock("mock"), nil
	case "auto":
		if hasKey && hasURL {
			return useRealtime(), nil
		}
		return useMock("mock (realtime backend not configured)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|realtime|mock)", cfg.VoiceProvider)
	}
}
