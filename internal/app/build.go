package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/mentora/internal/bench"
	"github.com/ent0n29/mentora/internal/config"
	"github.com/ent0n29/mentora/internal/health"
	"github.com/ent0n29/mentora/internal/httpapi"
	"github.com/ent0n29/mentora/internal/observability"
	"github.com/ent0n29/mentora/internal/session"
	"github.com/ent0n29/mentora/internal/transcript"
	"github.com/ent0n29/mentora/internal/turn"
	"github.com/ent0n29/mentora/internal/voice"
)

type VoiceInfo struct {
	Provider       string
	Detail         string
	DefaultVoiceID string
	DefaultModelID string
}

type LanguageInfo struct {
	Mode   string
	Detail string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Runtime  *Runtime
	Monitor  *health.Monitor
	Bench    *bench.Service
	Metrics  *observability.Metrics
	Voice    VoiceInfo
	Language LanguageInfo

	// Cleanup should be called on shutdown to release external resources (DB, bench runs).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	transcripts, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	monitor := health.NewMonitor(health.BreakerConfig{
		UnhealthyThreshold: cfg.BreakerUnhealthyThreshold,
		HealthyThreshold:   cfg.BreakerHealthyThreshold,
		ResetTimeout:       cfg.BreakerResetTimeout,
	})
	monitor.AddChangeListener(func(ch health.Change) {
		metrics.CircuitTransitions.WithLabelValues(string(ch.Role), string(ch.State)).Inc()
	})
	monitor.SetResultHook(func(role health.Role, _ string, _ bool, latency time.Duration) {
		if latency > 0 {
			metrics.ObserveProviderLatency(string(role), latency)
		}
	})

	voiceSetup, err := resolveVoiceProviders(cfg, monitor)
	if err != nil {
		_ = transcripts.Close()
		return nil, err
	}
	// Ensure API handlers know which backend is active (voices list, preview guard).
	cfg.VoiceProvider = voiceSetup.resolvedProvider

	languageSetup, err := resolveLanguageClient(cfg, monitor)
	if err != nil {
		_ = transcripts.Close()
		return nil, err
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	runtime := NewRuntime(cfg, sessions, transcripts, voiceSetup.recognizer, voiceSetup.synthesizer, languageSetup.client, metrics)

	// The bench harness probes the same routed providers live sessions
	// use, so its numbers include circuit and fallback behavior.
	probeTemplate := turn.Config{
		VoiceID:      voiceSetup.defaultVoiceID,
		SynthModelID: voiceSetup.defaultModelID,
		SynthSettings: voice.SynthSettings{
			Stability:       cfg.SynthStability,
			SimilarityBoost: cfg.SynthSimilarityBoost,
			Speed:           cfg.SynthSpeed,
		},
		SampleRate:    cfg.AudioSampleRate,
		PrefetchDepth: cfg.SynthPrefetchDepth,
		ConfirmWindow: cfg.InterruptConfirmWindow,
	}
	prober := bench.NewControllerProber(probeTemplate, voiceSetup.recognizer, voiceSetup.synthesizer, languageSetup.client)
	benchSvc := bench.New(bench.Config{
		Enabled:     cfg.BenchEnabled,
		DatabaseURL: cfg.DatabaseURL,
		TurnTimeout: cfg.BenchTurnTimeout,
	}, prober, metrics)

	api := httpapi.New(cfg, sessions, runtime, monitor, benchSvc, metrics)

	cleanup := func() error {
		var errs []string
		if err := benchSvc.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := transcripts.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Runtime:  runtime,
		Monitor:  monitor,
		Bench:    benchSvc,
		Metrics:  metrics,
		Voice: VoiceInfo{
			Provider:       cfg.VoiceProvider,
			Detail:         voiceSetup.detail,
			DefaultVoiceID: voiceSetup.defaultVoiceID,
			DefaultModelID: voiceSetup.defaultModelID,
		},
		Language: LanguageInfo{
			Mode:   languageSetup.resolvedMode,
			Detail: languageSetup.detail,
		},
		Cleanup: cleanup,
	}, nil
}
