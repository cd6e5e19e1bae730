package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.VoiceProvider != "auto" {
		t.Fatalf("VoiceProvider = %q, want %q", cfg.VoiceProvider, "auto")
	}
	if cfg.LLMAdapterMode != "auto" {
		t.Fatalf("LLMAdapterMode = %q, want %q", cfg.LLMAdapterMode, "auto")
	}
	if cfg.InterruptConfirmWindow != 600*time.Millisecond {
		t.Fatalf("InterruptConfirmWindow = %v, want 600ms", cfg.InterruptConfirmWindow)
	}
	if cfg.SynthPrefetchDepth != 2 {
		t.Fatalf("SynthPrefetchDepth = %d, want 2", cfg.SynthPrefetchDepth)
	}
	if cfg.AudioSampleRate != 16000 {
		t.Fatalf("AudioSampleRate = %d, want 16000", cfg.AudioSampleRate)
	}
	if cfg.AudioFrameMs != 100 {
		t.Fatalf("AudioFrameMs = %d, want 100", cfg.AudioFrameMs)
	}
	if cfg.BreakerUnhealthyThreshold != 3 || cfg.BreakerHealthyThreshold != 2 {
		t.Fatalf("breaker thresholds = %d/%d, want 3/2", cfg.BreakerUnhealthyThreshold, cfg.BreakerHealthyThreshold)
	}
	if cfg.BreakerResetTimeout != 30*time.Second {
		t.Fatalf("BreakerResetTimeout = %v, want 30s", cfg.BreakerResetTimeout)
	}
	if cfg.RealtimeWSBaseURL != "" {
		t.Fatalf("RealtimeWSBaseURL = %q, want empty default", cfg.RealtimeWSBaseURL)
	}
	if !cfg.BenchEnabled {
		t.Fatalf("BenchEnabled = false, want true by default")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_INTERRUPT_CONFIRM_WINDOW", "450ms")
	t.Setenv("APP_SYNTH_PREFETCH_DEPTH", "4")
	t.Setenv("APP_AUDIO_FRAME_MS", "40")
	t.Setenv("APP_BREAKER_RESET_TIMEOUT", "10s")
	t.Setenv("APP_SYNTH_SPEED", "1.1")
	t.Setenv("APP_BENCH_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InterruptConfirmWindow != 450*time.Millisecond {
		t.Fatalf("InterruptConfirmWindow = %v, want 450ms", cfg.InterruptConfirmWindow)
	}
	if cfg.SynthPrefetchDepth != 4 {
		t.Fatalf("SynthPrefetchDepth = %d, want 4", cfg.SynthPrefetchDepth)
	}
	if cfg.AudioFrameMs != 40 {
		t.Fatalf("AudioFrameMs = %d, want 40", cfg.AudioFrameMs)
	}
	if cfg.BreakerResetTimeout != 10*time.Second {
		t.Fatalf("BreakerResetTimeout = %v, want 10s", cfg.BreakerResetTimeout)
	}
	if cfg.SynthSpeed != 1.1 {
		t.Fatalf("SynthSpeed = %v, want 1.1", cfg.SynthSpeed)
	}
	if cfg.BenchEnabled {
		t.Fatalf("BenchEnabled = true, want false")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "short confirm window", key: "APP_INTERRUPT_CONFIRM_WINDOW", value: "50ms"},
		{name: "zero prefetch depth", key: "APP_SYNTH_PREFETCH_DEPTH", value: "0"},
		{name: "frame too short", key: "APP_AUDIO_FRAME_MS", value: "5"},
		{name: "frame too long", key: "APP_AUDIO_FRAME_MS", value: "900"},
		{name: "unparsable duration", key: "APP_BREAKER_RESET_TIMEOUT", value: "soon"},
		{name: "stability above one", key: "APP_SYNTH_STABILITY", value: "1.4"},
		{name: "short inactivity timeout", key: "APP_SESSION_INACTIVITY_TIMEOUT", value: "1s"},
		{name: "bad bool", key: "APP_BENCH_ENABLED", value: "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s did not fail", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_DEFAULT_VOICE_ID",
		"APP_SYNTH_STABILITY",
		"APP_SYNTH_SIMILARITY_BOOST",
		"APP_SYNTH_SPEED",
		"APP_INTERRUPT_CONFIRM_WINDOW",
		"APP_SYNTH_PREFETCH_DEPTH",
		"APP_AUDIO_SAMPLE_RATE",
		"APP_AUDIO_FRAME_MS",
		"APP_BREAKER_UNHEALTHY_THRESHOLD",
		"APP_BREAKER_HEALTHY_THRESHOLD",
		"APP_BREAKER_RESET_TIMEOUT",
		"APP_BENCH_ENABLED",
		"APP_BENCH_TURN_TIMEOUT",
		"VOICE_PROVIDER",
		"REALTIME_API_KEY",
		"REALTIME_WS_BASE_URL",
		"REALTIME_RECOGNIZER_MODEL_ID",
		"REALTIME_SYNTH_MODEL_ID",
		"REALTIME_SYNTH_OUTPUT_FORMAT",
		"LLM_ADAPTER_MODE",
		"LLM_HTTP_URL",
		"LLM_API_KEY",
		"LLM_MODEL_ID",
		"LLM_STREAM_STRICT",
		"LLM_FIRST_DELTA_TIMEOUT",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
