package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the tutoring voice service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	VoiceProvider string

	RealtimeAPIKey            string
	RealtimeWSBaseURL         string
	RealtimeRecognizerModel   string
	RealtimeSynthModel        string
	RealtimeSynthOutputFormat string

	DefaultVoiceID       string
	SynthStability       float64
	SynthSimilarityBoost float64
	SynthSpeed           float64

	LLMAdapterMode       string
	LLMHTTPURL           string
	LLMAPIKey            string
	LLMModel             string
	LLMStreamStrict      bool
	LLMFirstDeltaTimeout time.Duration

	InterruptConfirmWindow time.Duration
	SynthPrefetchDepth     int
	AudioSampleRate        int
	AudioFrameMs           int

	BreakerUnhealthyThreshold int
	BreakerHealthyThreshold   int
	BreakerResetTimeout       time.Duration

	DatabaseURL string

	BenchEnabled     bool
	BenchTurnTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "mentora"),
		AllowAnyOrigin:   false,
		VoiceProvider:    envOrDefault("VOICE_PROVIDER", "auto"),
		RealtimeAPIKey:   stringsTrimSpace("REALTIME_API_KEY"),
		// Empty base URL keeps auto mode on the mock backend until a vendor
		// endpoint is configured.
		RealtimeWSBaseURL:         stringsTrimSpace("REALTIME_WS_BASE_URL"),
		RealtimeRecognizerModel:   envOrDefault("REALTIME_RECOGNIZER_MODEL_ID", "rt_general_v1"),
		RealtimeSynthModel:        envOrDefault("REALTIME_SYNTH_MODEL_ID", "rt_expressive_v2"),
		RealtimeSynthOutputFormat: envOrDefault("REALTIME_SYNTH_OUTPUT_FORMAT", "pcm_16000"),
		DefaultVoiceID:            envOrDefault("APP_DEFAULT_VOICE_ID", "tutor_1"),
		SynthStability:            0.42,
		SynthSimilarityBoost:      0.85,
		SynthSpeed:                1.0,
		LLMAdapterMode:            envOrDefault("LLM_ADAPTER_MODE", "auto"),
		LLMHTTPURL:                stringsTrimSpace("LLM_HTTP_URL"),
		LLMAPIKey:                 stringsTrimSpace("LLM_API_KEY"),
		LLMModel:                  stringsTrimSpace("LLM_MODEL_ID"),
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:           15 * time.Second,
		SessionInactivityTimeout:  2 * time.Minute,
		LLMFirstDeltaTimeout:      2 * time.Second,
		InterruptConfirmWindow:    600 * time.Millisecond,
		SynthPrefetchDepth:        2,
		AudioSampleRate:           16000,
		AudioFrameMs:              100,
		BreakerUnhealthyThreshold: 3,
		BreakerHealthyThreshold:   2,
		BreakerResetTimeout:       30 * time.Second,
		BenchEnabled:              true,
		BenchTurnTimeout:          30 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthStability, err = floatFromEnv("APP_SYNTH_STABILITY", cfg.SynthStability)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthSimilarityBoost, err = floatFromEnv("APP_SYNTH_SIMILARITY_BOOST", cfg.SynthSimilarityBoost)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthSpeed, err = floatFromEnv("APP_SYNTH_SPEED", cfg.SynthSpeed)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMStreamStrict, err = boolFromEnv("LLM_STREAM_STRICT", cfg.LLMStreamStrict)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMFirstDeltaTimeout, err = durationFromEnv("LLM_FIRST_DELTA_TIMEOUT", cfg.LLMFirstDeltaTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InterruptConfirmWindow, err = durationFromEnv("APP_INTERRUPT_CONFIRM_WINDOW", cfg.InterruptConfirmWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthPrefetchDepth, err = intFromEnv("APP_SYNTH_PREFETCH_DEPTH", cfg.SynthPrefetchDepth)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSampleRate, err = intFromEnv("APP_AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioFrameMs, err = intFromEnv("APP_AUDIO_FRAME_MS", cfg.AudioFrameMs)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerUnhealthyThreshold, err = intFromEnv("APP_BREAKER_UNHEALTHY_THRESHOLD", cfg.BreakerUnhealthyThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerHealthyThreshold, err = intFromEnv("APP_BREAKER_HEALTHY_THRESHOLD", cfg.BreakerHealthyThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerResetTimeout, err = durationFromEnv("APP_BREAKER_RESET_TIMEOUT", cfg.BreakerResetTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BenchEnabled, err = boolFromEnv("APP_BENCH_ENABLED", cfg.BenchEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.BenchTurnTimeout, err = durationFromEnv("APP_BENCH_TURN_TIMEOUT", cfg.BenchTurnTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.InterruptConfirmWindow < 100*time.Millisecond {
		return Config{}, fmt.Errorf("APP_INTERRUPT_CONFIRM_WINDOW must be at least 100ms")
	}
	if cfg.SynthPrefetchDepth <= 0 {
		return Config{}, fmt.Errorf("APP_SYNTH_PREFETCH_DEPTH must be positive")
	}
	if cfg.AudioSampleRate <= 0 {
		return Config{}, fmt.Errorf("APP_AUDIO_SAMPLE_RATE must be positive")
	}
	if cfg.AudioFrameMs < 20 || cfg.AudioFrameMs > 500 {
		return Config{}, fmt.Errorf("APP_AUDIO_FRAME_MS must be between 20 and 500")
	}
	if cfg.BreakerUnhealthyThreshold <= 0 {
		return Config{}, fmt.Errorf("APP_BREAKER_UNHEALTHY_THRESHOLD must be positive")
	}
	if cfg.BreakerHealthyThreshold <= 0 {
		return Config{}, fmt.Errorf("APP_BREAKER_HEALTHY_THRESHOLD must be positive")
	}
	if cfg.BreakerResetTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_BREAKER_RESET_TIMEOUT must be positive")
	}
	if cfg.SynthStability <= 0 || cfg.SynthStability > 1 {
		return Config{}, fmt.Errorf("APP_SYNTH_STABILITY must be in (0, 1]")
	}
	if cfg.SynthSimilarityBoost <= 0 || cfg.SynthSimilarityBoost > 1 {
		return Config{}, fmt.Errorf("APP_SYNTH_SIMILARITY_BOOST must be in (0, 1]")
	}
	if cfg.SynthSpeed <= 0 {
		return Config{}, fmt.Errorf("APP_SYNTH_SPEED must be positive")
	}
	if cfg.BenchTurnTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_BENCH_TURN_TIMEOUT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
