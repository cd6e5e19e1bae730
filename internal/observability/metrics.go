package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names observed per turn. The bench harness and the latency endpoint
// share this vocabulary.
const (
	StageRecognizerLatency = "recognizer_latency"
	StageLLMFirstToken     = "llm_first_token"
	StageSynthFirstByte    = "synth_first_byte"
	StageTurnE2E           = "turn_e2e"
	StageTurnTotal         = "turn_total"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	TurnStates         *prometheus.CounterVec
	Interruptions      *prometheus.CounterVec
	CircuitTransitions *prometheus.CounterVec
	ProviderCost       *prometheus.CounterVec
	FirstAudioLatency  prometheus.Histogram
	BenchTurns         *prometheus.CounterVec

	stageWindow *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active tutoring sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by role and code.",
		}, []string{"role", "code"}),
		ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_ms",
			Help:      "Adapter call latency by provider role in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 900, 1200, 2000},
		}, []string{"role"}),
		TurnStates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_state_transitions_total",
			Help:      "Turn controller state entries by state.",
		}, []string{"state"}),
		Interruptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Barge-in resolutions by outcome.",
		}, []string{"outcome"}),
		CircuitTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Provider circuit transitions by role and resulting state.",
		}, []string{"role", "state"}),
		ProviderCost: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_cost_units_total",
			Help:      "Accrued provider cost units by role.",
		}, []string{"role"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from utterance commit to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		BenchTurns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bench_turns_total",
			Help:      "Latency harness turns by outcome.",
		}, []string{"outcome"}),
		stageWindow: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.ObserveTurnStage(StageTurnE2E, d)
}

func (m *Metrics) ObserveProviderLatency(role string, d time.Duration) {
	m.ProviderLatency.WithLabelValues(role).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveBenchTurn(outcome string) {
	m.BenchTurns.WithLabelValues(outcome).Inc()
}

// ObserveTurnStage records one per-turn stage sample in the rolling window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	m.stageWindow.Observe(stage, float64(d.Milliseconds()))
}

// ObserveTurnIndicator counts a named per-turn event in the rolling window.
func (m *Metrics) ObserveTurnIndicator(name string) {
	m.stageWindow.ObserveIndicator(name)
}

// SnapshotTurnStages returns the rolling latency window for the ops endpoint.
func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.stageWindow.Snapshot()
}

// ResetTurnStages clears the rolling window (bench runs start clean).
func (m *Metrics) ResetTurnStages() {
	m.stageWindow.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
