package turn

import (
	"time"

	"github.com/ent0n29/mentora/internal/observability"
)

// TurnMetrics is the sealed per-turn record handed to telemetry once a
// turn finishes. Durations are zero when the turn never reached the
// corresponding stage.
type TurnMetrics struct {
	TurnID            string        `json:"turn_id"`
	RecognizerLatency time.Duration `json:"recognizer_latency"`
	FirstTokenLatency time.Duration `json:"first_token_latency"`
	FirstSynthLatency time.Duration `json:"first_synth_latency"`
	EndToEndLatency   time.Duration `json:"end_to_end_latency"`
	SynthCostChars    int           `json:"synth_cost_chars"`
	UnitsSynthesized  int           `json:"units_synthesized"`
	UnitsFailed       int           `json:"units_failed"`
	Interrupted       bool          `json:"interrupted"`
	SealedAt          time.Time     `json:"sealed_at"`
}

// turnMetricsCollector accumulates stage timestamps for one turn. It is
// owned by the controller loop and never touched from other goroutines.
// Every Mark method keeps the first timestamp it sees and ignores the
// rest, so retries and duplicate events cannot skew a sample.
type turnMetricsCollector struct {
	turnID         string
	speechEndAt    time.Time
	committedAt    time.Time
	llmRequestAt   time.Time
	firstTokenAt   time.Time
	synthRequestAt time.Time
	firstAudioAt   time.Time
	costChars      int
	unitsOK        int
	unitsFailed    int
	interrupted    bool
	sealed         bool
	record         TurnMetrics
}

func newTurnMetricsCollector(turnID string) *turnMetricsCollector {
	return &turnMetricsCollector{turnID: turnID}
}

func (c *turnMetricsCollector) MarkSpeechEnd(t time.Time) {
	if c.sealed || !c.speechEndAt.IsZero() {
		return
	}
	c.speechEndAt = t
}

func (c *turnMetricsCollector) MarkCommitted(t time.Time) {
	if c.sealed || !c.committedAt.IsZero() {
		return
	}
	c.committedAt = t
	if c.speechEndAt.IsZero() {
		// No explicit end-of-speech marker arrived; the commit itself
		// is the best available proxy.
		c.speechEndAt = t
	}
}

func (c *turnMetricsCollector) MarkLanguageRequest(t time.Time) {
	if c.sealed || !c.llmRequestAt.IsZero() {
		return
	}
	c.llmRequestAt = t
}

func (c *turnMetricsCollector) MarkFirstToken(t time.Time) {
	if c.sealed || !c.firstTokenAt.IsZero() {
		return
	}
	c.firstTokenAt = t
}

func (c *turnMetricsCollector) MarkSynthRequest(t time.Time) {
	if c.sealed || !c.synthRequestAt.IsZero() {
		return
	}
	c.synthRequestAt = t
}

func (c *turnMetricsCollector) MarkFirstAudio(t time.Time) {
	if c.sealed || !c.firstAudioAt.IsZero() {
		return
	}
	c.firstAudioAt = t
}

// ChargeSynthesis accrues character cost for one dispatched unit. Failed
// units are charged too: the provider bills for submitted text whether or
// not audio came back.
func (c *turnMetricsCollector) ChargeSynthesis(chars int, ok bool) {
	if c.sealed || chars < 0 {
		return
	}
	c.costChars += chars
	if ok {
		c.unitsOK++
	} else {
		c.unitsFailed++
	}
}

func (c *turnMetricsCollector) MarkInterrupted() {
	if c.sealed {
		return
	}
	c.interrupted = true
}

// Seal freezes the record, publishes the stage samples, and returns the
// per-turn summary. Later calls return the same record without observing
// anything again.
func (c *turnMetricsCollector) Seal(now time.Time, metrics *observability.Metrics) TurnMetrics {
	if c.sealed {
		return c.record
	}
	c.sealed = true

	rec := TurnMetrics{
		TurnID:           c.turnID,
		SynthCostChars:   c.costChars,
		UnitsSynthesized: c.unitsOK,
		UnitsFailed:      c.unitsFailed,
		Interrupted:      c.interrupted,
		SealedAt:         now,
	}
	if !c.speechEndAt.IsZero() && !c.committedAt.IsZero() && !c.committedAt.Before(c.speechEndAt) {
		rec.RecognizerLatency = c.committedAt.Sub(c.speechEndAt)
	}
	if !c.llmRequestAt.IsZero() && !c.firstTokenAt.IsZero() {
		rec.FirstTokenLatency = c.firstTokenAt.Sub(c.llmRequestAt)
	}
	if !c.synthRequestAt.IsZero() && !c.firstAudioAt.IsZero() {
		rec.FirstSynthLatency = c.firstAudioAt.Sub(c.synthRequestAt)
	}
	if !c.speechEndAt.IsZero() && !c.firstAudioAt.IsZero() {
		rec.EndToEndLatency = c.firstAudioAt.Sub(c.speechEndAt)
	}
	c.record = rec

	if metrics != nil {
		if rec.SynthCostChars > 0 {
			metrics.ProviderCost.WithLabelValues("synthesizer").Add(float64(rec.SynthCostChars))
		}
		if rec.RecognizerLatency > 0 {
			metrics.ObserveTurnStage(observability.StageRecognizerLatency, rec.RecognizerLatency)
		}
		if rec.FirstTokenLatency > 0 {
			metrics.ObserveTurnStage(observability.StageLLMFirstToken, rec.FirstTokenLatency)
		}
		if rec.FirstSynthLatency > 0 {
			metrics.ObserveTurnStage(observability.StageSynthFirstByte, rec.FirstSynthLatency)
		}
		if rec.EndToEndLatency > 0 {
			// Feeds both the histogram and the turn_e2e stage window.
			metrics.ObserveFirstAudioLatency(rec.EndToEndLatency)
		}
		if !c.committedAt.IsZero() {
			metrics.ObserveTurnStage(observability.StageTurnTotal, now.Sub(c.committedAt))
		}
		if rec.Interrupted {
			metrics.ObserveTurnIndicator("interruption_confirmed")
		}
		if rec.UnitsFailed > 0 {
			metrics.ObserveTurnIndicator("synthesis_unit_failed")
		}
	}
	return rec
}
