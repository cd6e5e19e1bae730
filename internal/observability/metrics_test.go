package observability

import (
	"testing"
	"time"
)

// One shared Metrics for the package tests: promauto registers into the
// default registry, so a second NewMetrics in the same binary would panic.
var testMetrics = NewMetrics("mentora_test")

func TestObserveFirstAudioLatencyFeedsStageWindow(t *testing.T) {
	testMetrics.ResetTurnStages()
	testMetrics.ObserveFirstAudioLatency(850 * time.Millisecond)

	snap := testMetrics.SnapshotTurnStages()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(snap.Stages) = %d, want 1", len(snap.Stages))
	}
	if snap.Stages[0].Stage != StageTurnE2E {
		t.Fatalf("Stage = %q, want %q", snap.Stages[0].Stage, StageTurnE2E)
	}
	if snap.Stages[0].LastMS != 850 {
		t.Fatalf("LastMS = %v, want 850", snap.Stages[0].LastMS)
	}
}

func TestResetTurnStagesClearsWindow(t *testing.T) {
	testMetrics.ObserveTurnStage(StageLLMFirstToken, 420*time.Millisecond)
	testMetrics.ObserveTurnIndicator("interruption_confirmed")
	testMetrics.ResetTurnStages()

	snap := testMetrics.SnapshotTurnStages()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("SnapshotTurnStages after reset = %+v, want empty", snap)
	}
}
