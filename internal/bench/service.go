package bench

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/mentora/internal/observability"
)

type Config struct {
	Enabled     bool
	DatabaseURL string
	TurnTimeout time.Duration
}

// Service owns the latency harness: suite registry, run lifecycle, and
// the background goroutine that pushes a run's turns through a probe
// session one at a time.
type Service struct {
	enabled     bool
	storeMode   string
	turnTimeout time.Duration
	manager     *Manager
	prober      Prober
	store       Store
	metrics     *observability.Metrics

	mu             sync.Mutex
	runningCancels map[string]context.CancelFunc
}

func New(cfg Config, prober Prober, metrics *observability.Metrics) *Service {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 30 * time.Second
	}

	manager := NewManager()
	var store Store
	storeMode := "disabled"
	if cfg.Enabled {
		storeMode = "in-memory"
		if st, err := NewStore(context.Background(), cfg.DatabaseURL); err == nil {
			store = st
			if store != nil {
				manager.SetStore(store)
				storeMode = "postgres"
			}
		}
		for _, suite := range DefaultSuites() {
			_, _ = manager.RegisterSuite(suite)
		}
	}

	return &Service{
		enabled:        cfg.Enabled,
		storeMode:      storeMode,
		turnTimeout:    cfg.TurnTimeout,
		manager:        manager,
		prober:         prober,
		store:          store,
		metrics:        metrics,
		runningCancels: make(map[string]context.CancelFunc),
	}
}

func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

func (s *Service) StoreMode() string {
	if s == nil {
		return "disabled"
	}
	return s.storeMode
}

func (s *Service) RegisterSuite(suite Suite) (Suite, error) {
	if !s.Enabled() {
		return Suite{}, errors.New("bench harness is disabled")
	}
	return s.manager.RegisterSuite(suite)
}

func (s *Service) GetSuite(suiteID string) (Suite, error) {
	if s == nil {
		return Suite{}, errors.New("bench harness unavailable")
	}
	return s.manager.GetSuite(suiteID)
}

func (s *Service) ListSuites() []Suite {
	if s == nil {
		return nil
	}
	return s.manager.ListSuites()
}

// StartRun claims the run slot and begins executing the suite in the
// background. Turn results stream into the run as they complete.
func (s *Service) StartRun(suiteID string) (Run, error) {
	if !s.Enabled() {
		return Run{}, errors.New("bench harness is disabled")
	}
	if s.prober == nil {
		return Run{}, errors.New("bench harness has no session prober")
	}
	suite, err := s.manager.GetSuite(suiteID)
	if err != nil {
		return Run{}, err
	}

	run, err := s.manager.StartRun(suite, "")
	if err != nil {
		return Run{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.setRunningCancel(run.ID, cancel)
	go s.executeRun(runCtx, cancel, run.ID, suite)
	return run, nil
}

func (s *Service) executeRun(ctx context.Context, cancel context.CancelFunc, runID string, suite Suite) {
	defer cancel()
	defer s.clearRunningCancel(runID)

	// Bench runs get a clean latency window so the snapshot after the
	// run reflects this run only.
	if s.metrics != nil {
		s.metrics.ResetTurnStages()
	}

	sess, err := s.prober.Open(ctx)
	if err != nil {
		_, _ = s.manager.FailRun(runID, "open probe session: "+err.Error())
		return
	}
	defer sess.Close()
	s.manager.AttachSession(runID, sess.SessionID())

	gap := time.Duration(suite.TurnGapMs) * time.Millisecond
	for _, spec := range suite.Turns() {
		if ctx.Err() != nil {
			break
		}

		turnCtx, turnCancel := context.WithTimeout(ctx, s.turnTimeout)
		timing, err := sess.RunTurn(turnCtx, spec, suite.FrameMs)
		turnCancel()

		if err != nil && ctx.Err() != nil {
			// Run cancelled mid-turn; the aborted turn is not a result.
			break
		}

		result := TurnResult{
			UtteranceSeq: spec.Utterance.Seq,
			Utterance:    spec.Utterance.Text,
			Repetition:   spec.Repetition,
		}
		if err != nil {
			result.Error = err.Error()
			s.countBenchTurn("failed")
		} else {
			result.RecognizerMs = timing.RecognizerMs
			result.FirstTokenMs = timing.FirstTokenMs
			result.FirstAudioMs = timing.FirstAudioMs
			result.EndToEndMs = timing.EndToEndMs
			result.ResponseChars = timing.ResponseChars
			result.AudioBytes = timing.AudioBytes
			s.countBenchTurn("completed")
		}
		if appendErr := s.manager.AppendResult(runID, result); appendErr != nil {
			break
		}

		if gap > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(gap):
			}
		}
	}

	if ctx.Err() != nil {
		_, _ = s.manager.CancelRun(runID, "run cancelled")
		return
	}
	_, _ = s.manager.CompleteRun(runID)
}

func (s *Service) CancelRun(runID, reason string) (Run, error) {
	if s == nil {
		return Run{}, errors.New("bench harness unavailable")
	}
	if cancel := s.getRunningCancel(runID); cancel != nil {
		cancel()
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by operator"
	}
	return s.manager.CancelRun(runID, reason)
}

func (s *Service) GetRun(runID string) (Run, error) {
	if s == nil {
		return Run{}, errors.New("bench harness unavailable")
	}
	return s.manager.GetRun(runID)
}

func (s *Service) ListRuns(limit int) []Run {
	if s == nil {
		return nil
	}
	return s.manager.ListRuns(limit)
}

// RunSummary returns the run plus its aggregate quantiles.
func (s *Service) RunSummary(runID string) (Run, Summary, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return Run{}, Summary{}, err
	}
	return run, Summarize(run.Results), nil
}

func (s *Service) countBenchTurn(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveBenchTurn(outcome)
	}
}

func (s *Service) setRunningCancel(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningCancels[runID] = cancel
}

func (s *Service) getRunningCancel(runID string) context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningCancels[runID]
}

func (s *Service) clearRunningCancel(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runningCancels, runID)
}

func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	for _, cancel := range s.runningCancels {
		cancel()
	}
	s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// DefaultSuites are registered at boot so operators can kick off a run
// without defining one first.
func DefaultSuites() []Suite {
	return []Suite{
		{
			ID:          "smoke",
			Name:        "Smoke",
			Description: "Three short tutoring questions, one pass each. A quick pipeline health read.",
			Utterances: []Utterance{
				{Text: "What causes the seasons to change?"},
				{Text: "Explain how photosynthesis works."},
				{Text: "Why does ice float on water?"},
			},
			Repetitions: 1,
			FrameMs:     defaultFrameMs,
			TurnGapMs:   defaultTurnGapMs,
		},
		{
			ID:          "sustained",
			Name:        "Sustained",
			Description: "Five questions repeated three times for stable quantiles.",
			Utterances: []Utterance{
				{Text: "What causes the seasons to change?"},
				{Text: "Explain how photosynthesis works."},
				{Text: "Why does ice float on water?"},
				{Text: "How do vaccines train the immune system?"},
				{Text: "What makes the sky look blue during the day?"},
			},
			Repetitions: 3,
			FrameMs:     defaultFrameMs,
			TurnGapMs:   defaultTurnGapMs,
		},
	}
}
