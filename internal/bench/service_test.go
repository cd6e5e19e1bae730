package bench

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type probeScript struct {
	timing TurnTiming
	err    error
}

type fakeProbeSession struct {
	mu      sync.Mutex
	id      string
	scripts []probeScript
	calls   []TurnSpec
	block   chan struct{}
	closed  bool
}

func (s *fakeProbeSession) SessionID() string { return s.id }

func (s *fakeProbeSession) RunTurn(ctx context.Context, spec TurnSpec, _ int) (TurnTiming, error) {
	s.mu.Lock()
	s.calls = append(s.calls, spec)
	var script probeScript
	if len(s.scripts) > 0 {
		script = s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return TurnTiming{}, ctx.Err()
		}
	}
	return script.timing, script.err
}

func (s *fakeProbeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeProbeSession) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeProbeSession) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeProber struct {
	session *fakeProbeSession
	openErr error
}

func (p *fakeProber) Open(context.Context) (ProbeSession, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	return p.session, nil
}

func newBenchService(t *testing.T, prober Prober) *Service {
	t.Helper()
	svc := New(Config{Enabled: true, TurnTimeout: 2 * time.Second}, prober, nil)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func registerFastSuite(t *testing.T, svc *Service, texts ...string) Suite {
	t.Helper()
	utterances := make([]Utterance, 0, len(texts))
	for _, text := range texts {
		utterances = append(utterances, Utterance{Text: text})
	}
	suite, err := svc.RegisterSuite(Suite{
		Name:        "fast",
		Utterances:  utterances,
		Repetitions: 1,
		FrameMs:     20,
	})
	if err != nil {
		t.Fatalf("RegisterSuite() error = %v", err)
	}
	return suite
}

func waitForRun(t *testing.T, svc *Service, runID string, cond func(Run) bool) Run {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := svc.GetRun(runID)
		if err == nil && cond(run) {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, err := svc.GetRun(runID)
	t.Fatalf("run %s never reached condition, last = %+v err = %v", runID, run, err)
	return Run{}
}

func TestServiceRunExecutesSuite(t *testing.T) {
	session := &fakeProbeSession{
		id: "bench-fake-1",
		scripts: []probeScript{
			{timing: TurnTiming{RecognizerMs: 420, FirstTokenMs: 510, FirstAudioMs: 640, EndToEndMs: 900, ResponseChars: 64, AudioBytes: 4096}},
			{timing: TurnTiming{RecognizerMs: 380, FirstTokenMs: 470, FirstAudioMs: 600, EndToEndMs: 1100, ResponseChars: 58, AudioBytes: 3800}},
		},
	}
	svc := newBenchService(t, &fakeProber{session: session})
	suite := registerFastSuite(t, svc, "What causes the seasons to change?", "Why does ice float on water?")

	started, err := svc.StartRun(suite.ID)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	run := waitForRun(t, svc, started.ID, Run.Terminal)
	if run.Status != RunStatusCompleted {
		t.Fatalf("Status = %q (error %q), want %q", run.Status, run.Error, RunStatusCompleted)
	}
	if run.CompletedTurns != 2 || len(run.Results) != 2 {
		t.Fatalf("CompletedTurns/Results = %d/%d, want 2/2", run.CompletedTurns, len(run.Results))
	}
	if run.SessionID != "bench-fake-1" {
		t.Fatalf("SessionID = %q, want probe session id", run.SessionID)
	}
	if run.Results[0].Utterance != suite.Utterances[0].Text || run.Results[0].UtteranceSeq != 1 {
		t.Fatalf("first result = %+v, want first utterance", run.Results[0])
	}
	if run.Results[0].EndToEndMs != 900 || run.Results[1].EndToEndMs != 1100 {
		t.Fatalf("end-to-end = %v/%v, want 900/1100", run.Results[0].EndToEndMs, run.Results[1].EndToEndMs)
	}
	if run.Results[1].Repetition != 1 {
		t.Fatalf("Repetition = %d, want 1", run.Results[1].Repetition)
	}
	if !session.wasClosed() {
		t.Fatalf("probe session not closed after run")
	}

	_, sum, err := svc.RunSummary(started.ID)
	if err != nil {
		t.Fatalf("RunSummary() error = %v", err)
	}
	if sum.Turns != 2 || sum.Failures != 0 {
		t.Fatalf("summary Turns/Failures = %d/%d, want 2/0", sum.Turns, sum.Failures)
	}
	if sum.P50EndToEndMs != 1000 {
		t.Fatalf("P50EndToEndMs = %v, want 1000", sum.P50EndToEndMs)
	}
}

func TestServiceRejectsOverlappingRuns(t *testing.T) {
	session := &fakeProbeSession{id: "bench-fake-2", block: make(chan struct{})}
	svc := newBenchService(t, &fakeProber{session: session})
	suite := registerFastSuite(t, svc, "Explain how photosynthesis works.")

	started, err := svc.StartRun(suite.ID)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	// The first turn is parked on the block channel, so the slot stays taken.
	deadline := time.Now().Add(time.Second)
	for session.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := svc.StartRun(suite.ID); !errors.Is(err, ErrRunActive) {
		t.Fatalf("overlapping StartRun() error = %v, want ErrRunActive", err)
	}

	close(session.block)
	waitForRun(t, svc, started.ID, Run.Terminal)

	if _, err := svc.StartRun(suite.ID); err != nil {
		t.Fatalf("StartRun() after completion error = %v", err)
	}
}

func TestServiceRecordsFailedTurns(t *testing.T) {
	session := &fakeProbeSession{
		id: "bench-fake-3",
		scripts: []probeScript{
			{err: errors.New(`turn ended with reason "error"`)},
			{timing: TurnTiming{EndToEndMs: 840}},
		},
	}
	svc := newBenchService(t, &fakeProber{session: session})
	suite := registerFastSuite(t, svc, "q one", "q two")

	started, err := svc.StartRun(suite.ID)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	run := waitForRun(t, svc, started.ID, Run.Terminal)
	if run.Status != RunStatusCompleted {
		t.Fatalf("Status = %q, want completed even with a failed turn", run.Status)
	}
	if len(run.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2", len(run.Results))
	}
	if run.Results[0].Error == "" || run.Results[0].Success() {
		t.Fatalf("first result = %+v, want recorded failure", run.Results[0])
	}
	if !run.Results[1].Success() {
		t.Fatalf("second result = %+v, want success", run.Results[1])
	}

	_, sum, err := svc.RunSummary(started.ID)
	if err != nil {
		t.Fatalf("RunSummary() error = %v", err)
	}
	if sum.Failures != 1 || sum.P50EndToEndMs != 840 {
		t.Fatalf("summary = %+v, want one failure excluded from quantiles", sum)
	}
}

func TestServiceCancelRunStopsMidSuite(t *testing.T) {
	session := &fakeProbeSession{id: "bench-fake-4", block: make(chan struct{})}
	svc := newBenchService(t, &fakeProber{session: session})
	suite := registerFastSuite(t, svc, "q one", "q two", "q three")

	started, err := svc.StartRun(suite.ID)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for session.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	cancelled, err := svc.CancelRun(started.ID, "operator stop")
	if err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}
	if cancelled.Status != RunStatusCancelled {
		t.Fatalf("Status = %q, want %q", cancelled.Status, RunStatusCancelled)
	}

	run := waitForRun(t, svc, started.ID, func(r Run) bool { return r.Terminal() })
	if run.Status != RunStatusCancelled {
		t.Fatalf("final Status = %q, want cancelled", run.Status)
	}
	if len(run.Results) != 0 {
		t.Fatalf("len(Results) = %d, want 0 (aborted turn is not a result)", len(run.Results))
	}
	if session.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1 (no turns after cancel)", session.callCount())
	}

	waitDeadline := time.Now().Add(time.Second)
	for !session.wasClosed() && time.Now().Before(waitDeadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !session.wasClosed() {
		t.Fatalf("probe session not closed after cancel")
	}
}

func TestServiceFailsRunWhenProbeSessionWontOpen(t *testing.T) {
	svc := newBenchService(t, &fakeProber{openErr: errors.New("recognizer circuit open")})
	suite := registerFastSuite(t, svc, "q one")

	started, err := svc.StartRun(suite.ID)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	run := waitForRun(t, svc, started.ID, Run.Terminal)
	if run.Status != RunStatusFailed {
		t.Fatalf("Status = %q, want %q", run.Status, RunStatusFailed)
	}
	if !strings.Contains(run.Error, "open probe session") {
		t.Fatalf("Error = %q, want open failure detail", run.Error)
	}
}

func TestServiceDisabled(t *testing.T) {
	svc := New(Config{Enabled: false}, nil, nil)
	if svc.Enabled() {
		t.Fatalf("Enabled() = true, want false")
	}
	if svc.StoreMode() != "disabled" {
		t.Fatalf("StoreMode() = %q, want disabled", svc.StoreMode())
	}
	if _, err := svc.StartRun("any"); err == nil {
		t.Fatalf("StartRun() on disabled service did not fail")
	}
	if _, err := svc.RegisterSuite(testSuite("x")); err == nil {
		t.Fatalf("RegisterSuite() on disabled service did not fail")
	}
}

func TestServiceRegistersDefaultSuites(t *testing.T) {
	svc := newBenchService(t, &fakeProber{session: &fakeProbeSession{id: "bench-fake-5"}})
	suites := svc.ListSuites()
	if len(suites) < 2 {
		t.Fatalf("len(ListSuites()) = %d, want the built-in suites", len(suites))
	}
	byID := map[string]Suite{}
	for _, s := range suites {
		byID[s.ID] = s
	}
	smoke, ok := byID["smoke"]
	if !ok {
		t.Fatalf("built-in smoke suite missing: %v", byID)
	}
	if smoke.Repetitions != 1 || len(smoke.Utterances) == 0 {
		t.Fatalf("smoke suite = %+v, want single-repetition suite", smoke)
	}
	if _, ok := byID["sustained"]; !ok {
		t.Fatalf("built-in sustained suite missing")
	}
}
