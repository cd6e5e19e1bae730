package bench

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

func testSuite(id string) Suite {
	return Suite{
		ID:   id,
		Name: "Turn latency",
		Utterances: []Utterance{
			{Text: "What causes the seasons to change?"},
			{Text: "Explain how photosynthesis works."},
		},
		Repetitions: 2,
	}
}

func TestManagerRegisterSuiteFillsDefaults(t *testing.T) {
	m := NewManager()

	suite, err := m.RegisterSuite(Suite{
		Name: "  Quick  ",
		Utterances: []Utterance{
			{Text: "  First question?  "},
			{Text: "   "},
			{Text: "Second question?"},
		},
	})
	if err != nil {
		t.Fatalf("RegisterSuite() error = %v", err)
	}
	if suite.ID == "" {
		t.Fatalf("suite.ID empty, want generated id")
	}
	if suite.Repetitions != defaultRepetitions {
		t.Fatalf("suite.Repetitions = %d, want %d", suite.Repetitions, defaultRepetitions)
	}
	if suite.FrameMs != defaultFrameMs {
		t.Fatalf("suite.FrameMs = %d, want %d", suite.FrameMs, defaultFrameMs)
	}
	if len(suite.Utterances) != 2 {
		t.Fatalf("len(Utterances) = %d, want 2 (blank dropped)", len(suite.Utterances))
	}
	if suite.Utterances[0].Seq != 1 || suite.Utterances[1].Seq != 2 {
		t.Fatalf("utterance seqs = %d,%d, want 1,2", suite.Utterances[0].Seq, suite.Utterances[1].Seq)
	}
	if suite.Utterances[0].Text != "First question?" {
		t.Fatalf("utterance text = %q, want trimmed", suite.Utterances[0].Text)
	}
	if suite.TotalTurns() != 2*defaultRepetitions {
		t.Fatalf("TotalTurns() = %d, want %d", suite.TotalTurns(), 2*defaultRepetitions)
	}
}

func TestManagerRegisterSuiteRejectsEmpty(t *testing.T) {
	m := NewManager()
	if _, err := m.RegisterSuite(Suite{Utterances: []Utterance{{Text: "hi"}}}); err == nil {
		t.Fatalf("RegisterSuite() with no name did not fail")
	}
	if _, err := m.RegisterSuite(Suite{Name: "empty", Utterances: []Utterance{{Text: "  "}}}); err == nil {
		t.Fatalf("RegisterSuite() with no utterances did not fail")
	}
}

func TestManagerSingleActiveRun(t *testing.T) {
	m := NewManager()
	suite, err := m.RegisterSuite(testSuite("suite-1"))
	if err != nil {
		t.Fatalf("RegisterSuite() error = %v", err)
	}

	first, err := m.StartRun(suite, "sess-1")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if first.Status != RunStatusRunning {
		t.Fatalf("first.Status = %q, want %q", first.Status, RunStatusRunning)
	}
	if first.TotalTurns != suite.TotalTurns() {
		t.Fatalf("first.TotalTurns = %d, want %d", first.TotalTurns, suite.TotalTurns())
	}

	if _, err := m.StartRun(suite, "sess-2"); !errors.Is(err, ErrRunActive) {
		t.Fatalf("second StartRun() error = %v, want ErrRunActive", err)
	}

	if _, err := m.CompleteRun(first.ID); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}
	if _, err := m.StartRun(suite, "sess-3"); err != nil {
		t.Fatalf("StartRun() after complete error = %v", err)
	}
}

func TestManagerAppendResultTracksProgress(t *testing.T) {
	m := NewManager()
	suite, _ := m.RegisterSuite(testSuite("suite-1"))
	run, err := m.StartRun(suite, "sess-1")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if err := m.AppendResult(run.ID, TurnResult{Utterance: "q1", EndToEndMs: 800}); err != nil {
		t.Fatalf("AppendResult() error = %v", err)
	}
	if err := m.AppendResult(run.ID, TurnResult{Utterance: "q2", Error: "turn timed out"}); err != nil {
		t.Fatalf("AppendResult() error = %v", err)
	}

	got, err := m.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.CompletedTurns != 2 {
		t.Fatalf("CompletedTurns = %d, want 2", got.CompletedTurns)
	}
	if len(got.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2", len(got.Results))
	}
	if got.Results[0].ID == "" || got.Results[0].CreatedAt.IsZero() {
		t.Fatalf("result id/timestamp not filled: %+v", got.Results[0])
	}
	if got.Results[0].RunID != run.ID {
		t.Fatalf("result RunID = %q, want %q", got.Results[0].RunID, run.ID)
	}

	if _, err := m.CompleteRun(run.ID); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}
	if err := m.AppendResult(run.ID, TurnResult{Utterance: "late"}); err != nil {
		t.Fatalf("AppendResult() after complete error = %v", err)
	}
	got, _ = m.GetRun(run.ID)
	if len(got.Results) != 2 {
		t.Fatalf("len(Results) after terminal append = %d, want 2", len(got.Results))
	}
}

func TestManagerCancelRunFreesSlotAndIsIdempotent(t *testing.T) {
	m := NewManager()
	suite, _ := m.RegisterSuite(testSuite("suite-1"))
	run, _ := m.StartRun(suite, "sess-1")

	cancelled, err := m.CancelRun(run.ID, "operator stop")
	if err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}
	if cancelled.Status != RunStatusCancelled {
		t.Fatalf("Status = %q, want %q", cancelled.Status, RunStatusCancelled)
	}
	if cancelled.Error != "operator stop" {
		t.Fatalf("Error = %q, want reason recorded", cancelled.Error)
	}
	if cancelled.CompletedAt == nil {
		t.Fatalf("CompletedAt = nil after cancel")
	}

	again, err := m.CancelRun(run.ID, "second stop")
	if err != nil {
		t.Fatalf("second CancelRun() error = %v", err)
	}
	if again.Error != "operator stop" {
		t.Fatalf("terminal run mutated by second cancel: %q", again.Error)
	}

	if _, err := m.StartRun(suite, "sess-2"); err != nil {
		t.Fatalf("StartRun() after cancel error = %v", err)
	}
}

func TestManagerGetRunFallsBackToStoreAndCaches(t *testing.T) {
	now := time.Now().UTC()
	persisted := Run{
		ID:        "run_store_1",
		SuiteID:   "suite-1",
		SuiteName: "Turn latency",
		Status:    RunStatusCompleted,
		StartedAt: now,
		Results: []TurnResult{
			{ID: "res-1", RunID: "run_store_1", Utterance: "q1", EndToEndMs: 750, CreatedAt: now},
		},
	}

	store := newFakeBenchStore(nil, []Run{persisted})
	m := NewManager()
	m.SetStore(store)

	got, err := m.GetRun(persisted.ID)
	if err != nil {
		t.Fatalf("GetRun() from store error = %v", err)
	}
	if got.ID != persisted.ID || len(got.Results) != 1 {
		t.Fatalf("GetRun() = %+v, want persisted run with one result", got)
	}

	store.deleteRun(persisted.ID)
	cached, err := m.GetRun(persisted.ID)
	if err != nil {
		t.Fatalf("GetRun() from cache error = %v", err)
	}
	if cached.ID != persisted.ID {
		t.Fatalf("cached id = %q, want %q", cached.ID, persisted.ID)
	}
}

func TestManagerListRunsMergesStoreAndMemory(t *testing.T) {
	now := time.Now().UTC()
	persisted := Run{
		ID:        "run_store_2",
		SuiteID:   "suite-1",
		SuiteName: "Turn latency",
		Status:    RunStatusCompleted,
		StartedAt: now.Add(-2 * time.Minute),
	}

	store := newFakeBenchStore(nil, []Run{persisted})
	m := NewManager()
	m.SetStore(store)

	suite, _ := m.RegisterSuite(testSuite("suite-1"))
	inMem, err := m.StartRun(suite, "sess-1")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	list := m.ListRuns(10)
	if len(list) < 2 {
		t.Fatalf("ListRuns len = %d, want at least 2", len(list))
	}
	seen := map[string]bool{}
	for _, run := range list {
		seen[run.ID] = true
	}
	if !seen[persisted.ID] || !seen[inMem.ID] {
		t.Fatalf("ListRuns missing store or memory run: %v", seen)
	}
	if list[0].ID != inMem.ID {
		t.Fatalf("list[0].ID = %q, want newest run %q", list[0].ID, inMem.ID)
	}

	limited := m.ListRuns(1)
	if len(limited) != 1 {
		t.Fatalf("ListRuns(limit=1) len = %d, want 1", len(limited))
	}
}

func TestManagerGetSuiteFallsBackToStore(t *testing.T) {
	seed := testSuite("suite-db")
	seed.CreatedAt = time.Now().UTC()
	seed.Utterances[0].Seq = 1
	seed.Utterances[1].Seq = 2

	store := newFakeBenchStore([]Suite{seed}, nil)
	m := NewManager()
	m.SetStore(store)

	got, err := m.GetSuite("suite-db")
	if err != nil {
		t.Fatalf("GetSuite() error = %v", err)
	}
	if got.Name != seed.Name || len(got.Utterances) != 2 {
		t.Fatalf("GetSuite() = %+v, want persisted suite", got)
	}

	if _, err := m.GetSuite("missing"); !errors.Is(err, ErrSuiteNotFound) {
		t.Fatalf("GetSuite(missing) error = %v, want ErrSuiteNotFound", err)
	}
}

type fakeBenchStore struct {
	mu     sync.Mutex
	suites map[string]Suite
	runs   map[string]Run
}

func newFakeBenchStore(suites []Suite, runs []Run) *fakeBenchStore {
	out := &fakeBenchStore{
		suites: make(map[string]Suite, len(suites)),
		runs:   make(map[string]Run, len(runs)),
	}
	for _, s := range suites {
		out.suites[s.ID] = s.Clone()
	}
	for _, r := range runs {
		out.runs[r.ID] = r.Clone()
	}
	return out
}

func (s *fakeBenchStore) SaveSuite(_ context.Context, suite Suite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suites[suite.ID] = suite.Clone()
	return nil
}

func (s *fakeBenchStore) GetSuite(_ context.Context, suiteID string) (Suite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	suite, ok := s.suites[suiteID]
	if !ok {
		return Suite{}, ErrStoreNotFound
	}
	return suite.Clone(), nil
}

func (s *fakeBenchStore) ListSuites(_ context.Context) ([]Suite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Suite, 0, len(s.suites))
	for _, suite := range s.suites {
		out = append(out, suite.Clone())
	}
	return out, nil
}

func (s *fakeBenchStore) SaveRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *fakeBenchStore) GetRun(_ context.Context, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrStoreNotFound
	}
	return run.Clone(), nil
}

func (s *fakeBenchStore) ListRuns(_ context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit <= 0 || limit > len(out) {
		limit = len(out)
	}
	return out[:limit], nil
}

func (s *fakeBenchStore) Close() error {
	return nil
}

func (s *fakeBenchStore) deleteRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}
