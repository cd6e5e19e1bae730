package bench

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSuiteNotFound = errors.New("bench suite not found")
	ErrRunNotFound   = errors.New("bench run not found")
	ErrRunActive     = errors.New("a bench run is already active")
)

const (
	defaultRepetitions = 3
	defaultFrameMs     = 100
	defaultTurnGapMs   = 250
)

// Manager keeps suites and runs, mirrors them into the store when one is
// configured, and enforces the single-active-run rule. A latency run
// saturates the live providers, so overlapping runs would corrupt each
// other's numbers.
type Manager struct {
	mu sync.RWMutex

	store Store

	suites      map[string]*Suite
	runs        map[string]*Run
	runOrder    []string
	activeRunID string
}

func NewManager() *Manager {
	return &Manager{
		suites: make(map[string]*Suite),
		runs:   make(map[string]*Run),
	}
}

func (m *Manager) SetStore(store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

func (m *Manager) RegisterSuite(suite Suite) (Suite, error) {
	suite.Name = strings.TrimSpace(suite.Name)
	if suite.Name == "" {
		return Suite{}, errors.New("suite name is required")
	}
	utterances := make([]Utterance, 0, len(suite.Utterances))
	for _, u := range suite.Utterances {
		u.Text = strings.TrimSpace(u.Text)
		if u.Text == "" {
			continue
		}
		u.Seq = len(utterances) + 1
		utterances = append(utterances, u)
	}
	if len(utterances) == 0 {
		return Suite{}, errors.New("suite needs at least one utterance")
	}
	suite.Utterances = utterances

	if strings.TrimSpace(suite.ID) == "" {
		suite.ID = uuid.NewString()
	}
	if suite.Repetitions <= 0 {
		suite.Repetitions = defaultRepetitions
	}
	if suite.FrameMs <= 0 {
		suite.FrameMs = defaultFrameMs
	}
	if suite.TurnGapMs < 0 {
		suite.TurnGapMs = defaultTurnGapMs
	}
	if suite.CreatedAt.IsZero() {
		suite.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	stored := suite.Clone()
	m.suites[suite.ID] = &stored
	m.mu.Unlock()

	m.persistSuite(suite.Clone())
	return suite, nil
}

func (m *Manager) GetSuite(suiteID string) (Suite, error) {
	suiteID = strings.TrimSpace(suiteID)
	if suiteID == "" {
		return Suite{}, errors.New("suite_id is required")
	}
	m.mu.RLock()
	suite, ok := m.suites[suiteID]
	var snapshot Suite
	if ok && suite != nil {
		snapshot = suite.Clone()
	}
	store := m.store
	m.mu.RUnlock()
	if ok {
		return snapshot, nil
	}
	if store == nil {
		return Suite{}, ErrSuiteNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	persisted, err := store.GetSuite(ctx, suiteID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Suite{}, ErrSuiteNotFound
		}
		return Suite{}, err
	}
	m.mu.Lock()
	cached := persisted.Clone()
	m.suites[persisted.ID] = &cached
	m.mu.Unlock()
	return persisted, nil
}

func (m *Manager) ListSuites() []Suite {
	m.mu.RLock()
	store := m.store
	memOut := make([]Suite, 0, len(m.suites))
	for _, s := range m.suites {
		if s != nil {
			memOut = append(memOut, s.Clone())
		}
	}
	m.mu.RUnlock()

	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if persisted, err := store.ListSuites(ctx); err == nil {
			merged := make(map[string]Suite, len(persisted)+len(memOut))
			for _, s := range persisted {
				merged[s.ID] = s
			}
			for _, s := range memOut {
				merged[s.ID] = s
			}
			memOut = memOut[:0]
			for _, s := range merged {
				memOut = append(memOut, s)
			}
			m.mu.Lock()
			for _, s := range memOut {
				if _, ok := m.suites[s.ID]; !ok {
					cached := s.Clone()
					m.suites[s.ID] = &cached
				}
			}
			m.mu.Unlock()
		}
	}

	sort.Slice(memOut, func(i, j int) bool {
		if memOut[i].CreatedAt.Equal(memOut[j].CreatedAt) {
			return memOut[i].ID < memOut[j].ID
		}
		return memOut[i].CreatedAt.After(memOut[j].CreatedAt)
	})
	return memOut
}

// StartRun claims the active-run slot and records the run as running.
// The caller owns execution and must end the run through CompleteRun,
// FailRun, or CancelRun.
func (m *Manager) StartRun(suite Suite, sessionID string) (Run, error) {
	now := time.Now().UTC()
	run := Run{
		ID:         newRunID(now),
		SuiteID:    suite.ID,
		SuiteName:  suite.Name,
		SessionID:  sessionID,
		Status:     RunStatusRunning,
		TotalTurns: suite.TotalTurns(),
		StartedAt:  now,
	}

	m.mu.Lock()
	if m.activeRunID != "" {
		active := m.activeRunID
		m.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s", ErrRunActive, active)
	}
	m.activeRunID = run.ID
	stored := run.Clone()
	m.runs[run.ID] = &stored
	m.runOrder = append(m.runOrder, run.ID)
	m.mu.Unlock()

	m.persistRun(run.Clone())
	return run, nil
}

// AttachSession records the live session a run is measuring through.
func (m *Manager) AttachSession(runID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[runID]; ok && run != nil && !run.Terminal() {
		run.SessionID = sessionID
	}
}

// AppendResult records one measured turn. Persistence is fire-and-forget
// so the measuring loop never blocks on the store.
func (m *Manager) AppendResult(runID string, result TurnResult) error {
	m.mu.Lock()
	run, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return ErrRunNotFound
	}
	if run.Terminal() {
		m.mu.Unlock()
		return nil
	}
	if strings.TrimSpace(result.ID) == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	result.RunID = runID
	run.Results = append(run.Results, result)
	run.CompletedTurns = len(run.Results)
	snapshot := run.Clone()
	m.mu.Unlock()

	m.persistRun(snapshot)
	return nil
}

func (m *Manager) CompleteRun(runID string) (Run, error) {
	return m.endRun(runID, RunStatusCompleted, "")
}

func (m *Manager) FailRun(runID, detail string) (Run, error) {
	return m.endRun(runID, RunStatusFailed, detail)
}

func (m *Manager) CancelRun(runID, reason string) (Run, error) {
	return m.endRun(runID, RunStatusCancelled, reason)
}

func (m *Manager) endRun(runID string, status RunStatus, detail string) (Run, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	run, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return Run{}, ErrRunNotFound
	}
	if run.Terminal() {
		snapshot := run.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}
	run.Status = status
	run.Error = strings.TrimSpace(detail)
	run.CompletedAt = &now
	if m.activeRunID == runID {
		m.activeRunID = ""
	}
	snapshot := run.Clone()
	m.mu.Unlock()

	m.persistRun(snapshot)
	return snapshot, nil
}

func (m *Manager) GetRun(runID string) (Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return Run{}, errors.New("run_id is required")
	}
	m.mu.RLock()
	run, ok := m.runs[runID]
	var snapshot Run
	if ok && run != nil {
		snapshot = run.Clone()
	}
	store := m.store
	m.mu.RUnlock()
	if ok {
		return snapshot, nil
	}
	if store == nil {
		return Run{}, ErrRunNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	persisted, err := store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, err
	}
	m.mu.Lock()
	cached := persisted.Clone()
	m.runs[persisted.ID] = &cached
	m.runOrder = append(m.runOrder, persisted.ID)
	m.mu.Unlock()
	return persisted, nil
}

func (m *Manager) ListRuns(limit int) []Run {
	m.mu.RLock()
	store := m.store
	memOut := make([]Run, 0, len(m.runOrder))
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		if r, ok := m.runs[m.runOrder[i]]; ok && r != nil {
			memOut = append(memOut, r.Clone())
		}
	}
	m.mu.RUnlock()

	if store == nil {
		if limit <= 0 || limit > len(memOut) {
			limit = len(memOut)
		}
		return memOut[:limit]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	persisted, err := store.ListRuns(ctx, limit)
	if err != nil {
		if limit <= 0 || limit > len(memOut) {
			limit = len(memOut)
		}
		return memOut[:limit]
	}

	merged := make(map[string]Run, len(persisted)+len(memOut))
	for _, r := range persisted {
		merged[r.ID] = r
	}
	for _, r := range memOut {
		merged[r.ID] = r
	}
	out := make([]Run, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit <= 0 || limit > len(out) {
		limit = len(out)
	}
	return out[:limit]
}

func (m *Manager) ActiveRun() (Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeRunID == "" {
		return Run{}, false
	}
	run, ok := m.runs[m.activeRunID]
	if !ok || run == nil {
		return Run{}, false
	}
	return run.Clone(), true
}

func (m *Manager) persistSuite(suite Suite) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return
	}
	go func(snapshot Suite) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = store.SaveSuite(ctx, snapshot)
	}(suite)
}

func (m *Manager) persistRun(run Run) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return
	}
	go func(snapshot Run) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = store.SaveRun(ctx, snapshot)
	}(run)
}

func newRunID(now time.Time) string {
	return fmt.Sprintf("run_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:6])
}
