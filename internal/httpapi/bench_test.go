package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/mentora/internal/bench"
	"github.com/ent0n29/mentora/internal/config"
	"github.com/ent0n29/mentora/internal/session"
)

type stubProbeSession struct {
	mu    sync.Mutex
	turns int
	block chan struct{}
}

func (s *stubProbeSession) SessionID() string { return "bench-stub" }

func (s *stubProbeSession) RunTurn(ctx context.Context, _ bench.TurnSpec, _ int) (bench.TurnTiming, error) {
	s.mu.Lock()
	s.turns++
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return bench.TurnTiming{}, ctx.Err()
		}
	}
	return bench.TurnTiming{
		RecognizerMs:  100,
		FirstTokenMs:  300,
		FirstAudioMs:  450,
		EndToEndMs:    900,
		ResponseChars: 40,
		AudioBytes:    2000,
	}, nil
}

func (s *stubProbeSession) Close() error { return nil }

type stubProber struct {
	session *stubProbeSession
}

func (p *stubProber) Open(context.Context) (bench.ProbeSession, error) {
	return p.session, nil
}

func newBenchTestServer(t *testing.T, enabled bool, prober bench.Prober) (*httptest.Server, *bench.Service) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		DefaultVoiceID:           "tutor_1",
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	svc := bench.New(bench.Config{Enabled: enabled, TurnTimeout: 2 * time.Second}, prober, nil)
	t.Cleanup(func() { _ = svc.Close() })

	srv := New(cfg, sessions, nil, nil, svc, newTestMetrics())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, svc
}

type benchRunEnvelope struct {
	Run     bench.Run     `json:"run"`
	Summary bench.Summary `json:"summary"`
}

func getBenchRun(t *testing.T, ts *httptest.Server, runID string) benchRunEnvelope {
	t.Helper()
	res, err := http.Get(ts.URL + "/v1/bench/runs/" + runID)
	if err != nil {
		t.Fatalf("get bench run error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		t.Fatalf("get bench run status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	return decodeBody[benchRunEnvelope](t, res)
}

func waitForTerminalRun(t *testing.T, ts *httptest.Server, runID string) benchRunEnvelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env := getBenchRun(t, ts, runID)
		if env.Run.Terminal() {
			return env
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("bench run %s never reached a terminal status", runID)
	return benchRunEnvelope{}
}

func TestBenchSuiteEndpoints(t *testing.T) {
	ts, _ := newBenchTestServer(t, true, &stubProber{session: &stubProbeSession{}})

	res := postJSON(t, ts.URL+"/v1/bench/suites", map[string]any{
		"name":        "Two quick questions",
		"utterances":  []string{"What is a fraction?", "And a decimal?"},
		"repetitions": 1,
		"frame_ms":    20,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create suite status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	suite := decodeBody[bench.Suite](t, res)
	if suite.ID == "" || len(suite.Utterances) != 2 {
		t.Fatalf("created suite = %+v, want id and 2 utterances", suite)
	}

	listRes, err := http.Get(ts.URL + "/v1/bench/suites")
	if err != nil {
		t.Fatalf("list suites error = %v", err)
	}
	listed := decodeBody[struct {
		Suites []bench.Suite `json:"suites"`
	}](t, listRes)
	found := false
	for _, s := range listed.Suites {
		if s.ID == suite.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("created suite %s missing from listing of %d suites", suite.ID, len(listed.Suites))
	}

	getRes, err := http.Get(ts.URL + "/v1/bench/suites/" + suite.ID)
	if err != nil {
		t.Fatalf("get suite error = %v", err)
	}
	fetched := decodeBody[bench.Suite](t, getRes)
	if fetched.Name != "Two quick questions" {
		t.Fatalf("fetched suite name = %q", fetched.Name)
	}

	missingRes, err := http.Get(ts.URL + "/v1/bench/suites/ghost")
	if err != nil {
		t.Fatalf("get missing suite error = %v", err)
	}
	missingRes.Body.Close()
	if missingRes.StatusCode != http.StatusNotFound {
		t.Fatalf("get missing suite status = %d, want %d", missingRes.StatusCode, http.StatusNotFound)
	}
}

func TestBenchRunEndpoints(t *testing.T) {
	ts, _ := newBenchTestServer(t, true, &stubProber{session: &stubProbeSession{}})

	res := postJSON(t, ts.URL+"/v1/bench/suites", map[string]any{
		"name":        "fast",
		"utterances":  []string{"One", "Two"},
		"repetitions": 1,
		"frame_ms":    20,
	})
	suite := decodeBody[bench.Suite](t, res)

	startRes := postJSON(t, ts.URL+"/v1/bench/runs", map[string]string{"suite_id": suite.ID})
	if startRes.StatusCode != http.StatusAccepted {
		t.Fatalf("start run status = %d, want %d", startRes.StatusCode, http.StatusAccepted)
	}
	run := decodeBody[bench.Run](t, startRes)
	if run.ID == "" || run.SuiteID != suite.ID {
		t.Fatalf("started run = %+v", run)
	}

	env := waitForTerminalRun(t, ts, run.ID)
	if env.Run.Status != bench.RunStatusCompleted {
		t.Fatalf("run status = %q (error %q), want completed", env.Run.Status, env.Run.Error)
	}
	if env.Run.CompletedTurns != env.Run.TotalTurns || env.Run.TotalTurns != 2 {
		t.Fatalf("run progress = %d/%d, want 2/2", env.Run.CompletedTurns, env.Run.TotalTurns)
	}
	if env.Summary.Turns != 2 || env.Summary.Failures != 0 {
		t.Fatalf("summary = %+v, want 2 clean turns", env.Summary)
	}
	if env.Summary.P50EndToEndMs != 900 {
		t.Fatalf("summary p50 = %v, want 900", env.Summary.P50EndToEndMs)
	}

	listRes, err := http.Get(ts.URL + "/v1/bench/runs?limit=5")
	if err != nil {
		t.Fatalf("list runs error = %v", err)
	}
	listed := decodeBody[struct {
		Runs []bench.Run `json:"runs"`
	}](t, listRes)
	if len(listed.Runs) == 0 || listed.Runs[0].ID != run.ID {
		t.Fatalf("run listing = %+v, want newest run first", listed.Runs)
	}

	missingRes, err := http.Get(ts.URL + "/v1/bench/runs/ghost")
	if err != nil {
		t.Fatalf("get missing run error = %v", err)
	}
	missingRes.Body.Close()
	if missingRes.StatusCode != http.StatusNotFound {
		t.Fatalf("get missing run status = %d, want %d", missingRes.StatusCode, http.StatusNotFound)
	}
}

func TestBenchRunConflictAndCancel(t *testing.T) {
	probe := &stubProbeSession{block: make(chan struct{})}
	ts, _ := newBenchTestServer(t, true, &stubProber{session: probe})

	res := postJSON(t, ts.URL+"/v1/bench/suites", map[string]any{
		"name":       "slow",
		"utterances": []string{"Take your time"},
	})
	suite := decodeBody[bench.Suite](t, res)

	startRes := postJSON(t, ts.URL+"/v1/bench/runs", map[string]string{"suite_id": suite.ID})
	run := decodeBody[bench.Run](t, startRes)

	conflictRes := postJSON(t, ts.URL+"/v1/bench/runs", map[string]string{"suite_id": suite.ID})
	defer conflictRes.Body.Close()
	if conflictRes.StatusCode != http.StatusConflict {
		t.Fatalf("overlapping start status = %d, want %d", conflictRes.StatusCode, http.StatusConflict)
	}
	var conflict errorResponse
	if err := json.NewDecoder(conflictRes.Body).Decode(&conflict); err != nil {
		t.Fatalf("decode conflict response: %v", err)
	}
	if conflict.Code != "run_active" {
		t.Fatalf("conflict code = %q, want run_active", conflict.Code)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/bench/runs/"+run.ID, nil)
	if err != nil {
		t.Fatalf("build cancel request: %v", err)
	}
	cancelRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cancel run error = %v", err)
	}
	if cancelRes.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want %d", cancelRes.StatusCode, http.StatusOK)
	}
	cancelled := decodeBody[bench.Run](t, cancelRes)
	if cancelled.Status != bench.RunStatusCancelled {
		t.Fatalf("cancelled run status = %q, want cancelled", cancelled.Status)
	}

	env := waitForTerminalRun(t, ts, run.ID)
	if env.Run.Status != bench.RunStatusCancelled {
		t.Fatalf("final run status = %q, want cancelled", env.Run.Status)
	}
	close(probe.block)
}

func TestBenchEndpointsDisabled(t *testing.T) {
	ts, _ := newBenchTestServer(t, false, nil)

	res, err := http.Get(ts.URL + "/v1/bench/suites")
	if err != nil {
		t.Fatalf("list suites error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("disabled list status = %d, want %d", res.StatusCode, http.StatusNotImplemented)
	}

	startRes := postJSON(t, ts.URL+"/v1/bench/runs", map[string]string{"suite_id": "smoke"})
	startRes.Body.Close()
	if startRes.StatusCode != http.StatusNotImplemented {
		t.Fatalf("disabled start status = %d, want %d", startRes.StatusCode, http.StatusNotImplemented)
	}
}
