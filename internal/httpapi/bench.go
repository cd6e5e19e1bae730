package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/mentora/internal/bench"
)

type createBenchSuiteRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Utterances  []string `json:"utterances"`
	Repetitions int      `json:"repetitions"`
	FrameMs     int      `json:"frame_ms"`
	TurnGapMs   int      `json:"turn_gap_ms"`
}

type startBenchRunRequest struct {
	SuiteID string `json:"suite_id"`
}

type cancelBenchRunRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) benchReady(w http.ResponseWriter) bool {
	if s.benchSvc == nil || !s.benchSvc.Enabled() {
		respondError(w, http.StatusNotImplemented, "bench_disabled", "Latency bench harness is disabled.")
		return false
	}
	return true
}

func (s *Server) handleCreateBenchSuite(w http.ResponseWriter, r *http.Request) {
	if !s.benchReady(w) {
		return
	}

	var req createBenchSuiteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	utterances := make([]bench.Utterance, 0, len(req.Utterances))
	for i, text := range req.Utterances {
		utterances = append(utterances, bench.Utterance{Seq: i + 1, Text: text})
	}

	suite, err := s.benchSvc.RegisterSuite(bench.Suite{
		Name:        req.Name,
		Description: req.Description,
		Utterances:  utterances,
		Repetitions: req.Repetitions,
		FrameMs:     req.FrameMs,
		TurnGapMs:   req.TurnGapMs,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "suite_create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, suite)
}

func (s *Server) handleListBenchSuites(w http.ResponseWriter, _ *http.Request) {
	if !s.benchReady(w) {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"suites": s.benchSvc.ListSuites(),
	})
}

func (s *Server) handleGetBenchSuite(w http.ResponseWriter, r *http.Request) {
	if !s.benchReady(w) {
		return
	}
	suiteID := strings.TrimSpace(chi.URLParam(r, "id"))
	if suiteID == "" {
		respondError(w, http.StatusBadRequest, "invalid_suite_id", "missing suite id")
		return
	}

	suite, err := s.benchSvc.GetSuite(suiteID)
	if err != nil {
		if errors.Is(err, bench.ErrSuiteNotFound) {
			respondError(w, http.StatusNotFound, "suite_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "suite_get_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, suite)
}

func (s *Server) handleStartBenchRun(w http.ResponseWriter, r *http.Request) {
	if !s.benchReady(w) {
		return
	}

	var req startBenchRunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.SuiteID = strings.TrimSpace(req.SuiteID)
	if req.SuiteID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "suite_id is required")
		return
	}

	run, err := s.benchSvc.StartRun(req.SuiteID)
	if err != nil {
		switch {
		case errors.Is(err, bench.ErrSuiteNotFound):
			respondError(w, http.StatusNotFound, "suite_not_found", err.Error())
		case errors.Is(err, bench.ErrRunActive):
			respondError(w, http.StatusConflict, "run_active", err.Error())
		default:
			respondError(w, http.StatusBadRequest, "run_start_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListBenchRuns(w http.ResponseWriter, r *http.Request) {
	if !s.benchReady(w) {
		return
	}

	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"runs": s.benchSvc.ListRuns(limit),
	})
}

func (s *Server) handleGetBenchRun(w http.ResponseWriter, r *http.Request) {
	if !s.benchReady(w) {
		return
	}
	runID := strings.TrimSpace(chi.URLParam(r, "id"))
	if runID == "" {
		respondError(w, http.StatusBadRequest, "invalid_run_id", "missing run id")
		return
	}

	run, summary, err := s.benchSvc.RunSummary(runID)
	if err != nil {
		if errors.Is(err, bench.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, "run_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "run_get_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"run":     run,
		"summary": summary,
	})
}

func (s *Server) handleCancelBenchRun(w http.ResponseWriter, r *http.Request) {
	if !s.benchReady(w) {
		return
	}
	runID := strings.TrimSpace(chi.URLParam(r, "id"))
	if runID == "" {
		respondError(w, http.StatusBadRequest, "invalid_run_id", "missing run id")
		return
	}

	reason := "Cancelled by API."
	var req cancelBenchRunRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) != "" {
		reason = strings.TrimSpace(req.Reason)
	}

	run, err := s.benchSvc.CancelRun(runID, reason)
	if err != nil {
		if errors.Is(err, bench.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, "run_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "run_cancel_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, run)
}
