package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// latencyWindow keeps a fixed-size ring of samples per stage so the
// latency endpoint can report recent quantiles without unbounded growth.
type latencyWindow struct {
	mu    sync.RWMutex
	size  int
	rings map[string]*sampleRing
	marks map[string]int
}

// sampleRing overwrites oldest-first once the write counter passes the
// buffer length.
type sampleRing struct {
	buf    []float64
	writes int
	last   float64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:  size,
		rings: make(map[string]*sampleRing),
		marks: make(map[string]int),
	}
}

func (w *latencyWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &sampleRing{buf: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.push(ms)
}

func (w *latencyWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.marks[name]++
}

func (w *latencyWindow) Snapshot() TurnStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	stageNames := make([]string, 0, len(w.rings))
	for s := range w.rings {
		stageNames = append(stageNames, s)
	}
	sort.Strings(stageNames)
	for _, stage := range stageNames {
		if st, ok := w.rings[stage].stats(stage); ok {
			snap.Stages = append(snap.Stages, st)
		}
	}

	markNames := make([]string, 0, len(w.marks))
	for n := range w.marks {
		markNames = append(markNames, n)
	}
	sort.Strings(markNames)
	for _, name := range markNames {
		if count := w.marks[name]; count > 0 {
			snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: count})
		}
	}
	return snap
}

func (w *latencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = make(map[string]*sampleRing)
	w.marks = make(map[string]int)
}

func (r *sampleRing) push(v float64) {
	r.buf[r.writes%len(r.buf)] = v
	r.writes++
	r.last = v
}

// ordered returns the retained samples sorted ascending.
func (r *sampleRing) ordered() []float64 {
	n := r.writes
	if n > len(r.buf) {
		n = len(r.buf)
	}
	vals := append([]float64(nil), r.buf[:n]...)
	sort.Float64s(vals)
	return vals
}

func (r *sampleRing) stats(stage string) (TurnStageStats, bool) {
	vals := r.ordered()
	if len(vals) == 0 {
		return TurnStageStats{}, false
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(vals),
		LastMS:      roundHundredths(r.last),
		AvgMS:       roundHundredths(sum / float64(len(vals))),
		P50MS:       roundHundredths(percentile(vals, 0.50)),
		P95MS:       roundHundredths(percentile(vals, 0.95)),
		P99MS:       roundHundredths(percentile(vals, 0.99)),
		TargetP95MS: stageTargetP95MS(stage),
	}, true
}

// percentile interpolates linearly between the neighboring ranks.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	pos := p * float64(n-1)
	lo := int(pos)
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func roundHundredths(v float64) float64 {
	return math.Round(v*100) / 100
}

// Per-stage p95 targets from the round-trip budget: the sum of the pipeline
// stages has to stay under roughly 1.2s commit-to-first-audio.
func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageRecognizerLatency:
		return 400
	case StageLLMFirstToken:
		return 900
	case StageSynthFirstByte:
		return 500
	case StageTurnE2E:
		return 1200
	case StageTurnTotal:
		return 3200
	default:
		return 0
	}
}
