package bench

import (
	"math"
	"sort"
)

// Summary aggregates the successful turns of a run. Failed turns count
// toward Failures only and never feed the quantiles.
type Summary struct {
	Turns    int `json:"turns"`
	Failures int `json:"failures"`

	P50RecognizerMs float64 `json:"p50_recognizer_ms"`
	P95RecognizerMs float64 `json:"p95_recognizer_ms"`
	P50FirstTokenMs float64 `json:"p50_first_token_ms"`
	P95FirstTokenMs float64 `json:"p95_first_token_ms"`
	P50FirstAudioMs float64 `json:"p50_first_audio_ms"`
	P95FirstAudioMs float64 `json:"p95_first_audio_ms"`
	P50EndToEndMs   float64 `json:"p50_end_to_end_ms"`
	P95EndToEndMs   float64 `json:"p95_end_to_end_ms"`
}

func Summarize(results []TurnResult) Summary {
	out := Summary{Turns: len(results)}
	recognizer := make([]float64, 0, len(results))
	firstToken := make([]float64, 0, len(results))
	firstAudio := make([]float64, 0, len(results))
	endToEnd := make([]float64, 0, len(results))

	for _, r := range results {
		if !r.Success() {
			out.Failures++
			continue
		}
		recognizer = append(recognizer, r.RecognizerMs)
		firstToken = append(firstToken, r.FirstTokenMs)
		firstAudio = append(firstAudio, r.FirstAudioMs)
		endToEnd = append(endToEnd, r.EndToEndMs)
	}

	out.P50RecognizerMs, out.P95RecognizerMs = quantilePair(recognizer)
	out.P50FirstTokenMs, out.P95FirstTokenMs = quantilePair(firstToken)
	out.P50FirstAudioMs, out.P95FirstAudioMs = quantilePair(firstAudio)
	out.P50EndToEndMs, out.P95EndToEndMs = quantilePair(endToEnd)
	return out
}

func quantilePair(values []float64) (p50, p95 float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return roundMs(quantile(sorted, 0.50)), roundMs(quantile(sorted, 0.95))
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func roundMs(v float64) float64 {
	return math.Round(v*100) / 100
}
