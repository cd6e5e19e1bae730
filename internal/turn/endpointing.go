package turn

import (
	"math"
	"regexp"
	"strings"
	"time"
)

// endpointHint tells the client how long to wait for more speech before
// treating the current partial as a finished utterance.
type endpointHint struct {
	Reason       string
	Confidence   float64
	Hold         time.Duration
	ShouldCommit bool
}

const (
	endpointHoldMin           = 40 * time.Millisecond
	endpointHoldMax           = 900 * time.Millisecond
	endpointEmitRefresh       = 1200 * time.Millisecond
	endpointHoldBucketMS      = 80
	endpointConfBucketPct     = 10
	endpointConfidenceUnknown = 0.55
	endpointCommitFloor       = 0.50
	holdCommitMaxConfidence   = 0.60
	holdCommitGrace           = 450 * time.Millisecond
)

var (
	trailingConnectiveRe = regexp.MustCompile(`(?i)\b(and|but|because|so|then|which|that|if|when|while|as|to|for|can|could|will|would|should|shall|may|might|must)\s*$`)
	leadingConnectiveRe  = regexp.MustCompile(`(?i)^(and|but|because|so|then)\b`)
	unfinishedPhraseRe   = regexp.MustCompile(`(?i)\b(i mean|for example|for instance|in order to)\s*$`)
	finishedTailRe       = regexp.MustCompile(`(?i)([.!?]["']?\s*$|\b(done|thanks|thank you|that's all|thats all)\s*$)`)
	openPunctTailRe      = regexp.MustCompile(`[,;:\-…]\s*$`)
)

// endpointHintFor scores a partial transcript for how finished it sounds.
// The hold is how long the client should keep listening past silence
// before treating the utterance as complete.
func endpointHintFor(partial string, confidence float64, utteranceAge time.Duration) (endpointHint, bool) {
	text := normalizeUtterance(partial)
	if text == "" {
		return endpointHint{}, false
	}
	confidence = usableConfidence(confidence)

	reason := "neutral"
	conf := math.Max(0.58, confidence)
	hold := 210 * time.Millisecond
	commit := false

	unfinished := soundsUnfinished(text)
	if unfinished {
		reason = "continuation"
		conf = math.Max(conf, 0.86)
		hold = 520 * time.Millisecond
	}
	if soundsFinished(text) {
		reason = "terminal"
		conf = math.Max(conf, 0.82)
		hold = 90 * time.Millisecond
		commit = confidence >= endpointCommitFloor
	}

	if utteranceAge > 6*time.Second && !unfinished {
		reason = "long_utterance"
		hold -= 70 * time.Millisecond
	}
	if utteranceAge > 0 && utteranceAge < 700*time.Millisecond {
		hold += 110 * time.Millisecond
		if reason == "neutral" {
			reason = "short_utterance"
		}
	}
	if confidence < 0.45 {
		hold += 140 * time.Millisecond
		conf = math.Min(conf, 0.62)
		commit = false
		if reason == "neutral" || reason == "terminal" {
			reason = "low_confidence"
		}
	}

	if hold < endpointHoldMin {
		hold = endpointHoldMin
	} else if hold > endpointHoldMax {
		hold = endpointHoldMax
	}
	return endpointHint{
		Reason:       reason,
		Confidence:   clampFloat(conf, 0.05, 0.99),
		Hold:         hold,
		ShouldCommit: commit,
	}, true
}

// holdCommitDelay reports how long a committed transcript should stay
// open for a follow-on final. Only low-confidence finals that read as
// unfinished qualify; everything else commits immediately.
func holdCommitDelay(text string, confidence float64) (time.Duration, bool) {
	text = normalizeUtterance(text)
	if text == "" || !soundsUnfinished(text) {
		return 0, false
	}
	if usableConfidence(confidence) >= holdCommitMaxConfidence {
		return 0, false
	}
	return holdCommitGrace, true
}

// hintThrottle suppresses hint spam: a hint goes out only when its shape
// changed meaningfully or the previous one has gone stale.
type hintThrottle struct {
	armed  bool
	last   hintShape
	sentAt time.Time
}

// hintShape buckets a hint so near-identical refinements compare equal.
type hintShape struct {
	reason     string
	holdBucket int
	confBucket int
	commit     bool
}

func shapeOf(h endpointHint) hintShape {
	reason := strings.TrimSpace(strings.ToLower(h.Reason))
	if reason == "" {
		reason = "neutral"
	}
	holdMS := int(h.Hold.Milliseconds())
	if holdMS < 0 {
		holdMS = 0
	}
	return hintShape{
		reason:     reason,
		holdBucket: holdMS / endpointHoldBucketMS,
		confBucket: int(clampFloat(h.Confidence, 0, 1)*100) / endpointConfBucketPct,
		commit:     h.ShouldCommit,
	}
}

func (t *hintThrottle) ShouldEmit(h endpointHint, now time.Time) bool {
	shape := shapeOf(h)
	if t.armed && shape == t.last && now.Sub(t.sentAt) < endpointEmitRefresh {
		return false
	}
	t.armed = true
	t.last = shape
	t.sentAt = now
	return true
}

func (t *hintThrottle) Reset() {
	*t = hintThrottle{}
}

func normalizeUtterance(raw string) string {
	return strings.TrimSpace(strings.ToLower(raw))
}

// soundsUnfinished reports whether the transcript tail reads as mid-thought.
func soundsUnfinished(text string) bool {
	if text == "" {
		return false
	}
	return openPunctTailRe.MatchString(text) ||
		leadingConnectiveRe.MatchString(text) ||
		trailingConnectiveRe.MatchString(text) ||
		unfinishedPhraseRe.MatchString(text)
}

// soundsFinished requires a closing cue and no open punctuation tail.
func soundsFinished(text string) bool {
	return text != "" && !openPunctTailRe.MatchString(text) && finishedTailRe.MatchString(text)
}

func usableConfidence(conf float64) float64 {
	if conf <= 0 || conf > 1 {
		return endpointConfidenceUnknown
	}
	return conf
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
