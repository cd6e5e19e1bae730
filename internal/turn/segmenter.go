package turn

import "strings"

// SentenceUnit is a synthesis-ready span of assistant text. Seq is assigned
// in emission order and playback must consume units strictly by Seq even
// when later units finish synthesizing first.
type SentenceUnit struct {
	Seq  int
	Text string
}

// sentenceSegmenter splits a token stream into sentence units as soon as a
// boundary is confirmed: terminal punctuation followed by whitespace, or end
// of stream. Text is never reordered or dropped. One instance serves one
// turn; Reset reuses it for the next.
type sentenceSegmenter struct {
	buffer string
	seq    int
}

func newSentenceSegmenter() *sentenceSegmenter {
	return &sentenceSegmenter{}
}

// Push appends one delta and returns any units it completed. Whitespace-only
// deltas still advance boundary detection, so they are buffered rather than
// skipped.
func (s *sentenceSegmenter) Push(delta string) []SentenceUnit {
	if delta == "" {
		return nil
	}
	s.buffer += delta
	return s.flush(false)
}

// Finalize flushes the remainder as a last unit even without terminal
// punctuation.
func (s *sentenceSegmenter) Finalize() []SentenceUnit {
	return s.flush(true)
}

func (s *sentenceSegmenter) Reset() {
	s.buffer = ""
	s.seq = 0
}

func (s *sentenceSegmenter) flush(force bool) []SentenceUnit {
	var out []SentenceUnit
	for {
		cut := nextSentenceBoundary(s.buffer)
		if cut < 0 {
			break
		}
		segment := s.buffer[:cut]
		s.buffer = s.buffer[cut:]
		text := normalizeUnitText(segment)
		if text == "" {
			continue
		}
		s.seq++
		out = append(out, SentenceUnit{Seq: s.seq, Text: text})
	}
	if force {
		text := normalizeUnitText(s.buffer)
		s.buffer = ""
		if text != "" {
			s.seq++
			out = append(out, SentenceUnit{Seq: s.seq, Text: text})
		}
	}
	return out
}

// nextSentenceBoundary returns the index just past a confirmed sentence
// boundary, or -1. A terminal punctuation run (with trailing closing quotes
// or brackets) only counts once the following whitespace has arrived, so a
// period that is still the last buffered byte waits for the next delta.
func nextSentenceBoundary(input string) int {
	for i := 0; i < len(input); i++ {
		if !isTerminalPunct(input[i]) {
			continue
		}
		j := i + 1
		for j < len(input) && (isTerminalPunct(input[j]) || isClosingMark(input[j])) {
			j++
		}
		if j >= len(input) {
			return -1
		}
		if isBoundarySpace(input[j]) {
			return j
		}
		i = j - 1
	}
	return -1
}

func isTerminalPunct(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func isClosingMark(b byte) bool {
	switch b {
	case '"', '\'', ')', ']':
		return true
	default:
		return false
	}
}

func isBoundarySpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}

func normalizeUnitText(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}
