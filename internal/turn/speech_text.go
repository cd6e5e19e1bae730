package turn

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	spokenFenceRe = regexp.MustCompile("(?s)```.*?```")
	spokenCodeRe  = regexp.MustCompile("`[^`]*`")
	spokenLinkRe  = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	spokenURLRe   = regexp.MustCompile(`https?://\S+`)
)

// speakableText strips markup, URLs, and symbol noise from a sentence unit
// so the synthesizer reads prose rather than formatting.
func speakableText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = spokenFenceRe.ReplaceAllString(raw, " ")
	raw = spokenCodeRe.ReplaceAllString(raw, " ")
	raw = spokenLinkRe.ReplaceAllString(raw, "$1")
	raw = spokenURLRe.ReplaceAllString(raw, " ")

	var b strings.Builder
	b.Grow(len(raw))
	pendingSpace := false
	wrote := false

	for _, r := range raw {
		switch {
		case r == '‍' || r == '️' || r == '⃣':
			// Joiners and variation selectors that ride along with emoji.
		case unicode.IsSpace(r) || isSpokenBreak(r):
			pendingSpace = true
		case unicode.IsControl(r):
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// Emoji and math glyphs read aloud as glyph names, so drop them.
		case unicode.IsPunct(r) && !isSpokenPunct(r):
			pendingSpace = true
		default:
			if pendingSpace && wrote {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			pendingSpace = false
			wrote = true
		}
	}

	return b.String()
}

// isSpokenBreak covers markup characters that separate words once stripped.
func isSpokenBreak(r rune) bool {
	switch r {
	case '*', '_', '\\', '/', '|', '#', '~', '<', '>':
		return true
	default:
		return false
	}
}

func isSpokenPunct(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}
