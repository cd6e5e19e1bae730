package policy

import "regexp"

type piiRule struct {
	pattern *regexp.Regexp
	label   string
}

// Order matters: card numbers must be masked before the phone rule can
// misread them as phone numbers.
var piiRules = []piiRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII patterns before transcript text is
// persisted or logged. Learner speech routinely contains read-aloud contact
// details, so this runs on every stored message.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range piiRules {
		next := rule.pattern.ReplaceAllString(out, rule.label)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
