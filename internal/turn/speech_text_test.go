package turn

import "testing"

func TestSpeakableText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "drops emoji and markdown markers",
			in:   "Good question 😊 **gravity** pulls objects / together.",
			want: "Good question gravity pulls objects together.",
		},
		{
			name: "keeps markdown link label and removes url",
			in:   "See [Newton's laws](https://example.com/newton) for more.",
			want: "See Newton's laws for more.",
		},
		{
			name: "removes code blocks and inline code",
			in:   "```python\nprint(9.8)\n```\nTry computing `g * t` ✅",
			want: "Try computing",
		},
		{
			name: "normalizes odd punctuation spacing",
			in:   "mass***attracts///mass",
			want: "mass attracts mass",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := speakableText(tc.in)
			if got != tc.want {
				t.Fatalf("speakableText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
