// Package policy masks sensitive text before transcripts leave the process.
package policy

import "regexp"

// Rule masks one kind of sensitive text.
type Rule struct {
	Kind        string
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultRules run in order. Cards run before phones so long digit runs are
// not taken for phone numbers.
var DefaultRules = []Rule{
	{Kind: "email", Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), Replacement: "[REDACTED_EMAIL]"},
	{Kind: "mention", Pattern: regexp.MustCompile(`<@[!&]?\d+>`), Replacement: "[REDACTED_MENTION]"},
	{Kind: "ip", Pattern: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), Replacement: "[REDACTED_IP]"},
	{Kind: "card", Pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), Replacement: "[REDACTED_CARD]"},
	{Kind: "phone", Pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), Replacement: "[REDACTED_PHONE]"},
}

// Redact applies rules in order and returns the masked text together with
// the kinds that matched.
func Redact(input string, rules []Rule) (string, []string) {
	out := input
	var kinds []string
	for _, r := range rules {
		next := r.Pattern.ReplaceAllString(out, r.Replacement)
		if next != out {
			kinds = append(kinds, r.Kind)
			out = next
		}
	}
	return out, kinds
}

// RedactPII applies DefaultRules.
func RedactPII(input string) (redacted string, kinds []string) {
	return Redact(input, DefaultRules)
}
