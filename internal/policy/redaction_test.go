package policy

import (
	"regexp"
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "AI: hi <@1234>\nUser: mail sam@example.com, call +1 (555) 123-9876, card 4242 4242 4242 4242, host 10.0.0.12\n\n"
	out, kinds := RedactPII(input)
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_MENTION]", "[REDACTED_PHONE]", "[REDACTED_CARD]", "[REDACTED_IP]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if len(kinds) != 5 {
		t.Fatalf("kinds = %v, want 5", kinds)
	}
	if !strings.HasPrefix(out, "AI: hi ") || !strings.Contains(out, "\nUser: ") {
		t.Fatalf("turn framing changed: %q", out)
	}
}

func TestRedactLeavesCleanTextAlone(t *testing.T) {
	input := "AI: what do you enjoy?\nUser: climbing and board games\n\n"
	out, kinds := RedactPII(input)
	if out != input || len(kinds) != 0 {
		t.Fatalf("RedactPII() = %q, %v; want unchanged", out, kinds)
	}
}

func TestRedactCustomRules(t *testing.T) {
	rules := []Rule{{Kind: "handle", Pattern: regexp.MustCompile(`@\w+`), Replacement: "[HANDLE]"}}
	out, kinds := Redact("ping @ana", rules)
	if out != "ping [HANDLE]" || len(kinds) != 1 || kinds[0] != "handle" {
		t.Fatalf("Redact() = %q, %v", out, kinds)
	}
}
