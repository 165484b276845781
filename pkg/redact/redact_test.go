package redact

import (
	"strings"
	"testing"
)

func TestDisabledLeavesTextAlone(t *testing.T) {
	SetEnabled(false)
	in := "reach me at a@b.com or +1 555 010 9999"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
	if got := Phone("+15550109999"); got != "+15550109999" {
		t.Fatalf("expected raw phone, got %q", got)
	}
}

func TestEnabledMasksContactDetails(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text("reach me at a@b.com or +1 555 010 9999, rating 4")
	if strings.Contains(got, "a@b.com") || strings.Contains(got, "9999") {
		t.Fatalf("expected masking, got %q", got)
	}
	if !strings.Contains(got, "[email]") || !strings.Contains(got, "[phone]") || !strings.Contains(got, "rating 4") {
		t.Fatalf("unexpected output %q", got)
	}
	if got := Phone("+1 (555) 010-9999"); got != "*********99" {
		t.Fatalf("unexpected phone mask %q", got)
	}
}

func TestUtteranceIsTruncated(t *testing.T) {
	SetEnabled(false)
	got := Utterance(strings.Repeat("a", MaxLoggedRunes+10))
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != MaxLoggedRunes+3 {
		t.Fatalf("unexpected truncation %q", got)
	}
}
