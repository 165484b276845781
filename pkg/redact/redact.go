package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-().]{7,}\d`)
)

// MaxLoggedRunes bounds utterances written to logs.
const MaxLoggedRunes = 160

func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks emails and phone numbers when redaction is on.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[email]")
	return phoneRe.ReplaceAllString(out, "[phone]")
}

// Phone keeps the last two digits of a number for log correlation.
func Phone(number string) string {
	if !enabled.Load() {
		return number
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) <= 2 {
		return "**"
	}
	return strings.Repeat("*", len(digits)-2) + digits[len(digits)-2:]
}

// Utterance prepares caller speech for a log line: masked and truncated.
func Utterance(in string) string {
	out := Text(in)
	if utf8.RuneCountInString(out) <= MaxLoggedRunes {
		return out
	}
	r := []rune(out)
	return string(r[:MaxLoggedRunes]) + "..."
}
