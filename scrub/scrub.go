// Package scrub turns raw terminal byte streams into displayable text.
//
// Coding-agent CLIs in TUI mode emit ANSI escape sequences, spinner
// animations, box-drawing frames and status bars. Scrub removes all of
// that and keeps only the content lines. The transform is total and
// idempotent: scrub(scrub(x)) == scrub(x) for any input.
package scrub

import (
	"regexp"
	"strings"
)

var (
	// CSI sequences: ESC [ params intermediates final.
	csiRe = regexp.MustCompile(`\x1b\[[0-9;:?<=>]*[ -/]*[@-~]`)

	// OSC sequences, terminated by BEL or ST. PTY chunks may split the
	// terminator off, so an unterminated OSC running to end of input is
	// also deleted.
	oscRe = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\|$)`)

	// Remaining two-character ESC sequences (ESC c, ESC =, ...).
	escTwoRe = regexp.MustCompile(`\x1b.`)

	// C0 controls except tab and newline, plus DEL and a trailing bare ESC.
	ctrlRe = regexp.MustCompile("[\x00-\x08\x0b-\x1f\x7f]")

	// Spinner lines: optional icon characters, then a capitalized word
	// followed by the Unicode ellipsis, e.g. "✶ Percolating… (2s)".
	spinnerLineRe = regexp.MustCompile(`^[\s*·•✢✳✶✻✽⏺]*[A-Z][A-Za-z]*…`)

	// Trailing spinner tails glued onto content lines.
	spinnerTailRe = regexp.MustCompile(`\s*(?:[·•✢✳✶✻✽]+|\(esc to interrupt\)|[A-Z][a-z]+…)\s*$`)

	// Standalone timing / token-stat lines: "2.4s", "12.1s · 4.2k tokens".
	statLineRe = regexp.MustCompile(`^\s*\d+(?:\.\d+)?s(?:\s*[·•|]\s*\S.*)?$|^\s*[\d.,]+k?\s+tokens?\s*$`)

	// Tool-indicator lines produced by the TUI ("⏺ Read file.go", "⎿ ...").
	toolLineRe = regexp.MustCompile(`^\s*[⏺⎿●]\s`)

	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

// bannerMarkers identify permission and welcome banners that the TUI
// prints before real output starts.
var bannerMarkers = []string{
	"Bypassing Permissions",
	"dangerously-skip-permissions",
	"Welcome to Claude",
	"Welcome to Codex",
	"Welcome to Gemini",
	"? for shortcuts",
	"Press Ctrl-C again to exit",
}

// Bytes scrubs a raw chunk and returns clean display text.
func Bytes(b []byte) string {
	return Text(string(b))
}

// Text scrubs raw terminal output. Invalid UTF-8 bytes are dropped.
func Text(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "�", "")

	s = normalizeCarriageReturns(s)

	s = csiRe.ReplaceAllString(s, "")
	s = oscRe.ReplaceAllString(s, "")
	s = escTwoRe.ReplaceAllString(s, "")
	s = ctrlRe.ReplaceAllString(s, "")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		clean, keep := filterLine(line)
		if keep {
			out = append(out, clean)
		}
	}

	s = strings.Join(out, "\n")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return s
}

// normalizeCarriageReturns resolves in-line \r overwrites: within each
// newline-terminated line only the last rewritten segment survives.
func normalizeCarriageReturns(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if !strings.Contains(line, "\r") {
			continue
		}
		segments := strings.Split(line, "\r")
		last := ""
		for j := len(segments) - 1; j >= 0; j-- {
			if segments[j] != "" {
				last = segments[j]
				break
			}
		}
		lines[i] = last
	}
	return strings.Join(lines, "\n")
}

// filterLine applies the TUI chrome filters. It returns the cleaned line
// and whether the line should be kept at all.
func filterLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", true // blank lines survive; runs are collapsed later
	}

	if spinnerLineRe.MatchString(trimmed) {
		return "", false
	}
	if toolLineRe.MatchString(line) {
		return "", false
	}
	if statLineRe.MatchString(trimmed) {
		return "", false
	}
	// Status-bar fragments: path ❯ prompt ❯ ...
	if strings.Contains(trimmed, "❯") {
		return "", false
	}
	for _, marker := range bannerMarkers {
		if strings.Contains(trimmed, marker) {
			return "", false
		}
	}

	line = stripDrawingRunes(line)
	if strings.TrimSpace(line) == "" {
		return "", false
	}

	line = spinnerTailRe.ReplaceAllString(line, "")
	if strings.TrimSpace(line) == "" {
		return "", false
	}
	return line, true
}

// stripDrawingRunes removes box-drawing and block characters.
func stripDrawingRunes(line string) string {
	if !strings.ContainsFunc(line, isDrawingRune) {
		return line
	}
	var b strings.Builder
	b.Grow(len(line))
	for _, r := range line {
		if !isDrawingRune(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDrawingRune(r rune) bool {
	// Box Drawing (U+2500..U+257F) and Block Elements (U+2580..U+259F).
	return r >= 0x2500 && r <= 0x259F
}
