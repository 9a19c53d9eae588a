// Package extract turns raw terminal output into substantive reply text.
//
// The pipeline is a fixed sequence of pure, order-sensitive stages: control
// sequences are stripped before any line-level matching, because an escape
// code embedded mid-line defeats a line pattern. Adapter-specific behavior
// enters only through Rules; the stages themselves know nothing about
// individual tools.
package extract

import (
	"regexp"
	"strings"
)

var (
	// Covers CSI sequences (including private-mode ones like cursor
	// hide/show) and OSC sequences in both ST and BEL terminated forms.
	controlSeqPattern = regexp.MustCompile(`\x1b\[[0-9;:?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

	// Runs of three or more blank lines collapse to a single blank line.
	// Three blank lines means four newlines: terminator plus three blanks.
	blankRunPattern = regexp.MustCompile(`(\n[ \t]*){4,}`)
)

// defaultSpinnerRunes are the animation glyphs stripped by StripSpinnerGlyphs
// when Rules does not override them: the ten-frame braille spinner plus the
// asterisk-style glyphs several tools cycle through while thinking. The set
// deliberately excludes answer markers such as the four-pointed star.
var defaultSpinnerRunes = []rune{
	'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏',
	'✳', '✶', '✽', '✢',
}

// boxDrawingRunes covers the border characters interactive tools draw their
// input frames with, including the rounded-corner variants.
const boxDrawingRunes = "─│┌┐└┘├┤┬┴┼╭╮╯╰═║╔╗╚╝╠╣╦╩╬"

// Rules parameterizes the adapter-specific stages of the pipeline.
type Rules struct {
	// ChromePatterns match whole lines of tool UI noise: status banners,
	// "type your message" hints, tool-invocation result lines.
	ChromePatterns []*regexp.Regexp

	// AnswerMarker, when non-empty, is the leading marker a tool prints in
	// front of its substantive reply lines. Empty means the tool has no
	// marker and the chrome-stripped text is used whole.
	AnswerMarker string

	// SpinnerRunes overrides the default spinner glyph set when non-empty.
	SpinnerRunes []rune
}

// Clean runs the full pipeline over raw terminal bytes. It is idempotent:
// already-clean text passes through unchanged. It never fails; malformed
// input yields best-effort stripped text.
func Clean(raw []byte, rules Rules) string {
	text := StripControlSequences(string(raw))
	text = StripSpinnerGlyphs(text, rules.SpinnerRunes)
	text = StripBoxDrawing(text)
	text = StripChromeLines(text, rules.ChromePatterns)
	text = ExtractMarkedBlocks(text, rules.AnswerMarker)
	return CollapseBlankRuns(text)
}

// StripControlSequences removes ANSI escape sequences and non-printing
// control characters, and resolves carriage-return overwrites so that only
// the final rendering of each line survives.
func StripControlSequences(s string) string {
	s = controlSeqPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")

	var b strings.Builder
	b.Grow(len(s))
	for _, line := range strings.Split(s, "\n") {
		// A bare carriage return rewinds the cursor; whatever follows
		// overwrote the earlier text, so keep only the final segment.
		if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
			line = line[idx+1:]
		}
		for _, r := range line {
			if r >= 32 && r != 127 || r == '\t' {
				b.WriteRune(r)
			}
		}
		b.WriteByte('\n')
	}
	out := b.String()
	return strings.TrimSuffix(out, "\n")
}

// StripSpinnerGlyphs removes animation glyphs. An empty runes slice selects
// the default set.
func StripSpinnerGlyphs(s string, runes []rune) string {
	if len(runes) == 0 {
		runes = defaultSpinnerRunes
	}
	drop := make(map[rune]struct{}, len(runes))
	for _, r := range runes {
		drop[r] = struct{}{}
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if _, ok := drop[r]; ok {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StripBoxDrawing removes box-drawing characters everywhere and drops lines
// that consisted solely of them, which is how tools frame their input areas.
func StripBoxDrawing(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		stripped := strings.Map(func(r rune) rune {
			if strings.ContainsRune(boxDrawingRunes, r) {
				return -1
			}
			return r
		}, line)
		if stripped != line && strings.TrimSpace(stripped) == "" {
			continue
		}
		out = append(out, strings.TrimRight(stripped, " \t"))
	}
	return strings.Join(out, "\n")
}

// StripChromeLines drops every line matched by one of the fixed patterns.
func StripChromeLines(s string, patterns []*regexp.Regexp) string {
	if len(patterns) == 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if matchesAny(line, patterns) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// ExtractMarkedBlocks scans for lines beginning with the marker and captures
// from each marker through the line before the next one, keeping blank lines
// for paragraph breaks. Captured blocks are joined with a single blank line.
// Input without any marker line is returned unchanged so tools that print a
// marker only sometimes still produce output.
func ExtractMarkedBlocks(s string, marker string) string {
	if marker == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	var blocks []string
	var current []string
	capturing := false

	flush := func() {
		if !capturing {
			return
		}
		block := strings.TrimRight(strings.Join(current, "\n"), " \t\n")
		if block != "" {
			blocks = append(blocks, block)
		}
		current = current[:0]
	}

	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, marker) {
			flush()
			capturing = true
			rest := strings.TrimPrefix(trimmed, marker)
			current = append(current, strings.TrimLeft(rest, " \t"))
			continue
		}
		if capturing {
			current = append(current, line)
		}
	}
	flush()

	if len(blocks) == 0 {
		return s
	}
	return strings.Join(blocks, "\n\n")
}

// CollapseBlankRuns reduces runs of three or more blank lines to exactly one
// blank line and trims leading and trailing whitespace.
func CollapseBlankRuns(s string) string {
	return strings.TrimSpace(blankRunPattern.ReplaceAllString(s, "\n\n"))
}

func matchesAny(line string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}
