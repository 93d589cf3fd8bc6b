package logstream

import (
	"regexp"
	"strings"
)

// ansiEscape matches CSI/OSC style terminal escape sequences.
var ansiEscape = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[ -/]*[@-~]|\][^\x07\x1b]*(?:\x07|\x1b\\)|[@-Z\\-_])`)

// Sanitize strips ANSI escape sequences, NUL bytes and non-printable
// control characters from a log line. Newline, carriage return and tab
// survive. Sanitizing twice yields the same result as sanitizing once.
func Sanitize(line string) string {
	line = ansiEscape.ReplaceAllString(line, "")
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, line)
}

// DetectLevel classifies a line by keyword match.
func DetectLevel(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"), strings.Contains(lower, "fatal"), strings.Contains(lower, "critical"):
		return "error"
	case strings.Contains(lower, "warn"):
		return "warn"
	case strings.Contains(lower, "debug"):
		return "debug"
	default:
		return "info"
	}
}
