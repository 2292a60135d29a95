package push

import (
	"regexp"
	"strings"
)

// ansiPattern matches CSI sequences plus bare two-byte escapes left over
// from MUD color output.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b.`)

// NormalizeSnippet turns raw MUD output into a short push-safe preview:
// ANSI escapes stripped, whitespace collapsed, truncated on a rune boundary.
func NormalizeSnippet(s string, maxLen int) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	if maxLen <= 0 {
		return s
	}

	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-1]) + "…"
}
