package strings

import (
	"fmt"
	"strings"
)

// DefaultDescriptionMaxLen is the default width of description columns in CLI tables.
const DefaultDescriptionMaxLen = 60

// MinTruncateLen is the minimum maxLen value for TruncateDescription.
const MinTruncateLen = 4

// TruncateDescription truncates a string to maxLen runes and flattens it to a
// single line. Runs of whitespace collapse into one space and "..." is appended
// when the value was shortened. maxLen is clamped to MinTruncateLen.
func TruncateDescription(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}

// TruncateForLog keeps the first maxLen runes of s and appends a marker with
// the number of runes dropped. Unlike TruncateDescription it preserves
// whitespace, so structured values stay readable in log lines.
func TruncateForLog(s string, maxLen int) string {
	if maxLen < 0 {
		maxLen = 0
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return fmt.Sprintf("%s...(%d more chars)", string(runes[:maxLen]), len(runes)-maxLen)
}
