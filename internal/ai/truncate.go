package ai

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// charsPerToken is the rough estimate used to size code against a model's input budget.
const charsPerToken = 4

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// TruncateCode cuts code down to roughly maxTokens, keeping whole lines from
// the head and appending a marker with the original and shown line counts.
// The output depends only on its inputs. The bool reports whether anything
// was cut.
func TruncateCode(code string, maxTokens int) (string, bool) {
	if maxTokens <= 0 || EstimateTokens(code) <= maxTokens {
		return code, false
	}

	lines := strings.Split(code, "\n")
	total := len(lines)
	budget := maxTokens * charsPerToken
	// Reserve room for the marker using the widest count it can print.
	budget -= len(truncationMarker(total, total))
	if budget < 0 {
		budget = 0
	}

	var b strings.Builder
	shown := 0
	for _, line := range lines {
		need := len(line)
		if shown > 0 {
			need++
		}
		if b.Len()+need > budget {
			break
		}
		if shown > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		shown++
	}

	// A single oversized first line is cut at a rune boundary.
	if shown == 0 && budget > 0 {
		cut := budget
		for cut > 0 && !utf8.RuneStart(lines[0][cut]) {
			cut--
		}
		b.WriteString(lines[0][:cut])
		shown = 1
	}

	b.WriteString(truncationMarker(shown, total))
	return b.String(), true
}

func truncationMarker(shown, total int) string {
	return fmt.Sprintf("\n... [truncated: showing %d of %d lines]", shown, total)
}
