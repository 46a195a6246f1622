package staticanalysis

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

var (
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reBracketNum = regexp.MustCompile(`\[\d+\]`)
	reParenNum   = regexp.MustCompile(`\(\d+\)`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

// Dedupe collapses findings that share a Fingerprint, keeping the first
// occurrence and raising its severity to the worst one seen. Order of first
// occurrence is preserved. Returns an empty slice for empty input, never nil.
func Dedupe(findings []models.StaticFinding) []models.StaticFinding {
	out := make([]models.StaticFinding, 0, len(findings))
	seen := make(map[string]int, len(findings))

	for _, f := range findings {
		fp := Fingerprint(f)
		if i, ok := seen[fp]; ok {
			if SeverityRank(f.Severity) > SeverityRank(out[i].Severity) {
				out[i].Severity = f.Severity
			}
			if f.Location.Column > 0 && (out[i].Location.Column == 0 || f.Location.Column < out[i].Location.Column) {
				out[i].Location.Column = f.Location.Column
			}
			continue
		}
		seen[fp] = len(out)
		out = append(out, f)
	}
	return out
}

// Fingerprint identifies a finding by rule, line and normalized message.
// Columns are ignored so repeated matches on one line collapse.
func Fingerprint(f models.StaticFinding) string {
	key := fmt.Sprintf("%s|%d|%s", f.RuleID, f.Location.Line, NormalizeMessage(f.Message))
	return fmt.Sprintf("%x", sha256.Sum256([]byte(key)))
}

// NormalizeMessage strips the volatile parts of a tool message.
func NormalizeMessage(msg string) string {
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reBracketNum.ReplaceAllString(msg, "[N]")
	msg = reParenNum.ReplaceAllString(msg, "(N)")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	return truncateString(msg, 500)
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
