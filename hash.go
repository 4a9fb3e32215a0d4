package mnemo

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText canonicalizes text for hashing: Unicode NFC, ASCII
// lowercase folding, whitespace runs collapsed to a single space, trimmed.
// Whitespace and case variants of the same text normalize identically.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			space = true
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ContentHash fingerprints an item's normalized summary and body. The same
// content in any whitespace or ASCII-case variant hashes identically.
func ContentHash(summary, body string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(NormalizeText(summary))
	_, _ = h.WriteString("\n")
	_, _ = h.WriteString(NormalizeText(body))
	return h.Sum64()
}
