// Package sanitize normalises untrusted display strings before they
// are returned to API clients.
package sanitize

import (
	"strings"
	"unicode"
)

// Title flattens scraped text (search-result titles, page headings)
// into one clean line: control characters are dropped, whitespace runs
// collapse to a single space, and the result is cut at maxLen bytes.
func Title(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
