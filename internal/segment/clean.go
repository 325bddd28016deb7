package segment

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// separators are replaced by a space so the surrounding words stay apart.
const separators = "()[]{}<>/\\_*#|~^`"

// Clean prepares raw text for synthesis. It strips control characters,
// emoji and other pictographic symbols, turns dashes and bracket-like
// punctuation into spaces, collapses runs of whitespace and drops blank
// lines. Clean(Clean(s)) == Clean(s).
func Clean(text string) string {
	text = norm.NFC.String(text)

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\n':
			b.WriteRune('\n')
		case unicode.IsControl(r) && unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsControl(r):
		case dropped(r):
		case unicode.Is(unicode.Pd, r) || strings.ContainsRune(separators, r):
			b.WriteRune(' ')
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}

	lines := strings.Split(b.String(), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func dropped(r rune) bool {
	switch {
	case unicode.In(r, unicode.So, unicode.Cf, unicode.Co, unicode.Cs):
		return true
	case r >= 0xFE00 && r <= 0xFE0F: // variation selectors
		return true
	case r >= 0x1F3FB && r <= 0x1F3FF: // skin tone modifiers
		return true
	}
	return false
}
