package segment

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength bounds a segment in runes.
const DefaultMaxLength = 500

// Chunk cleans text and splits it into segments that end in terminal
// punctuation and never exceed maxLen runes. Segments longer than the
// limit are split on word boundaries; a single word longer than the limit
// is split on rune boundaries. Chunk returns nil when nothing speakable
// remains after cleaning.
func Chunk(text string, maxLen int) []string {
	if maxLen < 2 {
		maxLen = DefaultMaxLength
	}
	cleaned := Clean(text)
	if cleaned == "" {
		return nil
	}

	var chunks []string
	for _, line := range strings.Split(cleaned, "\n") {
		for _, sentence := range splitSentences(line) {
			sentence = terminate(sentence)
			if utf8.RuneCountInString(sentence) <= maxLen {
				chunks = append(chunks, sentence)
				continue
			}
			chunks = append(chunks, splitLong(sentence, maxLen)...)
		}
	}
	if len(chunks) == 0 {
		return nil
	}
	return chunks
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// splitSentences cuts after each run of terminal punctuation that is
// followed by whitespace or the end of the line.
func splitSentences(line string) []string {
	var out []string
	runes := []rune(line)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		end := i
		for end+1 < len(runes) && isTerminal(runes[end+1]) {
			end++
		}
		if end+1 == len(runes) || runes[end+1] == ' ' {
			if s := strings.TrimSpace(string(runes[start : end+1])); s != "" {
				out = append(out, s)
			}
			start = end + 1
		}
		i = end
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func terminate(s string) string {
	r, _ := utf8.DecodeLastRuneInString(s)
	if isTerminal(r) {
		return s
	}
	return s + "."
}

// splitLong packs words into pieces of at most maxLen-1 runes, leaving room
// for the terminator each piece receives.
func splitLong(sentence string, maxLen int) []string {
	limit := maxLen - 1
	var (
		out     []string
		current []string
		size    int
	)
	flush := func() {
		if len(current) > 0 {
			out = append(out, terminate(strings.Join(current, " ")))
			current, size = nil, 0
		}
	}
	for _, word := range strings.Fields(sentence) {
		n := utf8.RuneCountInString(word)
		if n > limit {
			flush()
			runes := []rune(word)
			for len(runes) > limit {
				out = append(out, terminate(string(runes[:limit])))
				runes = runes[limit:]
			}
			current, size = []string{string(runes)}, len(runes)
			continue
		}
		extra := n
		if len(current) > 0 {
			extra++
		}
		if size+extra > limit {
			flush()
			extra = n
		}
		current = append(current, word)
		size += extra
	}
	flush()
	return out
}
