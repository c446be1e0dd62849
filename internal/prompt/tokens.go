package prompt

import (
	"strings"
	"unicode"
)

// EstimateTokens approximates how many CLIP-style tokens a prompt consumes.
// Words map to one token per ~4 characters (minimum one), punctuation and
// attention weights count on their own. A heuristic only: servers report the
// real count when they truncate.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}

	tokens := 0
	wordLen := 0
	flushWord := func() {
		if wordLen == 0 {
			return
		}
		tokens += (wordLen + 3) / 4
		wordLen = 0
	}

	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flushWord()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flushWord()
			tokens++
		default:
			wordLen++
		}
	}
	flushWord()
	return tokens
}
