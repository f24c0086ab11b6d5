package normalize

import (
	"regexp"
	"strings"
	"unicode"
)

// wordComma matches a comma directly after a letter. Commas after digits
// stay ("1, 2, 3" is an enumeration, not trailing noise).
var wordComma = regexp.MustCompile(`(\p{L}),`)

// applyPunctuation applies the configured punctuation policy: trailing
// exclamation/question/semicolon removal, word-trailing comma removal, and
// final-period removal when the period is not adjacent to a digit.
func (n *Normalizer) applyPunctuation(s string) string {
	if n.cfg.RemoveTrailingPunctuation {
		s = strings.TrimSpace(strings.TrimRight(s, "!?;"))
	}

	s = wordComma.ReplaceAllString(s, "$1")

	if n.cfg.RemoveFinalPeriod && strings.HasSuffix(s, ".") {
		trimmed := strings.TrimSuffix(s, ".")
		if last, _ := lastRune(trimmed); !unicode.IsDigit(last) {
			s = strings.TrimSpace(trimmed)
		}
	}
	return s
}

func lastRune(s string) (rune, bool) {
	var last rune
	found := false
	for _, r := range s {
		last = r
		found = true
	}
	return last, found
}
