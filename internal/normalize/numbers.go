package normalize

import (
	"strings"
	"unicode"
)

// triggerWindow is how many preceding tokens are scanned for a dental
// context trigger when pairing single digits.
const triggerWindow = 3

// cleanArticles drops "de"/"het" immediately before a number or the word
// "element": "van de 1-4" becomes "van 1-4".
func (n *Normalizer) cleanArticles(tokens []string) []string {
	out := tokens[:0]
	for i := 0; i < len(tokens); i++ {
		lower := strings.ToLower(tokens[i])
		if (lower == "de" || lower == "het") && i+1 < len(tokens) {
			_, next, _ := splitToken(tokens[i+1])
			if startsWithDigit(next) || strings.EqualFold(next, "element") {
				continue
			}
		}
		out = append(out, tokens[i])
	}
	return out
}

// resolveNumberWords replaces Dutch number words with digits, then pairs
// adjacent single digits into a two-digit element code when a dental trigger
// appears in the preceding window.
//
// "een" doubles as the indefinite article, so it only converts when it sits
// next to another numeral or a trigger is in scope; "één" always converts.
func (n *Normalizer) resolveNumberWords(tokens []string) []string {
	for i := range tokens {
		pre, core, suf := splitToken(tokens[i])
		lower := strings.ToLower(core)
		digit, ok := n.snap.NumberWords[lower]
		if !ok {
			continue
		}
		if lower == "een" && !n.numericContext(tokens, i) {
			continue
		}
		tokens[i] = pre + digit + suf
	}
	return n.pairElementDigits(tokens)
}

// numericContext reports whether the token at i sits next to a numeral or
// has a trigger within the preceding window.
func (n *Normalizer) numericContext(tokens []string, i int) bool {
	if i > 0 && n.isNumeral(tokens[i-1]) {
		return true
	}
	if i+1 < len(tokens) && n.isNumeral(tokens[i+1]) {
		return true
	}
	for j := max(0, i-triggerWindow); j < i; j++ {
		_, core, _ := splitToken(tokens[j])
		if n.snap.IsTrigger(core) {
			return true
		}
	}
	return false
}

func (n *Normalizer) isNumeral(tok string) bool {
	_, core, _ := splitToken(tok)
	if isDigits(core) {
		return true
	}
	_, ok := n.snap.NumberWords[strings.ToLower(core)]
	return ok
}

// pairElementDigits merges "2 6" into "26" when a trigger is in scope and
// the pair forms a valid element code. Digits carrying punctuation ("1,")
// never pair.
func (n *Normalizer) pairElementDigits(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		if i+1 < len(tokens) && isBareDigit(tokens[i]) {
			pre2, core2, suf2 := splitToken(tokens[i+1])
			if pre2 == "" && len(core2) == 1 && isDigits(core2) &&
				validElementCode(tokens[i][0], core2[0]) &&
				n.triggerBehind(out, triggerWindow) {
				out = append(out, tokens[i]+core2+suf2)
				i++
				continue
			}
		}
		out = append(out, tokens[i])
	}
	return out
}

// triggerBehind scans the last window tokens already emitted for a trigger.
func (n *Normalizer) triggerBehind(emitted []string, window int) bool {
	for j := len(emitted) - 1; j >= 0 && j >= len(emitted)-window; j-- {
		_, core, _ := splitToken(emitted[j])
		if n.snap.IsTrigger(core) {
			return true
		}
	}
	return false
}

// ── Token helpers ──────────────────────────────────────────────────────────────

// splitToken separates leading and trailing punctuation from a token's core.
// Letters, digits, hyphens, percent signs and underscores (placeholders)
// belong to the core.
func splitToken(tok string) (pre, core, suf string) {
	rs := []rune(tok)
	i, j := 0, len(rs)
	for i < j && !isCoreRune(rs[i]) {
		i++
	}
	for j > i && !isCoreRune(rs[j-1]) {
		j--
	}
	return string(rs[:i]), string(rs[i:j]), string(rs[j:])
}

func isCoreRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '%' || r == '_'
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isBareDigit reports whether tok is a single digit with no attached
// punctuation.
func isBareDigit(tok string) bool {
	return len(tok) == 1 && tok[0] >= '0' && tok[0] <= '9'
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

// validElementCode reports whether the two digits form a valid FDI element
// number: quadrants 1-4 hold positions 1-8, quadrants 5-8 (deciduous) hold
// positions 1-5.
func validElementCode(quadrant, position byte) bool {
	if quadrant < '1' || quadrant > '8' {
		return false
	}
	if quadrant <= '4' {
		return position >= '1' && position <= '8'
	}
	return position >= '1' && position <= '5'
}
