package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/tandemdental/dentascribe/internal/lexicon"
)

// minFuzzyLen is the shortest token the fuzzy stage will rewrite. Short
// function words are too easy to mangle.
const minFuzzyLen = 4

// applyHyphenPolicy splits non-canonical hyphenated tokens into words so the
// fuzzy stage sees their parts. Canonical hyphenated terms were masked
// during protection and never reach this stage.
func (n *Normalizer) applyHyphenPolicy(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		pre, core, suf := splitToken(tok)
		if !strings.Contains(core, "-") || containsDigit(core) || strings.Contains(core, "__") {
			out = append(out, tok)
			continue
		}
		if _, ok := n.snap.Hyphenated[strings.ToLower(core)]; ok {
			out = append(out, tok)
			continue
		}
		parts := strings.Split(core, "-")
		for i, part := range parts {
			if part == "" {
				continue
			}
			if i == 0 {
				part = pre + part
			}
			if i == len(parts)-1 {
				part += suf
			}
			out = append(out, part)
		}
	}
	return out
}

// applyFuzzy corrects misheard tokens against the lexicon: an exact variant
// hit wins, otherwise the folded soundex bucket is scored by normalized edit
// distance. Placeholders, digits, units, short tokens and canonical terms
// pass through untouched.
func (n *Normalizer) applyFuzzy(tokens []string) []string {
	for i, tok := range tokens {
		pre, core, suf := splitToken(tok)
		if replacement, ok := n.fuzzyCore(core); ok {
			tokens[i] = pre + replacement + suf
		}
	}
	return tokens
}

func (n *Normalizer) fuzzyCore(core string) (string, bool) {
	if core == "" || strings.Contains(core, "__") {
		return "", false
	}
	lower := strings.ToLower(core)

	if canonical, ok := n.snap.Variants[lower]; ok {
		return canonical, true
	}
	if n.snap.IsCanonical(lower) {
		return "", false
	}
	if utf8.RuneCountInString(lower) < minFuzzyLen ||
		isDigits(lower) || containsDigit(lower) ||
		n.snap.IsProtected(lower) || n.isUnitWord(lower) {
		return "", false
	}

	folded := lexicon.Fold(strings.ReplaceAll(lower, "-", ""))
	bucket := n.snap.Soundex[matchr.Soundex(folded)]
	if len(bucket) == 0 {
		return "", false
	}

	tokClass := n.snap.SuffixClass(lower)
	best, bestScore := "", 0.0
	for _, term := range bucket {
		// Multi-word terms are scored per word; the matching word is the
		// replacement, not the whole term.
		for _, word := range strings.Fields(term) {
			wordClass := n.snap.SuffixClass(word)
			if tokClass >= 0 && wordClass >= 0 && tokClass != wordClass {
				continue
			}
			if score := similarity(folded, lexicon.Fold(word)); score > bestScore {
				best, bestScore = word, score
			}
		}
	}
	if bestScore >= n.cfg.MinSimilarity && best != "" {
		return best, true
	}
	return "", false
}

// similarity is 1 minus the normalized Levenshtein distance of two
// already-folded strings.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 0
	}
	return 1 - float64(matchr.Levenshtein(a, b))/float64(longest)
}

// capitalize restores the canonical spelling for any token whose lowercase
// core is a canonical term.
func (n *Normalizer) capitalize(tokens []string) []string {
	for i, tok := range tokens {
		pre, core, suf := splitToken(tok)
		if canonical, ok := n.snap.Canonical[strings.ToLower(core)]; ok && core != canonical {
			tokens[i] = pre + canonical + suf
		}
	}
	return tokens
}

func containsDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
