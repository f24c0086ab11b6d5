package normalize

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tandemdental/dentascribe/internal/lexicon"
)

// maskRule matches a span that must survive the pipeline verbatim. Unit
// spans are additionally compacted on restore (inner whitespace removed), so
// "15 mm" comes back as "15mm".
type maskRule struct {
	re   *regexp.Regexp
	unit bool
}

// buildMaskRules compiles the protection regexes for one snapshot, in
// matching order: canonical hyphenated terms, unit expressions, decimal
// numbers, protected words. Units match before decimals so "1,5 mm" masks
// as one unit span with its decimal intact.
func buildMaskRules(snap *lexicon.Snapshot) []maskRule {
	var rules []maskRule

	if len(snap.Hyphenated) > 0 {
		terms := make([]string, 0, len(snap.Hyphenated))
		for lower := range snap.Hyphenated {
			terms = append(terms, regexp.QuoteMeta(lower))
		}
		// Longest first so "mesio-occlusaal-distaal" beats its prefix.
		sort.Slice(terms, func(i, j int) bool { return len(terms[i]) > len(terms[j]) })
		rules = append(rules, maskRule{
			re: regexp.MustCompile(`(?i)\b(?:` + strings.Join(terms, "|") + `)\b`),
		})
	}

	if len(snap.Units) > 0 {
		alts := make([]string, 0, len(snap.Units))
		for _, u := range snap.Units {
			alt := regexp.QuoteMeta(u)
			if isWordy(u) {
				alt += `\b`
			}
			alts = append(alts, alt)
		}
		rules = append(rules, maskRule{
			re:   regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s*(?:` + strings.Join(alts, "|") + `)`),
			unit: true,
		})
	}

	rules = append(rules, maskRule{re: regexp.MustCompile(`\b\d+[.,]\d+\b`)})

	if len(snap.Protected) > 0 {
		words := make([]string, 0, len(snap.Protected))
		for w := range snap.Protected {
			words = append(words, regexp.QuoteMeta(strings.ToLower(w)))
		}
		sort.Slice(words, func(i, j int) bool { return len(words[i]) > len(words[j]) })
		rules = append(rules, maskRule{
			re: regexp.MustCompile(`(?i)\b(?:` + strings.Join(words, "|") + `)\b`),
		})
	}
	return rules
}

func isWordy(s string) bool {
	if s == "" {
		return false
	}
	c := s[len(s)-1]
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// masker holds the spans masked out of one input string. Placeholders are
// letters-only tokens so no digit- or word-oriented stage can match inside
// them.
type masker struct {
	spans []maskSpan
}

type maskSpan struct {
	token    string
	original string
	unit     bool
}

func newMasker() *masker {
	return &masker{}
}

// mask replaces every rule match with a unique placeholder token and
// records the original text.
func (m *masker) mask(s string, rules []maskRule) string {
	for _, rule := range rules {
		s = rule.re.ReplaceAllStringFunc(s, func(match string) string {
			tok := placeholderToken(len(m.spans))
			m.spans = append(m.spans, maskSpan{token: tok, original: match, unit: rule.unit})
			return tok
		})
	}
	return s
}

// restore substitutes the original text back for every placeholder. Unit
// spans are compacted: "15 mm" restores as "15mm".
func (m *masker) restore(s string) string {
	for _, span := range m.spans {
		value := span.original
		if span.unit {
			value = strings.Join(strings.Fields(value), "")
		}
		s = strings.Replace(s, span.token, value, 1)
	}
	return s
}

// placeholderToken encodes i in letters only ("__prota__", "__protb__", …,
// "__protba__") so later stages never mistake a placeholder for a number or
// a lexicon word.
func placeholderToken(i int) string {
	var letters []byte
	for {
		letters = append([]byte{byte('a' + i%26)}, letters...)
		i /= 26
		if i == 0 {
			break
		}
	}
	return "__prot" + string(letters) + "__"
}
