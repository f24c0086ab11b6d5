// Package normalize rewrites raw ASR output into dental-domain text.
//
// The pipeline is deterministic and performs no I/O: given the same lexicon
// snapshot and configuration, the same input always yields the same output,
// and the output is a fixed point (normalizing twice changes nothing). The
// stages run in a fixed order over the whole string:
//
//  1. protection masking (protected words, units, decimals, canonical
//     hyphenated terms)
//  2. custom whole-word patterns
//  3. article cleanup before numbers and "element"
//  4. Dutch number-word resolution and trigger-scoped digit pairing
//  5. element-number parsing (FDI codes)
//  6. hyphen policy for non-canonical hyphenated tokens
//  7. phonetic/fuzzy correction against the lexicon
//  8. canonical capitalization
//  9. punctuation policy
// 10. placeholder restore with unit compaction
package normalize

import (
	"regexp"
	"strings"
	"sync"

	"github.com/tandemdental/dentascribe/internal/lexicon"
)

// wordUnitPatterns rewrite spelled-out units next to a number into their
// compact symbol form before masking, so "30 procent" masks as "30%".
var wordUnitPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*procent\b`), "${1}%"},
	{regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*millimeter\b`), "${1}mm"},
	{regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*centimeter\b`), "${1}cm"},
	{regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*milliliter\b`), "${1}ml"},
	{regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*milligram\b`), "${1}mg"},
}

// Normalizer holds the regexes compiled from one lexicon snapshot. Build one
// per (snapshot, config) pair and reuse it; it is safe for concurrent use.
type Normalizer struct {
	snap *lexicon.Snapshot
	cfg  *lexicon.Config

	maskRules []maskRule
	custom    []rewriteRule
	phrases   []rewriteRule
	unitWords map[string]struct{}
}

type rewriteRule struct {
	re   *regexp.Regexp
	repl string
}

// New compiles a Normalizer for the given snapshot and configuration.
// Neither argument may be mutated afterwards.
func New(snap *lexicon.Snapshot, cfg *lexicon.Config) *Normalizer {
	n := &Normalizer{
		snap:      snap,
		cfg:       cfg,
		maskRules: buildMaskRules(snap),
		unitWords: make(map[string]struct{}, len(snap.Units)),
	}
	for _, u := range snap.Units {
		n.unitWords[u] = struct{}{}
	}

	for pattern, repl := range snap.CustomPatterns {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(pattern) + `\b`)
		if err != nil {
			continue
		}
		n.custom = append(n.custom, rewriteRule{re: re, repl: repl})
	}
	for variant, canonical := range snap.Variants {
		if !strings.Contains(variant, " ") {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(variant) + `\b`)
		if err != nil {
			continue
		}
		n.phrases = append(n.phrases, rewriteRule{re: re, repl: canonical})
	}
	return n
}

// Normalize applies the full pipeline to text. Whitespace runs collapse to a
// single space; token boundaries are otherwise preserved except where a
// stage explicitly rewrites them.
func (n *Normalizer) Normalize(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	if s == "" {
		return ""
	}

	for _, p := range wordUnitPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}

	m := newMasker()
	s = m.mask(s, n.maskRules)

	for _, r := range n.custom {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	for _, r := range n.phrases {
		s = r.re.ReplaceAllString(s, r.repl)
	}

	tokens := strings.Fields(s)
	tokens = n.cleanArticles(tokens)
	tokens = n.resolveNumberWords(tokens)
	tokens = n.rewriteElements(tokens)
	tokens = n.applyHyphenPolicy(tokens)
	tokens = n.applyFuzzy(tokens)
	tokens = n.capitalize(tokens)

	s = strings.Join(tokens, " ")
	s = n.applyPunctuation(s)
	return m.restore(s)
}

// isUnitWord reports whether tok (ignoring surrounding punctuation) is a
// recognized unit symbol or spelled-out unit.
func (n *Normalizer) isUnitWord(tok string) bool {
	_, core, _ := splitToken(tok)
	lower := strings.ToLower(core)
	if _, ok := n.unitWords[lower]; ok {
		return true
	}
	switch lower {
	case "procent", "millimeter", "centimeter", "milliliter", "milligram":
		return true
	}
	return false
}

// ── Snapshot-keyed cache ───────────────────────────────────────────────────────

// Cache hands out compiled Normalizers keyed by admin id, rebuilding when
// the snapshot version moves. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	version uint64
	norm    *Normalizer
}

// NewCache creates an empty normalizer cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// For returns the Normalizer for adminID, compiling one if the cached entry
// is missing or built from an older snapshot version.
func (c *Cache) For(adminID string, snap *lexicon.Snapshot, cfg *lexicon.Config) *Normalizer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[adminID]; ok && e.version == snap.Version {
		return e.norm
	}
	norm := New(snap, cfg)
	c.entries[adminID] = &cacheEntry{version: snap.Version, norm: norm}
	return norm
}
