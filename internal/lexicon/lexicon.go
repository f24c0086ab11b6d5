// Package lexicon loads and caches per-admin configuration and the dental
// lexicon used by the normalizer.
//
// The package owns two kinds of state: immutable [Config] and [Snapshot]
// values handed out to callers, and a read-through in-process cache keyed by
// admin id. Admin mutations persist to the backing [DocumentStore], bump the
// cache entry's version, and atomically replace the snapshot; readers never
// observe a partially-updated lexicon.
package lexicon

import (
	"errors"
	"strings"

	"github.com/antzucaro/matchr"
)

// Document types stored per admin in the external store.
const (
	DocConfig         = "config"
	DocLexicon        = "lexicon"
	DocProtectedWords = "protected_words"
	DocCustomPatterns = "custom_patterns"
)

var (
	// ErrStoreUnavailable wraps external store failures. HTTP callers must
	// surface it as a 5xx, never silently degrade.
	ErrStoreUnavailable = errors.New("lexicon: document store unavailable")

	// ErrNotFound is returned by stores when no document exists for the
	// admin/doc-type pair.
	ErrNotFound = errors.New("lexicon: document not found")

	// ErrTermExists and ErrTermUnknown guard admin mutations.
	ErrTermExists  = errors.New("lexicon: term already exists")
	ErrTermUnknown = errors.New("lexicon: term not found")
)

// Config is the per-admin pipeline and normalization configuration.
// Values are deep-copied on load; callers may treat a Config as immutable.
type Config struct {
	// Language is the default recognition and normalization language tag.
	Language string `json:"language" yaml:"language"`

	// ASRPrompt is the vocabulary bias hint forwarded to the ASR provider.
	ASRPrompt string `json:"asr_prompt" yaml:"asr_prompt"`

	// MinSimilarity is the acceptance threshold for the phonetic/fuzzy
	// normalization stage (0–1).
	MinSimilarity float64 `json:"min_similarity" yaml:"min_similarity"`

	// RemoveTrailingPunctuation strips sentence-final '!', '?' and ';'.
	RemoveTrailingPunctuation bool `json:"remove_trailing_punctuation" yaml:"remove_trailing_punctuation"`

	// RemoveFinalPeriod strips sentence-final periods not adjacent to digits.
	RemoveFinalPeriod bool `json:"remove_final_period" yaml:"remove_final_period"`

	// Audio buffer tuning (see pkg/audio.Buffer).
	SmallThresholdBytes int `json:"small_threshold_bytes" yaml:"small_threshold_bytes"`
	AccumulateCount     int `json:"accumulate_count" yaml:"accumulate_count"`
	MaxDurationMs       int `json:"max_duration_ms" yaml:"max_duration_ms"`

	// SilenceThresholdMs closes the current transcript paragraph after this
	// much silence between chunks.
	SilenceThresholdMs int `json:"silence_threshold_ms" yaml:"silence_threshold_ms"`
}

// DefaultConfig returns the configuration used when an admin has not saved
// one yet.
func DefaultConfig() *Config {
	return &Config{
		Language:                  "nl",
		MinSimilarity:             0.8,
		RemoveTrailingPunctuation: true,
		RemoveFinalPeriod:         true,
		SmallThresholdBytes:       2048,
		AccumulateCount:           3,
		MaxDurationMs:             500,
		SilenceThresholdMs:        2000,
	}
}

// Snapshot is the immutable, fully-indexed lexicon view consumed by the
// normalizer. It is rebuilt as a whole on every admin mutation and swapped
// atomically; all maps and slices are private to the snapshot and must not
// be mutated by callers.
type Snapshot struct {
	// Version counts mutations since process start for this admin.
	Version uint64

	// Canonical maps the lowercase form of every canonical term to its
	// case-preserved spelling.
	Canonical map[string]string

	// Categories maps category name to its canonical term list.
	Categories map[string][]string

	// Variants maps a lowercase variant spelling to its canonical term,
	// flattened across categories (variants are unique per lexicon).
	Variants map[string]string

	// Protected holds lowercase words exempt from fuzzy rewriting.
	Protected map[string]struct{}

	// CustomPatterns maps a lowercase whole word to its replacement,
	// applied case-insensitively before any other rewriting.
	CustomPatterns map[string]string

	// Soundex maps a soundex code to the canonical terms in its bucket.
	Soundex map[string][]string

	// Hyphenated maps the lowercase form of canonical terms containing a
	// hyphen to their canonical spelling; these keep their hyphen.
	Hyphenated map[string]string

	// NumberWords maps Dutch number words to digit strings.
	NumberWords map[string]string

	// Triggers are the dental-context words that license element-number
	// rewriting ("element", "tand", "kies", …).
	Triggers map[string]struct{}

	// SuffixGroups are morphological suffix families; fuzzy matches must
	// stay within a family.
	SuffixGroups [][]string

	// Units are the measurement units recognized by protection and
	// compaction ("mm", "cm", "ml", "%", …).
	Units []string
}

// IsCanonical reports whether the lowercase form of term is a canonical term.
func (s *Snapshot) IsCanonical(term string) bool {
	_, ok := s.Canonical[strings.ToLower(term)]
	return ok
}

// IsProtected reports whether the lowercase form of word is protected.
func (s *Snapshot) IsProtected(word string) bool {
	_, ok := s.Protected[strings.ToLower(word)]
	return ok
}

// IsTrigger reports whether word (lowercased) is a dental-context trigger.
func (s *Snapshot) IsTrigger(word string) bool {
	_, ok := s.Triggers[strings.ToLower(word)]
	return ok
}

// folder collapses the Dutch grapheme confusions that ASR output exhibits
// (c/k, cc/c, uu/u and the diaeresis vowels) so that edit distance and
// soundex see mishearings as near-identical.
var folder = strings.NewReplacer(
	"ï", "i",
	"ë", "e",
	"uu", "u",
	"cc", "k",
	"c", "k",
)

// Fold lowercases word and collapses Dutch grapheme confusions. Both the
// soundex index and the fuzzy scorer fold through this function, so a folded
// lookup always lands in the right bucket.
func Fold(word string) string {
	return folder.Replace(strings.ToLower(word))
}

// SuffixClass returns the index of the suffix group that word belongs to,
// or -1 when no group suffix matches. The longest matching suffix wins so
// that e.g. "-alen" is classified before "-en".
func (s *Snapshot) SuffixClass(word string) int {
	lower := strings.ToLower(word)
	best, bestLen := -1, 0
	for i, group := range s.SuffixGroups {
		for _, suffix := range group {
			if len(suffix) > bestLen && strings.HasSuffix(lower, suffix) {
				best, bestLen = i, len(suffix)
			}
		}
	}
	return best
}

// buildIndexes populates the derived fields (Canonical, Soundex, Hyphenated)
// from Categories. Called whenever a snapshot is (re)built.
func (s *Snapshot) buildIndexes() {
	s.Canonical = make(map[string]string)
	s.Soundex = make(map[string][]string)
	s.Hyphenated = make(map[string]string)

	for _, terms := range s.Categories {
		for _, term := range terms {
			lower := strings.ToLower(term)
			if _, seen := s.Canonical[lower]; seen {
				continue
			}
			s.Canonical[lower] = term
			if strings.Contains(term, "-") {
				s.Hyphenated[lower] = term
			}
			// Multi-word terms are indexed by each word so that a
			// misheard single word can still land in the right bucket.
			for _, w := range strings.Fields(lower) {
				code := matchr.Soundex(Fold(strings.ReplaceAll(w, "-", "")))
				if code == "" {
					continue
				}
				s.Soundex[code] = append(s.Soundex[code], term)
			}
		}
	}
}
