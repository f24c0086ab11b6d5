package lexicon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// DocumentStore is the external per-admin document store. Implementations
// must return [ErrNotFound] (possibly wrapped) when no document exists and
// should wrap infrastructure failures so they classify as store errors.
type DocumentStore interface {
	Load(ctx context.Context, adminID, docType string) ([]byte, error)
	Save(ctx context.Context, adminID, docType string, payload []byte) error
}

// lexiconDoc is the persisted shape of the lexicon document.
type lexiconDoc struct {
	Categories map[string][]string `json:"categories"`
	Variants   map[string]string   `json:"variants"`
}

// backupDoc is the shape of a full configuration backup.
type backupDoc struct {
	Config         *Config             `json:"config"`
	Categories     map[string][]string `json:"categories"`
	Variants       map[string]string   `json:"variants"`
	ProtectedWords []string            `json:"protected_words"`
	CustomPatterns map[string]string   `json:"custom_patterns"`
}

// entry is one admin's cached state. Snapshot and config pointers are
// replaced wholesale on mutation; readers get the pointer under the service
// lock and then use it without further synchronization.
type entry struct {
	config  *Config
	snap    *Snapshot
	version uint64
}

// Service is the read-through cache over the document store. All methods
// are safe for concurrent use.
type Service struct {
	store DocumentStore

	mu      sync.Mutex
	entries map[string]*entry
}

// NewService creates a Service backed by store.
func NewService(store DocumentStore) *Service {
	return &Service{
		store:   store,
		entries: make(map[string]*entry),
	}
}

// Config returns the admin's configuration snapshot, loading it on first
// access. The returned value must be treated as read-only.
func (s *Service) Config(ctx context.Context, adminID string) (*Config, error) {
	e, err := s.loadEntry(ctx, adminID)
	if err != nil {
		return nil, err
	}
	return e.config, nil
}

// Snapshot returns the admin's lexicon snapshot, loading it on first access.
func (s *Service) Snapshot(ctx context.Context, adminID string) (*Snapshot, error) {
	e, err := s.loadEntry(ctx, adminID)
	if err != nil {
		return nil, err
	}
	return e.snap, nil
}

// Invalidate drops the cached entry so the next read goes to the store.
func (s *Service) Invalidate(adminID string) {
	s.mu.Lock()
	delete(s.entries, adminID)
	s.mu.Unlock()
}

// ── Admin mutations ────────────────────────────────────────────────────────────

// AddCanonical adds a canonical term to a category. The category is created
// if it does not exist.
func (s *Service) AddCanonical(ctx context.Context, adminID, category, term string) error {
	term = strings.TrimSpace(term)
	if term == "" {
		return errors.New("lexicon: term must not be empty")
	}
	return s.mutate(ctx, adminID, func(snap *Snapshot) error {
		if snap.IsCanonical(term) {
			return fmt.Errorf("%w: %q", ErrTermExists, term)
		}
		snap.Categories[category] = append(snap.Categories[category], term)
		return nil
	})
}

// RemoveCanonical removes a canonical term from a category, along with any
// variants that pointed at it.
func (s *Service) RemoveCanonical(ctx context.Context, adminID, category, term string) error {
	lower := strings.ToLower(strings.TrimSpace(term))
	return s.mutate(ctx, adminID, func(snap *Snapshot) error {
		terms, ok := snap.Categories[category]
		if !ok {
			return fmt.Errorf("%w: category %q", ErrTermUnknown, category)
		}
		idx := -1
		for i, t := range terms {
			if strings.ToLower(t) == lower {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %q in %q", ErrTermUnknown, term, category)
		}
		canonical := terms[idx]
		snap.Categories[category] = append(terms[:idx], terms[idx+1:]...)
		if len(snap.Categories[category]) == 0 {
			delete(snap.Categories, category)
		}
		for variant, target := range snap.Variants {
			if target == canonical {
				delete(snap.Variants, variant)
			}
		}
		return nil
	})
}

// AddVariant registers a single-word variant spelling for a canonical term.
func (s *Service) AddVariant(ctx context.Context, adminID, variant, canonical string) error {
	variant = strings.ToLower(strings.TrimSpace(variant))
	canonical = strings.TrimSpace(canonical)
	if variant == "" || canonical == "" {
		return errors.New("lexicon: variant and canonical must not be empty")
	}
	if strings.ContainsRune(variant, ' ') {
		return errors.New("lexicon: use AddMultiwordVariant for multi-word variants")
	}
	return s.addVariant(ctx, adminID, variant, canonical)
}

// AddMultiwordVariant registers a multi-word variant phrase ("peri apicaal")
// for a canonical term.
func (s *Service) AddMultiwordVariant(ctx context.Context, adminID, variant, canonical string) error {
	variant = strings.ToLower(strings.Join(strings.Fields(variant), " "))
	canonical = strings.TrimSpace(canonical)
	if variant == "" || canonical == "" {
		return errors.New("lexicon: variant and canonical must not be empty")
	}
	return s.addVariant(ctx, adminID, variant, canonical)
}

func (s *Service) addVariant(ctx context.Context, adminID, variant, canonical string) error {
	return s.mutate(ctx, adminID, func(snap *Snapshot) error {
		if !snap.IsCanonical(canonical) {
			return fmt.Errorf("%w: canonical %q", ErrTermUnknown, canonical)
		}
		if existing, ok := snap.Variants[variant]; ok && existing != canonical {
			return fmt.Errorf("%w: variant %q already maps to %q", ErrTermExists, variant, existing)
		}
		// Store the case-preserved canonical spelling.
		snap.Variants[variant] = snap.Canonical[strings.ToLower(canonical)]
		return nil
	})
}

// SaveConfig validates and persists a new per-admin configuration and
// replaces the cached copy.
func (s *Service) SaveConfig(ctx context.Context, adminID string, cfg *Config) error {
	if cfg.MinSimilarity < 0 || cfg.MinSimilarity > 1 {
		return fmt.Errorf("lexicon: min_similarity %.2f is out of range [0, 1]", cfg.MinSimilarity)
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("lexicon: encode config: %w", err)
	}
	if err := s.store.Save(ctx, adminID, DocConfig, payload); err != nil {
		return fmt.Errorf("%w: save config: %w", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[adminID]; ok {
		cp := *cfg
		e.config = &cp
		e.version++
	}
	return nil
}

// ── Queries ────────────────────────────────────────────────────────────────────

// CategoryNames returns the admin's category names, sorted.
func (s *Service) CategoryNames(ctx context.Context, adminID string) ([]string, error) {
	snap, err := s.Snapshot(ctx, adminID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(snap.Categories))
	for name := range snap.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Terms returns the canonical terms of a category, sorted.
func (s *Service) Terms(ctx context.Context, adminID, category string) ([]string, error) {
	snap, err := s.Snapshot(ctx, adminID)
	if err != nil {
		return nil, err
	}
	terms, ok := snap.Categories[category]
	if !ok {
		return nil, fmt.Errorf("%w: category %q", ErrTermUnknown, category)
	}
	out := append([]string(nil), terms...)
	sort.Strings(out)
	return out, nil
}

// SearchHit is one lexicon search result.
type SearchHit struct {
	Term     string `json:"term"`
	Category string `json:"category"`
	Variant  bool   `json:"variant"`
}

// Search returns canonical terms and variants containing q
// (case-insensitive substring match), sorted by term.
func (s *Service) Search(ctx context.Context, adminID, q string) ([]SearchHit, error) {
	snap, err := s.Snapshot(ctx, adminID)
	if err != nil {
		return nil, err
	}
	q = strings.ToLower(strings.TrimSpace(q))
	var hits []SearchHit
	for category, terms := range snap.Categories {
		for _, term := range terms {
			if q == "" || strings.Contains(strings.ToLower(term), q) {
				hits = append(hits, SearchHit{Term: term, Category: category})
			}
		}
	}
	for variant := range snap.Variants {
		if q != "" && strings.Contains(variant, q) {
			hits = append(hits, SearchHit{Term: variant, Variant: true})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Term < hits[j].Term })
	return hits, nil
}

// ── Backup / restore ───────────────────────────────────────────────────────────

// Backup serializes the admin's full configuration (config, lexicon,
// protected words, custom patterns) into a single JSON document.
func (s *Service) Backup(ctx context.Context, adminID string) ([]byte, error) {
	e, err := s.loadEntry(ctx, adminID)
	if err != nil {
		return nil, err
	}
	protected := make([]string, 0, len(e.snap.Protected))
	for w := range e.snap.Protected {
		protected = append(protected, w)
	}
	sort.Strings(protected)
	return json.Marshal(backupDoc{
		Config:         e.config,
		Categories:     e.snap.Categories,
		Variants:       e.snap.Variants,
		ProtectedWords: protected,
		CustomPatterns: e.snap.CustomPatterns,
	})
}

// Restore replaces the admin's stored documents with the contents of a
// backup produced by [Service.Backup] and swaps in the rebuilt snapshot.
func (s *Service) Restore(ctx context.Context, adminID string, payload []byte) error {
	var doc backupDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("lexicon: decode backup: %w", err)
	}
	if doc.Config == nil {
		doc.Config = DefaultConfig()
	}

	if err := s.persistAll(ctx, adminID, &doc); err != nil {
		return err
	}

	snap := &Snapshot{
		Categories:     doc.Categories,
		Variants:       doc.Variants,
		Protected:      toSet(doc.ProtectedWords),
		CustomPatterns: doc.CustomPatterns,
		NumberWords:    copyStringMap(defaultNumberWords),
		Triggers:       toSet(defaultTriggers),
		SuffixGroups:   copyGroups(defaultSuffixGroups),
		Units:          append([]string(nil), defaultUnits...),
	}
	if snap.Categories == nil {
		snap.Categories = map[string][]string{}
	}
	if snap.Variants == nil {
		snap.Variants = map[string]string{}
	}
	if snap.CustomPatterns == nil {
		snap.CustomPatterns = map[string]string{}
	}
	snap.buildIndexes()

	s.mu.Lock()
	defer s.mu.Unlock()
	version := uint64(1)
	if prev, ok := s.entries[adminID]; ok {
		version = prev.version + 1
	}
	snap.Version = version
	s.entries[adminID] = &entry{config: doc.Config, snap: snap, version: version}
	return nil
}

// ── Internals ──────────────────────────────────────────────────────────────────

// loadEntry returns the cached entry for adminID, reading through to the
// store on first access. Missing documents fall back to defaults.
func (s *Service) loadEntry(ctx context.Context, adminID string) (*entry, error) {
	s.mu.Lock()
	if e, ok := s.entries[adminID]; ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	cfg, err := s.loadConfig(ctx, adminID)
	if err != nil {
		return nil, err
	}
	snap, err := s.loadSnapshot(ctx, adminID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have raced us here; keep its entry.
	if e, ok := s.entries[adminID]; ok {
		return e, nil
	}
	e := &entry{config: cfg, snap: snap, version: 1}
	snap.Version = 1
	s.entries[adminID] = e
	return e, nil
}

func (s *Service) loadConfig(ctx context.Context, adminID string) (*Config, error) {
	payload, err := s.store.Load(ctx, adminID, DocConfig)
	if errors.Is(err, ErrNotFound) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load config: %w", ErrStoreUnavailable, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(payload, cfg); err != nil {
		return nil, fmt.Errorf("lexicon: decode config for %q: %w", adminID, err)
	}
	return cfg, nil
}

func (s *Service) loadSnapshot(ctx context.Context, adminID string) (*Snapshot, error) {
	snap := defaultSnapshot()

	if payload, err := s.store.Load(ctx, adminID, DocLexicon); err == nil {
		var doc lexiconDoc
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("lexicon: decode lexicon for %q: %w", adminID, err)
		}
		if doc.Categories != nil {
			snap.Categories = doc.Categories
		}
		if doc.Variants != nil {
			snap.Variants = doc.Variants
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: load lexicon: %w", ErrStoreUnavailable, err)
	}

	if payload, err := s.store.Load(ctx, adminID, DocProtectedWords); err == nil {
		var words []string
		if err := json.Unmarshal(payload, &words); err != nil {
			return nil, fmt.Errorf("lexicon: decode protected words for %q: %w", adminID, err)
		}
		snap.Protected = toSet(words)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: load protected words: %w", ErrStoreUnavailable, err)
	}

	if payload, err := s.store.Load(ctx, adminID, DocCustomPatterns); err == nil {
		var patterns map[string]string
		if err := json.Unmarshal(payload, &patterns); err != nil {
			return nil, fmt.Errorf("lexicon: decode custom patterns for %q: %w", adminID, err)
		}
		snap.CustomPatterns = patterns
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: load custom patterns: %w", ErrStoreUnavailable, err)
	}

	snap.buildIndexes()
	return snap, nil
}

// mutate loads the admin's entry, applies fn to a deep copy of the
// snapshot, persists the result, and atomically swaps the cache entry.
func (s *Service) mutate(ctx context.Context, adminID string, fn func(*Snapshot) error) error {
	e, err := s.loadEntry(ctx, adminID)
	if err != nil {
		return err
	}

	next := cloneSnapshot(e.snap)
	if err := fn(next); err != nil {
		return err
	}
	next.buildIndexes()

	payload, err := json.Marshal(lexiconDoc{Categories: next.Categories, Variants: next.Variants})
	if err != nil {
		return fmt.Errorf("lexicon: encode lexicon: %w", err)
	}
	if err := s.store.Save(ctx, adminID, DocLexicon, payload); err != nil {
		return fmt.Errorf("%w: save lexicon: %w", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[adminID]
	if !ok {
		cur = &entry{config: e.config}
		s.entries[adminID] = cur
	}
	cur.version++
	next.Version = cur.version
	cur.snap = next
	slog.Debug("lexicon snapshot replaced", "admin_id", adminID, "version", cur.version)
	return nil
}

func (s *Service) persistAll(ctx context.Context, adminID string, doc *backupDoc) error {
	saves := []struct {
		docType string
		value   any
	}{
		{DocConfig, doc.Config},
		{DocLexicon, lexiconDoc{Categories: doc.Categories, Variants: doc.Variants}},
		{DocProtectedWords, doc.ProtectedWords},
		{DocCustomPatterns, doc.CustomPatterns},
	}
	for _, sv := range saves {
		payload, err := json.Marshal(sv.value)
		if err != nil {
			return fmt.Errorf("lexicon: encode %s: %w", sv.docType, err)
		}
		if err := s.store.Save(ctx, adminID, sv.docType, payload); err != nil {
			return fmt.Errorf("%w: save %s: %w", ErrStoreUnavailable, sv.docType, err)
		}
	}
	return nil
}

func cloneSnapshot(in *Snapshot) *Snapshot {
	out := &Snapshot{
		Categories:     copyCategories(in.Categories),
		Variants:       copyStringMap(in.Variants),
		Protected:      make(map[string]struct{}, len(in.Protected)),
		CustomPatterns: copyStringMap(in.CustomPatterns),
		NumberWords:    copyStringMap(in.NumberWords),
		Triggers:       make(map[string]struct{}, len(in.Triggers)),
		SuffixGroups:   copyGroups(in.SuffixGroups),
		Units:          append([]string(nil), in.Units...),
	}
	for w := range in.Protected {
		out.Protected[w] = struct{}{}
	}
	for t := range in.Triggers {
		out.Triggers[t] = struct{}{}
	}
	return out
}
