package lexicon

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// memStore is an in-memory DocumentStore.
type memStore struct {
	mu    sync.Mutex
	docs  map[string][]byte
	fail  error
	saves int
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string][]byte)}
}

func (m *memStore) Load(_ context.Context, adminID, docType string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	payload, ok := m.docs[adminID+"/"+docType]
	if !ok {
		return nil, ErrNotFound
	}
	return payload, nil
}

func (m *memStore) Save(_ context.Context, adminID, docType string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.docs[adminID+"/"+docType] = payload
	m.saves++
	return nil
}

func TestServiceDefaultsWhenEmpty(t *testing.T) {
	t.Parallel()
	svc := NewService(newMemStore())

	cfg, err := svc.Config(context.Background(), "a1")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Language != "nl" || cfg.MinSimilarity != 0.8 {
		t.Errorf("unexpected default config: %+v", cfg)
	}

	snap, err := svc.Snapshot(context.Background(), "a1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.IsCanonical("cariës") {
		t.Error("default lexicon should contain cariës")
	}
	if !snap.IsProtected("niet") {
		t.Error("default lexicon should protect niet")
	}
	if snap.Version != 1 {
		t.Errorf("fresh snapshot version = %d, want 1", snap.Version)
	}
}

func TestServiceAddRemoveCanonical(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	svc := NewService(store)
	ctx := context.Background()

	if err := svc.AddCanonical(ctx, "a1", "diagnose", "leukoplakie"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.AddCanonical(ctx, "a1", "diagnose", "leukoplakie"); !errors.Is(err, ErrTermExists) {
		t.Errorf("duplicate add error = %v, want ErrTermExists", err)
	}

	snap, err := svc.Snapshot(ctx, "a1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.IsCanonical("leukoplakie") {
		t.Error("added term missing from snapshot")
	}
	if snap.Version != 2 {
		t.Errorf("version after one mutation = %d, want 2", snap.Version)
	}

	if err := svc.RemoveCanonical(ctx, "a1", "diagnose", "leukoplakie"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := svc.RemoveCanonical(ctx, "a1", "diagnose", "leukoplakie"); !errors.Is(err, ErrTermUnknown) {
		t.Errorf("remove missing error = %v, want ErrTermUnknown", err)
	}

	// The mutation must have hit the store, not only the cache.
	if _, ok := store.docs["a1/"+DocLexicon]; !ok {
		t.Error("lexicon document was not persisted")
	}
}

func TestServiceVariants(t *testing.T) {
	t.Parallel()
	svc := NewService(newMemStore())
	ctx := context.Background()

	if err := svc.AddVariant(ctx, "a1", "gingivitus", "gingivitis"); err != nil {
		t.Fatalf("add variant: %v", err)
	}
	if err := svc.AddVariant(ctx, "a1", "gingivitus", "parodontitis"); !errors.Is(err, ErrTermExists) {
		t.Errorf("conflicting variant error = %v, want ErrTermExists", err)
	}
	if err := svc.AddVariant(ctx, "a1", "nope", "no-such-term"); !errors.Is(err, ErrTermUnknown) {
		t.Errorf("unknown canonical error = %v, want ErrTermUnknown", err)
	}
	if err := svc.AddVariant(ctx, "a1", "two words", "cariës"); err == nil {
		t.Error("AddVariant should reject multi-word variants")
	}
	if err := svc.AddMultiwordVariant(ctx, "a1", "peri  apicaal", "peri-apicaal"); err != nil {
		t.Fatalf("add multiword variant: %v", err)
	}

	snap, err := svc.Snapshot(ctx, "a1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Variants["gingivitus"] != "gingivitis" {
		t.Errorf("variant maps to %q, want gingivitis", snap.Variants["gingivitus"])
	}
	if snap.Variants["peri apicaal"] != "peri-apicaal" {
		t.Errorf("multiword variant maps to %q, want peri-apicaal", snap.Variants["peri apicaal"])
	}

	// Removing the canonical drops its variants too.
	if err := svc.RemoveCanonical(ctx, "a1", "diagnose", "gingivitis"); err != nil {
		t.Fatalf("remove canonical: %v", err)
	}
	snap, err = svc.Snapshot(ctx, "a1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, ok := snap.Variants["gingivitus"]; ok {
		t.Error("variant should be dropped with its canonical")
	}
}

func TestServiceStoreUnavailable(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.fail = errors.New("connection refused")
	svc := NewService(store)

	_, err := svc.Config(context.Background(), "a1")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("error = %v, want ErrStoreUnavailable", err)
	}
}

func TestServiceSaveConfigValidates(t *testing.T) {
	t.Parallel()
	svc := NewService(newMemStore())
	ctx := context.Background()

	bad := DefaultConfig()
	bad.MinSimilarity = 1.5
	if err := svc.SaveConfig(ctx, "a1", bad); err == nil {
		t.Error("out-of-range min_similarity should be rejected")
	}

	good := DefaultConfig()
	good.MinSimilarity = 0.9
	good.Language = "en"
	if err := svc.SaveConfig(ctx, "a1", good); err != nil {
		t.Fatalf("save config: %v", err)
	}
	cfg, err := svc.Config(ctx, "a1")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Language != "en" || cfg.MinSimilarity != 0.9 {
		t.Errorf("config not persisted: %+v", cfg)
	}
}

func TestServiceBackupRestore(t *testing.T) {
	t.Parallel()
	svc := NewService(newMemStore())
	ctx := context.Background()

	if err := svc.AddCanonical(ctx, "a1", "diagnose", "leukoplakie"); err != nil {
		t.Fatalf("add: %v", err)
	}
	payload, err := svc.Backup(ctx, "a1")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("backup is not valid JSON: %v", err)
	}

	// Restore into a second admin on a fresh service.
	svc2 := NewService(newMemStore())
	if err := svc2.Restore(ctx, "a2", payload); err != nil {
		t.Fatalf("restore: %v", err)
	}
	snap, err := svc2.Snapshot(ctx, "a2")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.IsCanonical("leukoplakie") {
		t.Error("restored snapshot missing term added before backup")
	}

	if err := svc2.Restore(ctx, "a2", []byte("{not json")); err == nil {
		t.Error("restore should reject malformed payloads")
	}
}

func TestServiceSearch(t *testing.T) {
	t.Parallel()
	svc := NewService(newMemStore())
	ctx := context.Background()

	hits, err := svc.Search(ctx, "a1", "cari")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	foundCanonical, foundVariant := false, false
	for _, h := range hits {
		if h.Term == "cariës" && !h.Variant {
			foundCanonical = true
		}
		if h.Variant && h.Term == "caries" {
			foundVariant = true
		}
	}
	if !foundCanonical || !foundVariant {
		t.Errorf("search hits = %+v, want cariës and variant caries", hits)
	}
}

func TestServiceInvalidateReloads(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	svc := NewService(store)
	ctx := context.Background()

	if _, err := svc.Snapshot(ctx, "a1"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Simulate an out-of-band write to the store.
	doc, _ := json.Marshal(lexiconDoc{
		Categories: map[string][]string{"diagnose": {"glossitis"}},
		Variants:   map[string]string{},
	})
	if err := store.Save(ctx, "a1", DocLexicon, doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	svc.Invalidate("a1")
	snap, err := svc.Snapshot(ctx, "a1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.IsCanonical("glossitis") {
		t.Error("invalidate should force a reload from the store")
	}
}
