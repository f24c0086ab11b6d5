package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/tandemdental/dentascribe/internal/lexicon"
)

// readBoundedBody reads at most 1 MiB of request body.
func readBoundedBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
}

type lexiconFullResponse struct {
	Categories map[string][]string `json:"categories"`
	Variants   map[string]string   `json:"variants"`
	Version    uint64              `json:"version"`
}

// handleLexiconFull returns the caller's complete lexicon.
func (s *Server) handleLexiconFull(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	snap, err := s.lex.Snapshot(r.Context(), claims.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lexiconFullResponse{
		Categories: snap.Categories,
		Variants:   snap.Variants,
		Version:    snap.Version,
	})
}

func (s *Server) handleLexiconCategories(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	names, err := s.lex.CategoryNames(r.Context(), claims.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"categories": names})
}

func (s *Server) handleLexiconTerms(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	category := r.PathValue("category")
	terms, err := s.lex.Terms(r.Context(), claims.Subject, category)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "terms": terms})
}

type canonicalRequest struct {
	Category string `json:"category"`
	Term     string `json:"term"`
}

func (s *Server) handleAddCanonical(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	var req canonicalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Category == "" || req.Term == "" {
		writeError(w, http.StatusBadRequest, "category and term are required")
		return
	}
	if err := s.lex.AddCanonical(r.Context(), claims.Subject, req.Category, req.Term); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRemoveCanonical(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	var req canonicalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.lex.RemoveCanonical(r.Context(), claims.Subject, req.Category, req.Term); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type variantRequest struct {
	Variant   string `json:"variant"`
	Canonical string `json:"canonical"`
}

func (s *Server) handleAddVariant(w http.ResponseWriter, r *http.Request) {
	s.addVariant(w, r, s.lex.AddVariant)
}

func (s *Server) handleAddMultiwordVariant(w http.ResponseWriter, r *http.Request) {
	s.addVariant(w, r, s.lex.AddMultiwordVariant)
}

func (s *Server) addVariant(w http.ResponseWriter, r *http.Request, add func(ctx context.Context, adminID, variant, canonical string) error) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	var req variantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Variant == "" || req.Canonical == "" {
		writeError(w, http.StatusBadRequest, "variant and canonical are required")
		return
	}
	if err := add(r.Context(), claims.Subject, req.Variant, req.Canonical); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleLexiconSearch(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	hits, err := s.lex.Search(r.Context(), claims.Subject, r.URL.Query().Get("q"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if hits == nil {
		hits = []lexicon.SearchHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

// ── Normalization configuration ────────────────────────────────────────────────

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	cfg, err := s.lex.Config(r.Context(), claims.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleConfigSave(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	cfg := lexicon.DefaultConfig()
	if !decodeJSON(w, r, cfg) {
		return
	}
	if err := s.lex.SaveConfig(r.Context(), claims.Subject, cfg); err != nil {
		if errors.Is(err, lexicon.ErrStoreUnavailable) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleConfigBackup(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	payload, err := s.lex.Backup(r.Context(), claims.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="dentascribe-backup.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleConfigRestore(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	payload, err := readBoundedBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read backup payload")
		return
	}
	if err := s.lex.Restore(r.Context(), claims.Subject, payload); err != nil {
		if errors.Is(err, lexicon.ErrStoreUnavailable) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
