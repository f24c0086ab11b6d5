// Package api exposes the REST surface of the relay: login and token
// minting, device pairing, one-shot transcription, lexicon and
// configuration management, and operational status.
//
// All bodies are JSON. Errors are returned as {"error": "..."} with a
// status code derived from the underlying domain error.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tandemdental/dentascribe/internal/auth"
	"github.com/tandemdental/dentascribe/internal/health"
	"github.com/tandemdental/dentascribe/internal/hub"
	"github.com/tandemdental/dentascribe/internal/lexicon"
	"github.com/tandemdental/dentascribe/internal/normalize"
	"github.com/tandemdental/dentascribe/internal/pairing"
	"github.com/tandemdental/dentascribe/internal/scheduler"
	"github.com/tandemdental/dentascribe/pkg/provider/asr"
)

// maxUploadBytes caps the decoded audio payload of the one-shot
// transcription endpoints.
const maxUploadBytes = 25 << 20

// Server holds the dependencies behind the REST handlers.
type Server struct {
	tokens   *auth.TokenService
	authn    *auth.Authenticator
	pairs    *pairing.Registry
	hub      *hub.Hub
	sched    *scheduler.Scheduler
	lex      *lexicon.Service
	provider asr.Provider
	norms    *normalize.Cache
	health   *health.Handler
}

// Config wires a Server. All fields are required except Health, which
// defaults to a handler with no readiness checks.
type Config struct {
	Tokens   *auth.TokenService
	Authn    *auth.Authenticator
	Pairs    *pairing.Registry
	Hub      *hub.Hub
	Sched    *scheduler.Scheduler
	Lexicon  *lexicon.Service
	Provider asr.Provider
	Health   *health.Handler
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	h := cfg.Health
	if h == nil {
		h = health.New()
	}
	return &Server{
		tokens:   cfg.Tokens,
		authn:    cfg.Authn,
		pairs:    cfg.Pairs,
		hub:      cfg.Hub,
		sched:    cfg.Sched,
		lex:      cfg.Lexicon,
		provider: cfg.Provider,
		norms:    normalize.NewCache(),
		health:   h,
	}
}

// Handler returns the full REST mux. The WebSocket endpoint and any
// observability middleware are mounted by the caller.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("POST /api/auth/ws-token", s.handleWSToken)
	mux.HandleFunc("POST /api/auth/ws-token-mobile", s.handleWSTokenMobile)

	mux.HandleFunc("POST /api/generate-pair-code", s.handleGeneratePairCode)
	mux.HandleFunc("POST /api/pair-device", s.handlePairDevice)

	mux.HandleFunc("POST /api/ai/transcribe", s.handleTranscribe)
	mux.HandleFunc("POST /api/ai/transcribe-file", s.handleTranscribeFile)
	mux.HandleFunc("GET /api/ai/status", s.handleStatus)

	mux.HandleFunc("GET /api/lexicon/full", s.handleLexiconFull)
	mux.HandleFunc("GET /api/lexicon/categories", s.handleLexiconCategories)
	mux.HandleFunc("GET /api/lexicon/terms/{category}", s.handleLexiconTerms)
	mux.HandleFunc("POST /api/lexicon/add-canonical", s.handleAddCanonical)
	mux.HandleFunc("DELETE /api/lexicon/remove-canonical", s.handleRemoveCanonical)
	mux.HandleFunc("POST /api/lexicon/add-variant", s.handleAddVariant)
	mux.HandleFunc("POST /api/lexicon/add-multiword-variant", s.handleAddMultiwordVariant)
	mux.HandleFunc("GET /api/lexicon/search", s.handleLexiconSearch)

	mux.HandleFunc("GET /api/ai/normalization/config", s.handleConfigGet)
	mux.HandleFunc("POST /api/ai/config/save", s.handleConfigSave)
	mux.HandleFunc("GET /api/ai/config/backup", s.handleConfigBackup)
	mux.HandleFunc("POST /api/ai/config/restore", s.handleConfigRestore)

	s.health.Register(mux)
	mux.HandleFunc("GET /health", s.health.Healthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// ── Request plumbing ───────────────────────────────────────────────────────────

// session verifies the desktop session cookie and returns its claims.
// Writes a 401 and returns nil when the cookie is missing or invalid.
func (s *Server) session(w http.ResponseWriter, r *http.Request) *auth.Claims {
	claims, err := s.tokens.SessionFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return nil
	}
	return claims
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeDomainError maps a domain error onto an HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrTokenExpired):
		status = http.StatusUnauthorized
	case errors.Is(err, pairing.ErrCodeInvalid):
		status = http.StatusNotFound
	case errors.Is(err, pairing.ErrCodeExpired):
		status = http.StatusGone
	case errors.Is(err, pairing.ErrCodeAlreadyUsed),
		errors.Is(err, pairing.ErrNoDesktop):
		status = http.StatusConflict
	case errors.Is(err, lexicon.ErrTermExists):
		status = http.StatusConflict
	case errors.Is(err, lexicon.ErrTermUnknown):
		status = http.StatusNotFound
	case errors.Is(err, lexicon.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}
