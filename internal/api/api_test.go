package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tandemdental/dentascribe/internal/auth"
	"github.com/tandemdental/dentascribe/internal/hub"
	"github.com/tandemdental/dentascribe/internal/lexicon"
	"github.com/tandemdental/dentascribe/internal/pairing"
	"github.com/tandemdental/dentascribe/internal/scheduler"
	"github.com/tandemdental/dentascribe/pkg/audio"
	"github.com/tandemdental/dentascribe/pkg/provider/asr/mock"
)

// memStore is an in-memory lexicon.DocumentStore.
type memStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string][]byte)}
}

func (m *memStore) Load(_ context.Context, adminID, docType string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.docs[adminID+"/"+docType]
	if !ok {
		return nil, lexicon.ErrNotFound
	}
	return append([]byte(nil), payload...), nil
}

func (m *memStore) Save(_ context.Context, adminID, docType string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[adminID+"/"+docType] = append([]byte(nil), payload...)
	return nil
}

// staticDir is a fixed user directory.
type staticDir map[string]*auth.User

func (d staticDir) UserByEmail(_ context.Context, email string) (*auth.User, error) {
	if u, ok := d[email]; ok {
		return u, nil
	}
	return nil, auth.ErrUserNotFound
}

type env struct {
	ts       *httptest.Server
	client   *http.Client
	provider *mock.Provider
	pairs    *pairing.Registry
}

const (
	testEmail    = "vera@praktijk.example"
	testPassword = "wortelkanaal"
)

// newEnv builds a full REST server over in-memory dependencies. The
// server uses TLS so the Secure session cookie round-trips through the
// client's jar.
func newEnv(t *testing.T) *env {
	t.Helper()

	tokens, err := auth.NewTokenService([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	dir := staticDir{testEmail: {
		ID:           "admin-1",
		Email:        testEmail,
		PasswordHash: hash,
		Role:         "admin",
		AdminID:      "admin-1",
	}}

	lex := lexicon.NewService(newMemStore())
	prov := &mock.Provider{FixedText: "karius op kies twee zes"}
	pairs := pairing.NewRegistry()
	sched := scheduler.New(scheduler.Config{Sequential: true}, prov, lex, func(scheduler.Result) {})
	h := hub.New(tokens, pairs, sched, lex)

	srv := New(Config{
		Tokens:   tokens,
		Authn:    auth.NewAuthenticator(dir),
		Pairs:    pairs,
		Hub:      h,
		Sched:    sched,
		Lexicon:  lex,
		Provider: prov,
	})

	ts := httptest.NewTLSServer(srv.Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	client := ts.Client()
	client.Jar = jar

	return &env{ts: ts, client: client, provider: prov, pairs: pairs}
}

func (e *env) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := e.client.Post(e.ts.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.client.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *env) login(t *testing.T) {
	t.Helper()
	resp := e.post(t, "/api/auth/login", map[string]string{
		"email":    testEmail,
		"password": testPassword,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ── Auth ───────────────────────────────────────────────────────────────────────

func TestLogin(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/auth/login", map[string]string{
		"email":    testEmail,
		"password": "wrong",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", resp.StatusCode)
	}

	resp = e.post(t, "/api/auth/login", map[string]string{
		"email":    testEmail,
		"password": testPassword,
	})
	var body struct {
		User *auth.User `json:"user"`
	}
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	if body.User == nil || body.User.ID != "admin-1" {
		t.Fatalf("login user = %+v, want admin-1", body.User)
	}
}

func TestWSTokenRequiresSession(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/auth/ws-token", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	e.login(t)
	resp = e.post(t, "/api/auth/ws-token", nil)
	var tok tokenResponse
	decodeBody(t, resp, &tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if tok.Token == "" || tok.ExpiresIn <= 0 {
		t.Fatalf("token response = %+v", tok)
	}
}

func TestMobileTokenAndPairDevice(t *testing.T) {
	e := newEnv(t)

	pc, err := e.pairs.Issue("desk-1", "admin-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	resp := e.post(t, "/api/auth/ws-token-mobile", map[string]string{
		"pair_code": pc.Code,
		"username":  "hygienist",
	})
	var tok tokenResponse
	decodeBody(t, resp, &tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mobile token status = %d, want 200", resp.StatusCode)
	}
	if tok.InheritedFrom != "admin-1" {
		t.Errorf("inherited_from = %q, want admin-1", tok.InheritedFrom)
	}

	resp = e.post(t, "/api/pair-device", map[string]string{
		"code":              pc.Code,
		"mobile_session_id": "mob-1",
	})
	var paired pairDeviceResponse
	decodeBody(t, resp, &paired)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pair-device status = %d, want 200", resp.StatusCode)
	}
	if !paired.Success || paired.ChannelID != pc.ChannelID {
		t.Fatalf("pair-device response = %+v", paired)
	}

	// A code can be claimed exactly once.
	resp = e.post(t, "/api/pair-device", map[string]string{
		"code":              pc.Code,
		"mobile_session_id": "mob-2",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second claim status = %d, want 409", resp.StatusCode)
	}
}

func TestPairDeviceUnknownCode(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "/api/pair-device", map[string]string{
		"code":              "000000",
		"mobile_session_id": "mob-1",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGeneratePairCodeNeedsLiveDesktop(t *testing.T) {
	e := newEnv(t)
	e.login(t)

	// No WebSocket session is connected, so the channel join fails.
	resp := e.post(t, "/api/generate-pair-code", map[string]string{
		"desktop_session_id": "desk-1",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	// The failed issue must not leave a claimable code behind.
	if got := e.pairs.Active(); got != 0 {
		t.Errorf("active pair codes = %d, want 0 after failed join", got)
	}
}

// ── Transcription ──────────────────────────────────────────────────────────────

func testWAV() []byte {
	return audio.EncodeWAV(make([]byte, 3200), audio.DefaultSampleRate, audio.DefaultChannels)
}

func TestTranscribe(t *testing.T) {
	e := newEnv(t)
	e.login(t)

	resp := e.post(t, "/api/ai/transcribe", map[string]string{
		"audio_data": base64.StdEncoding.EncodeToString(testWAV()),
		"language":   "nl",
	})
	var body transcribeResponse
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body.Raw != "karius op kies twee zes" {
		t.Errorf("raw = %q", body.Raw)
	}
	if body.Normalized != "cariës op kies 26" {
		t.Errorf("normalized = %q, want %q", body.Normalized, "cariës op kies 26")
	}
	if body.Text != body.Normalized {
		t.Errorf("text = %q, want normalized form", body.Text)
	}
	if e.provider.Calls() != 1 {
		t.Errorf("provider calls = %d, want 1", e.provider.Calls())
	}
}

func TestTranscribeRequiresAuth(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "/api/ai/transcribe", map[string]string{
		"audio_data": base64.StdEncoding.EncodeToString(testWAV()),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestTranscribeRejectsBadBase64(t *testing.T) {
	e := newEnv(t)
	e.login(t)
	resp := e.post(t, "/api/ai/transcribe", map[string]string{"audio_data": "%%% not base64 %%%"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTranscribeFile(t *testing.T) {
	e := newEnv(t)
	e.login(t)

	var buf bytes.Buffer
	boundary := "testboundary"
	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Disposition: form-data; name=\"file\"; filename=\"visit.wav\"\r\n")
	fmt.Fprintf(&buf, "Content-Type: audio/wav\r\n\r\n")
	buf.Write(testWAV())
	fmt.Fprintf(&buf, "\r\n--%s--\r\n", boundary)

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/api/ai/transcribe-file", &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	var body transcribeResponse
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body.Raw != "karius op kies twee zes" {
		t.Errorf("raw = %q", body.Raw)
	}
}

// ── Lexicon ────────────────────────────────────────────────────────────────────

func TestLexiconMutations(t *testing.T) {
	e := newEnv(t)
	e.login(t)

	resp := e.post(t, "/api/lexicon/add-canonical", map[string]string{
		"category": "materialen",
		"term":     "zirkonia",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add-canonical status = %d, want 200", resp.StatusCode)
	}

	// Duplicates are rejected.
	resp = e.post(t, "/api/lexicon/add-canonical", map[string]string{
		"category": "materialen",
		"term":     "zirkonia",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}

	resp = e.post(t, "/api/lexicon/add-variant", map[string]string{
		"variant":   "zirconium",
		"canonical": "zirkonia",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add-variant status = %d, want 200", resp.StatusCode)
	}

	resp = e.post(t, "/api/lexicon/add-variant", map[string]string{
		"variant":   "whatever",
		"canonical": "no-such-term",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown canonical status = %d, want 404", resp.StatusCode)
	}

	resp = e.get(t, "/api/lexicon/terms/materialen")
	var terms struct {
		Category string   `json:"category"`
		Terms    []string `json:"terms"`
	}
	decodeBody(t, resp, &terms)
	found := false
	for _, term := range terms.Terms {
		if term == "zirkonia" {
			found = true
		}
	}
	if !found {
		t.Errorf("terms = %v, want zirkonia present", terms.Terms)
	}

	resp = e.get(t, "/api/lexicon/search?q=zirk")
	var search struct {
		Results []lexicon.SearchHit `json:"results"`
	}
	decodeBody(t, resp, &search)
	if len(search.Results) < 2 {
		t.Errorf("search hits = %+v, want canonical and variant", search.Results)
	}

	req, err := http.NewRequest(http.MethodDelete, e.ts.URL+"/api/lexicon/remove-canonical",
		strings.NewReader(`{"category":"materialen","term":"zirkonia"}`))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err = e.client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove-canonical status = %d, want 200", resp.StatusCode)
	}
}

func TestLexiconRequiresAuth(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/api/lexicon/categories")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

// ── Configuration ──────────────────────────────────────────────────────────────

func TestConfigSaveAndGet(t *testing.T) {
	e := newEnv(t)
	e.login(t)

	resp := e.get(t, "/api/ai/normalization/config")
	var cfg lexicon.Config
	decodeBody(t, resp, &cfg)
	if cfg.MinSimilarity != 0.8 {
		t.Errorf("default min_similarity = %v, want 0.8", cfg.MinSimilarity)
	}

	cfg.MinSimilarity = 0.9
	resp = e.post(t, "/api/ai/config/save", cfg)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d, want 200", resp.StatusCode)
	}

	resp = e.get(t, "/api/ai/normalization/config")
	decodeBody(t, resp, &cfg)
	if cfg.MinSimilarity != 0.9 {
		t.Errorf("saved min_similarity = %v, want 0.9", cfg.MinSimilarity)
	}

	cfg.MinSimilarity = 1.5
	resp = e.post(t, "/api/ai/config/save", cfg)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range save status = %d, want 400", resp.StatusCode)
	}
}

func TestBackupRestore(t *testing.T) {
	e := newEnv(t)
	e.login(t)

	resp := e.post(t, "/api/lexicon/add-canonical", map[string]string{
		"category": "materialen",
		"term":     "zirkonia",
	})
	resp.Body.Close()

	resp = e.get(t, "/api/ai/config/backup")
	backup, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("backup status = %d, want 200", resp.StatusCode)
	}

	restoreResp, err := e.client.Post(e.ts.URL+"/api/ai/config/restore", "application/json", bytes.NewReader(backup))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	restoreResp.Body.Close()
	if restoreResp.StatusCode != http.StatusOK {
		t.Fatalf("restore status = %d, want 200", restoreResp.StatusCode)
	}

	resp = e.get(t, "/api/lexicon/full")
	var full lexiconFullResponse
	decodeBody(t, resp, &full)
	found := false
	for _, term := range full.Categories["materialen"] {
		if term == "zirkonia" {
			found = true
		}
	}
	if !found {
		t.Errorf("restored categories = %v, want zirkonia in materialen", full.Categories)
	}
}

// ── Status and health ──────────────────────────────────────────────────────────

func TestStatus(t *testing.T) {
	e := newEnv(t)
	e.login(t)

	resp := e.get(t, "/api/ai/status")
	var st statusResponse
	decodeBody(t, resp, &st)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if st.Provider.Name != "mock" {
		t.Errorf("provider = %q, want mock", st.Provider.Name)
	}
	if st.BreakerState != "closed" {
		t.Errorf("breaker_state = %q, want closed", st.BreakerState)
	}
}

func TestHealthNoAuth(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/health")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
