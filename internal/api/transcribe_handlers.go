package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tandemdental/dentascribe/internal/scheduler"
	"github.com/tandemdental/dentascribe/pkg/audio"
	"github.com/tandemdental/dentascribe/pkg/provider/asr"
)

type transcribeRequest struct {
	AudioData string `json:"audio_data"`
	Language  string `json:"language"`
	Prompt    string `json:"prompt,omitempty"`
	Format    string `json:"format,omitempty"`
}

type transcribeResponse struct {
	Text       string        `json:"text"`
	Raw        string        `json:"raw"`
	Normalized string        `json:"normalized"`
	Segments   []asr.Segment `json:"segments,omitempty"`
	Language   string        `json:"language"`
	Duration   float64       `json:"duration"`
	Metadata   asr.Metadata  `json:"metadata"`
}

// handleTranscribe transcribes a single base64-encoded audio payload
// outside the WebSocket pipeline, applying the caller's lexicon.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}

	// Base64 expands payloads by 4/3; bound the body accordingly.
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes*4/3+4096)
	var req transcribeRequest
	if err := readJSONBody(r, &req); err != nil {
		if isBodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "audio payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AudioData == "" {
		writeError(w, http.StatusBadRequest, "audio_data is required")
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio_data is not valid base64")
		return
	}
	s.transcribePayload(w, r, claims.Subject, payload, req.Language, req.Prompt)
}

// handleTranscribeFile accepts a multipart upload with a "file" part.
func (s *Server) handleTranscribeFile(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	file, _, err := r.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "audio payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read upload")
		return
	}
	s.transcribePayload(w, r, claims.Subject, payload, r.FormValue("language"), r.FormValue("prompt"))
}

func (s *Server) transcribePayload(w http.ResponseWriter, r *http.Request, adminID string, payload []byte, language, prompt string) {
	if len(payload) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "audio payload too large")
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "audio payload is empty")
		return
	}
	if s.sched.Stats().BreakerState == "open" {
		writeError(w, http.StatusServiceUnavailable, "transcription temporarily unavailable")
		return
	}

	cfg, err := s.lex.Config(r.Context(), adminID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if language == "" {
		language = cfg.Language
	}
	if prompt == "" {
		prompt = cfg.ASRPrompt
	}

	// Raw PCM uploads are wrapped in a WAV container; WAV uploads from
	// browser capture are brought down to 16 kHz mono first.
	if audio.IsWAV(payload) {
		converted, err := audio.ToMono16k(payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unsupported audio format")
			return
		}
		payload = converted
	} else {
		payload = audio.EncodeWAV(payload, audio.DefaultSampleRate, audio.DefaultChannels)
	}

	res, err := s.provider.Transcribe(r.Context(), payload, asr.Options{
		Language: language,
		Prompt:   prompt,
	})
	if err != nil {
		writeASRError(w, err)
		return
	}

	normalized := res.Text
	if snap, err := s.lex.Snapshot(r.Context(), adminID); err == nil {
		normalized = s.norms.For(adminID, snap, cfg).Normalize(res.Text)
	}

	writeJSON(w, http.StatusOK, transcribeResponse{
		Text:       normalized,
		Raw:        res.Text,
		Normalized: normalized,
		Segments:   res.Segments,
		Language:   res.Language,
		Duration:   res.Duration.Seconds(),
		Metadata:   res.Metadata,
	})
}

// writeASRError maps a provider error class to an HTTP status.
func writeASRError(w http.ResponseWriter, err error) {
	switch asr.Classify(err) {
	case asr.ClassInvalidAudio:
		writeError(w, http.StatusBadRequest, "audio payload rejected by provider")
	case asr.ClassRateLimited:
		writeError(w, http.StatusTooManyRequests, "provider rate limit exceeded")
	case asr.ClassAuthFailed:
		writeError(w, http.StatusBadGateway, "provider rejected credentials")
	default:
		writeError(w, http.StatusServiceUnavailable, "transcription failed")
	}
}

type statusResponse struct {
	Provider        asr.Info        `json:"provider"`
	Scheduler       scheduler.Stats `json:"scheduler"`
	BreakerState    string          `json:"breaker_state"`
	ActiveSessions  int             `json:"active_sessions"`
	ActivePairCodes int             `json:"active_pair_codes"`
}

// handleStatus reports the live pipeline state for dashboards.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.session(w, r) == nil {
		return
	}
	st := s.sched.Stats()
	writeJSON(w, http.StatusOK, statusResponse{
		Provider:        s.provider.Info(),
		Scheduler:       st,
		BreakerState:    st.BreakerState,
		ActiveSessions:  s.hub.SessionCount(),
		ActivePairCodes: s.pairs.Active(),
	})
}

// readJSONBody decodes without writing a response, so callers can
// distinguish oversize bodies from malformed ones.
func readJSONBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
