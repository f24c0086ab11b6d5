// Package openairt implements asr.Provider on top of the OpenAI Realtime
// WebSocket API in transcription intent.
//
// A session is a persistent bidirectional WebSocket: audio is appended as
// base64-encoded PCM16 buffer events, a commit triggers transcription, and
// completed-transcription events carry the text back. The session is
// STT-only — any assistant-style response events the server may emit are
// ignored.
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tandemdental/dentascribe/pkg/audio"
	"github.com/tandemdental/dentascribe/pkg/provider/asr"
)

const (
	providerName = "openai-realtime"

	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultModel   = "gpt-4o-transcribe"

	defaultCommitTimeout = 30 * time.Second
)

var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the transcription model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLanguage sets the default recognition language for sessions.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements asr.Provider for the OpenAI Realtime API.
type Provider struct {
	apiKey   string
	model    string
	baseURL  string
	language string

	mu   sync.Mutex
	sess *session // lazily-opened persistent session for batch calls
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openairt: api key must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities reports true streaming support.
func (p *Provider) Capabilities() asr.Capabilities {
	return asr.Capabilities{Streaming: true}
}

// Info identifies the provider and model.
func (p *Provider) Info() asr.Info {
	return asr.Info{Name: providerName, Model: p.model}
}

// Close tears down the persistent session, if one was opened.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != nil {
		err := p.sess.close()
		p.sess = nil
		return err
	}
	return nil
}

// Transcribe appends the WAV payload's PCM frames to the persistent
// session, commits, and waits for the completed-transcription event. The
// session is (re)opened on demand and kept for subsequent calls.
func (p *Provider) Transcribe(ctx context.Context, wav []byte, opts asr.Options) (*asr.Result, error) {
	pcm := wav
	if audio.IsWAV(wav) {
		frames, _, err := audio.DecodeWAV(wav)
		if err != nil {
			return nil, asr.NewError(asr.ClassInvalidAudio, providerName, "decode wav", err)
		}
		pcm = frames
	}
	if len(pcm) == 0 {
		return nil, asr.NewError(asr.ClassInvalidAudio, providerName, "empty audio payload", nil)
	}

	sess, err := p.acquireSession(ctx, opts)
	if err != nil {
		return nil, err
	}

	text, err := sess.transcribe(ctx, pcm)
	if err != nil {
		// A broken session is discarded so the next call re-dials.
		p.mu.Lock()
		if p.sess == sess {
			_ = sess.close()
			p.sess = nil
		}
		p.mu.Unlock()
		return nil, err
	}

	lang := opts.Language
	if lang == "" {
		lang = p.language
	}
	return &asr.Result{
		Text:     text,
		Language: lang,
		Duration: time.Duration(audio.DurationMs(pcm, audio.DefaultSampleRate, audio.DefaultChannels)) * time.Millisecond,
		Metadata: asr.Metadata{Provider: providerName, Model: p.model, Prompt: opts.Prompt},
	}, nil
}

// StreamTranscribe opens a dedicated session and commits one transcription
// per frame window received on frames.
func (p *Provider) StreamTranscribe(ctx context.Context, frames <-chan []byte, opts asr.Options) (<-chan asr.Result, error) {
	sess, err := p.dial(ctx, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan asr.Result, 8)
	go func() {
		defer close(out)
		defer sess.close()
		for {
			select {
			case <-ctx.Done():
				return
			case window, ok := <-frames:
				if !ok {
					return
				}
				if len(window) == 0 {
					continue
				}
				pcm := window
				if audio.IsWAV(window) {
					if decoded, _, err := audio.DecodeWAV(window); err == nil {
						pcm = decoded
					}
				}
				text, err := sess.transcribe(ctx, pcm)
				if err != nil || text == "" {
					continue
				}
				res := asr.Result{
					Text:     text,
					Language: opts.Language,
					Metadata: asr.Metadata{Provider: providerName, Model: p.model},
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *Provider) acquireSession(ctx context.Context, opts asr.Options) (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != nil {
		return p.sess, nil
	}
	sess, err := p.dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	p.sess = sess
	return sess, nil
}

// ── session ───────────────────────────────────────────────────────────────────

// session is one live Realtime WebSocket. Writes are serialized by wmu;
// reads happen inside transcribe while waiting for the completion event.
type session struct {
	conn *websocket.Conn

	wmu sync.Mutex // serializes outbound event writes
	rmu sync.Mutex // at most one in-flight commit at a time
}

// Outbound Realtime events.
type sessionUpdateEvent struct {
	Type    string              `json:"type"`
	Session transcriptionParams `json:"session"`
}

type transcriptionParams struct {
	InputAudioFormat        string             `json:"input_audio_format"`
	InputAudioTranscription transcriptionModel `json:"input_audio_transcription"`
	TurnDetection           any                `json:"turn_detection"` // null disables server VAD; commits are explicit
}

type transcriptionModel struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type audioEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"` // base64-encoded PCM16
}

// Inbound Realtime events (only the fields we consume).
type serverEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *Provider) dial(ctx context.Context, opts asr.Options) (*session, error) {
	wsURL := fmt.Sprintf("%s?intent=transcription", p.baseURL)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, asr.NewError(asr.ClassUnavailable, providerName, "dial", err)
	}
	// Audio payloads are large; lift the default read limit.
	conn.SetReadLimit(1 << 22)

	sess := &session{conn: conn}

	lang := opts.Language
	if lang == "" {
		lang = p.language
	}
	update := sessionUpdateEvent{
		Type: "transcription_session.update",
		Session: transcriptionParams{
			InputAudioFormat: "pcm16",
			InputAudioTranscription: transcriptionModel{
				Model:    p.model,
				Language: lang,
				Prompt:   opts.Prompt,
			},
			TurnDetection: nil,
		},
	}
	if err := sess.send(ctx, update); err != nil {
		_ = sess.close()
		return nil, asr.NewError(asr.ClassUnavailable, providerName, "session update", err)
	}
	return sess, nil
}

func (s *session) send(ctx context.Context, event any) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, b)
}

// transcribe appends pcm, commits, and blocks until the completed event for
// this commit arrives. Assistant-style events (response.*) are skipped.
func (s *session) transcribe(ctx context.Context, pcm []byte) (string, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCommitTimeout)
		defer cancel()
	}

	appendEv := audioEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
	if err := s.send(ctx, appendEv); err != nil {
		return "", asr.NewError(asr.ClassTransient, providerName, "append audio", err)
	}
	if err := s.send(ctx, audioEvent{Type: "input_audio_buffer.commit"}); err != nil {
		return "", asr.NewError(asr.ClassTransient, providerName, "commit audio", err)
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return "", asr.NewError(asr.ClassTransient, providerName, "read event", err)
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "conversation.item.input_audio_transcription.completed":
			return ev.Transcript, nil
		case "conversation.item.input_audio_transcription.failed":
			return "", asr.NewError(asr.ClassTransient, providerName, "transcription failed", nil)
		case "error":
			msg := "server error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return "", asr.NewError(asr.ClassTransient, providerName, msg, nil)
		default:
			// Ignore everything else, in particular response.* events: this
			// session is STT-only.
		}
	}
}

func (s *session) close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "session closed")
}
