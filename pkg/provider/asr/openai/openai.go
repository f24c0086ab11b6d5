// Package openai implements asr.Provider against an OpenAI-compatible
// audio transcription endpoint (POST {base}/audio/transcriptions).
//
// The request is a multipart form upload of a complete WAV container with
// optional language and prompt hints; verbose_json is requested so that
// time-aligned segments are available to the aggregator. Any server that
// speaks the same protocol (OpenAI, Groq, a self-hosted gateway) works by
// overriding the base URL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/tandemdental/dentascribe/pkg/provider/asr"
)

const (
	providerName = "openai"

	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-transcribe"

	// maxUploadBytes mirrors the OpenAI documented limit of 25 MB.
	maxUploadBytes = 25 << 20

	defaultCallTimeout = 30 * time.Second
	maxRetries         = 3
	retryBaseDelay     = 500 * time.Millisecond
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (no trailing slash). Primarily
// used in tests and for OpenAI-compatible gateways.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithModel sets the transcription model. Default: gpt-4o-transcribe.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithCallTimeout sets the per-call timeout applied when the caller's
// context carries no deadline. Default: 30 s.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Provider) { p.callTimeout = d }
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider is the OpenAI-compatible batch transcription backend.
type Provider struct {
	apiKey      string
	baseURL     string
	model       string
	callTimeout time.Duration
	httpClient  *http.Client
}

// New creates a Provider with the given API key and options. apiKey must be
// non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		model:       defaultModel,
		callTimeout: defaultCallTimeout,
		httpClient:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities reports batch-only operation with the documented upload cap.
func (p *Provider) Capabilities() asr.Capabilities {
	return asr.Capabilities{Streaming: false, MaxAudioBytes: maxUploadBytes}
}

// Info identifies the provider and model.
func (p *Provider) Info() asr.Info {
	return asr.Info{Name: providerName, Model: p.model}
}

// Close is a no-op; the provider holds no persistent connections.
func (p *Provider) Close() error { return nil }

// Transcribe uploads wav and returns the transcription. Rate-limited and
// transient failures are retried with jittered backoff up to a small cap;
// exhausted retries surface as unavailable.
func (p *Provider) Transcribe(ctx context.Context, wav []byte, opts asr.Options) (*asr.Result, error) {
	if len(wav) == 0 {
		return nil, asr.NewError(asr.ClassInvalidAudio, providerName, "empty audio payload", nil)
	}
	if len(wav) > maxUploadBytes {
		return nil, asr.NewError(asr.ClassInvalidAudio, providerName,
			fmt.Sprintf("payload of %d bytes exceeds the %d byte limit", len(wav), maxUploadBytes), nil)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Jittered exponential backoff: base × 2^(attempt−1) × [1.0, 1.5).
			delay := retryBaseDelay << (attempt - 1)
			delay += time.Duration(rand.Int64N(int64(delay) / 2))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, lastErr
			}
		}

		res, err := p.call(ctx, wav, opts)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !asr.Classify(err).Retryable() {
			return nil, err
		}
	}

	// Retries exhausted on a retryable class.
	return nil, asr.NewError(asr.ClassUnavailable, providerName, "retries exhausted", lastErr)
}

// StreamTranscribe falls back to batch-over-windows.
func (p *Provider) StreamTranscribe(ctx context.Context, frames <-chan []byte, opts asr.Options) (<-chan asr.Result, error) {
	return asr.StreamOverWindows(ctx, p, frames, opts), nil
}

// verboseResponse is the verbose_json response shape of the transcription
// endpoint. Times are reported in seconds.
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID    int     `json:"id"`
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

func (p *Provider) call(ctx context.Context, wav []byte, opts asr.Options) (*asr.Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("openai: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("openai: write wav data: %w", err)
	}
	fields := map[string]string{
		"model":           p.model,
		"response_format": "verbose_json",
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if opts.Prompt != "" {
		fields["prompt"] = opts.Prompt
	}
	if opts.Temperature != 0 {
		fields["temperature"] = fmt.Sprintf("%g", opts.Temperature)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("openai: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("openai: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, asr.NewError(asr.ClassTransient, providerName, "http request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, asr.NewError(asr.ClassTransient, providerName, "read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, asr.NewError(asr.ClassifyStatus(resp.StatusCode), providerName,
			fmt.Sprintf("server returned HTTP %d: %s", resp.StatusCode, truncate(data, 200)), nil)
	}

	var vr verboseResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, asr.NewError(asr.ClassTransient, providerName, "parse JSON response", err)
	}

	res := &asr.Result{
		Text:     vr.Text,
		Language: vr.Language,
		Duration: time.Duration(vr.Duration * float64(time.Second)),
		Metadata: asr.Metadata{Provider: providerName, Model: p.model, Prompt: opts.Prompt},
	}
	for _, s := range vr.Segments {
		res.Segments = append(res.Segments, asr.Segment{
			ID:    s.ID,
			Text:  s.Text,
			Start: time.Duration(s.Start * float64(time.Second)),
			End:   time.Duration(s.End * float64(time.Second)),
		})
	}
	return res, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
