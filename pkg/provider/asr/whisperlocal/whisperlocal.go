// Package whisperlocal implements asr.Provider against a self-hosted
// whisper-server binary, which exposes a REST API at POST /inference.
//
// The server is batch-only and reports plain text, so results carry no
// segments and StreamTranscribe falls back to batch-over-windows.
package whisperlocal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/tandemdental/dentascribe/pkg/provider/asr"
)

const (
	providerName = "whisper-local"

	defaultCallTimeout = 30 * time.Second
)

var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server (e.g.,
// "base", "small"). When empty the server uses whichever model it was
// started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider talks to a whisper-server instance over HTTP.
type Provider struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// New creates a Provider that connects to the whisper-server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisperlocal: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: defaultCallTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities reports batch-only operation.
func (p *Provider) Capabilities() asr.Capabilities {
	return asr.Capabilities{Streaming: false}
}

// Info identifies the provider and model.
func (p *Provider) Info() asr.Info {
	return asr.Info{Name: providerName, Model: p.model}
}

// Close is a no-op; the provider holds no persistent connections.
func (p *Provider) Close() error { return nil }

// Transcribe POSTs wav to the /inference endpoint as multipart/form-data.
func (p *Provider) Transcribe(ctx context.Context, wav []byte, opts asr.Options) (*asr.Result, error) {
	if len(wav) == 0 {
		return nil, asr.NewError(asr.ClassInvalidAudio, providerName, "empty audio payload", nil)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisperlocal: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("whisperlocal: write wav data: %w", err)
	}
	if opts.Language != "" {
		if err := mw.WriteField("language", opts.Language); err != nil {
			return nil, fmt.Errorf("whisperlocal: write language field: %w", err)
		}
	}
	if opts.Prompt != "" {
		if err := mw.WriteField("prompt", opts.Prompt); err != nil {
			return nil, fmt.Errorf("whisperlocal: write prompt field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return nil, fmt.Errorf("whisperlocal: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisperlocal: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisperlocal: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, asr.NewError(asr.ClassTransient, providerName, "http request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, asr.NewError(asr.ClassifyStatus(resp.StatusCode), providerName,
			fmt.Sprintf("server returned HTTP %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, asr.NewError(asr.ClassTransient, providerName, "read response body", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, asr.NewError(asr.ClassTransient, providerName, "parse JSON response", err)
	}

	return &asr.Result{
		Text:     result.Text,
		Language: opts.Language,
		Metadata: asr.Metadata{Provider: providerName, Model: p.model, Prompt: opts.Prompt},
	}, nil
}

// StreamTranscribe falls back to batch-over-windows.
func (p *Provider) StreamTranscribe(ctx context.Context, frames <-chan []byte, opts asr.Options) (<-chan asr.Result, error) {
	return asr.StreamOverWindows(ctx, p, frames, opts), nil
}
