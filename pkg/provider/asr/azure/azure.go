// Package azure implements asr.Provider against the Azure Speech short-audio
// REST endpoint.
//
// Audio is POSTed as a WAV body with the subscription key in a header; the
// detailed response format carries an N-best list from which the top
// hypothesis is taken. The endpoint accepts at most 60 seconds of audio per
// request, which the relay's batching keeps well within.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tandemdental/dentascribe/pkg/provider/asr"
)

const (
	providerName = "azure"

	defaultLanguage    = "nl-NL"
	defaultCallTimeout = 30 * time.Second
)

var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithEndpoint overrides the full recognition endpoint URL. Primarily used
// in tests; by default the URL is derived from the region.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithLanguage sets the default recognition language. Default: nl-NL.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider talks to the Azure Speech short-audio REST API.
type Provider struct {
	key        string
	region     string
	endpoint   string
	language   string
	httpClient *http.Client
}

// New creates a Provider for the given subscription key and region
// (e.g., "westeurope").
func New(key, region string, opts ...Option) (*Provider, error) {
	if key == "" {
		return nil, errors.New("azure: subscription key must not be empty")
	}
	p := &Provider{
		key:        key,
		region:     region,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultCallTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.endpoint == "" {
		if region == "" {
			return nil, errors.New("azure: region must not be empty")
		}
		p.endpoint = fmt.Sprintf(
			"https://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1",
			region,
		)
	}
	return p, nil
}

// Capabilities reports batch-only operation with the 60-second short-audio cap
// (≈ 1.9 MB of 16 kHz mono PCM16).
func (p *Provider) Capabilities() asr.Capabilities {
	return asr.Capabilities{Streaming: false, MaxAudioBytes: 60 * 16000 * 2}
}

// Info identifies the provider and region.
func (p *Provider) Info() asr.Info {
	return asr.Info{Name: providerName, Model: p.region}
}

// Close is a no-op; the provider holds no persistent connections.
func (p *Provider) Close() error { return nil }

// detailedResponse is the format=detailed response shape. Offsets and
// durations are reported in 100-nanosecond ticks.
type detailedResponse struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	Offset            int64  `json:"Offset"`
	Duration          int64  `json:"Duration"`
	NBest             []struct {
		Confidence float64 `json:"Confidence"`
		Display    string  `json:"Display"`
	} `json:"NBest"`
}

// Transcribe POSTs wav to the recognition endpoint and returns the top
// hypothesis.
func (p *Provider) Transcribe(ctx context.Context, wav []byte, opts asr.Options) (*asr.Result, error) {
	if len(wav) == 0 {
		return nil, asr.NewError(asr.ClassInvalidAudio, providerName, "empty audio payload", nil)
	}

	// Azure expects a region-qualified tag; a bare "nl" becomes "nl-NL".
	lang := qualifyLanguage(opts.Language, p.language)

	q := url.Values{}
	q.Set("language", lang)
	q.Set("format", "detailed")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"?"+q.Encode(), bytes.NewReader(wav))
	if err != nil {
		return nil, fmt.Errorf("azure: create request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.key)
	req.Header.Set("Content-Type", "audio/wav; codecs=audio/pcm; samplerate=16000")
	req.Header.Set("Accept", "application/json")

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

	var dr detailedResponse
	if err := json.Unmarshal(data, &dr); err != nil {
		return nil, asr.NewError(asr.ClassTransient, providerName, "parse JSON response", err)
	}
	if dr.RecognitionStatus != "Success" {
		return nil, asr.NewError(asr.ClassInvalidAudio, providerName,
			"recognition status "+dr.RecognitionStatus, nil)
	}

	text := ""
	if len(dr.NBest) > 0 {
		text = dr.NBest[0].Display
	}
	return &asr.Result{
		Text:     text,
		Language: lang,
		Duration: time.Duration(dr.Duration * 100), // ticks → ns
		Metadata: asr.Metadata{Provider: providerName, Model: p.region, Prompt: opts.Prompt},
	}, nil
}

// StreamTranscribe falls back to batch-over-windows.
func (p *Provider) StreamTranscribe(ctx context.Context, frames <-chan []byte, opts asr.Options) (<-chan asr.Result, error) {
	return asr.StreamOverWindows(ctx, p, frames, opts), nil
}

// qualifyLanguage turns a bare two-letter tag into the region-qualified tag
// Azure requires. Known dental-practice locales are mapped; anything else
// falls back to the provider default.
func qualifyLanguage(requested, fallback string) string {
	switch requested {
	case "":
		return fallback
	case "nl":
		return "nl-NL"
	case "en":
		return "en-US"
	case "de":
		return "de-DE"
	case "fr":
		return "fr-FR"
	default:
		return requested
	}
}
