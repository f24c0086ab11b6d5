// Package mock provides an in-memory asr.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/tandemdental/dentascribe/pkg/provider/asr"
)

var _ asr.Provider = (*Provider)(nil)

// Provider is a scriptable ASR backend. Set TranscribeFunc to control the
// result per call; otherwise FixedText is returned for every payload.
type Provider struct {
	// TranscribeFunc, when non-nil, handles every Transcribe call.
	TranscribeFunc func(ctx context.Context, wav []byte, opts asr.Options) (*asr.Result, error)

	// FixedText is returned when TranscribeFunc is nil.
	FixedText string

	mu    sync.Mutex
	calls int
	last  asr.Options
}

// Calls returns how many times Transcribe has been invoked.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// LastOptions returns the options of the most recent Transcribe call.
func (p *Provider) LastOptions() asr.Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Provider) Transcribe(ctx context.Context, wav []byte, opts asr.Options) (*asr.Result, error) {
	p.mu.Lock()
	p.calls++
	p.last = opts
	fn := p.TranscribeFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, wav, opts)
	}
	return &asr.Result{
		Text:     p.FixedText,
		Language: opts.Language,
		Metadata: asr.Metadata{Provider: "mock", Prompt: opts.Prompt},
	}, nil
}

func (p *Provider) StreamTranscribe(ctx context.Context, frames <-chan []byte, opts asr.Options) (<-chan asr.Result, error) {
	return asr.StreamOverWindows(ctx, p, frames, opts), nil
}

func (p *Provider) Capabilities() asr.Capabilities { return asr.Capabilities{} }
func (p *Provider) Info() asr.Info                 { return asr.Info{Name: "mock"} }
func (p *Provider) Close() error                   { return nil }
