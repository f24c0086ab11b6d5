package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tandemdental/dentascribe/pkg/provider/asr"
)

var _ asr.Provider = (*ASRFallback)(nil)

// ASRFallback is an [asr.Provider] that fans a transcription request over a
// group of backends. Auth and invalid-audio failures do not advance to the
// next backend; they would fail there too or must surface to the caller.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
	names []string
}

// NewASRFallback wraps primary and optional fallbacks in registration order.
func NewASRFallback(cfg FallbackConfig, primary asr.Provider, fallbacks ...asr.Provider) *ASRFallback {
	group := NewFallbackGroup(primary, primary.Info().Name, cfg)
	names := []string{primary.Info().Name}
	for _, p := range fallbacks {
		group.AddFallback(p.Info().Name, p)
		names = append(names, p.Info().Name)
	}
	return &ASRFallback{group: group, names: names}
}

// Transcribe tries each healthy backend until one succeeds. Auth and
// invalid-audio errors stop the chain immediately.
func (f *ASRFallback) Transcribe(ctx context.Context, wav []byte, opts asr.Options) (*asr.Result, error) {
	var lastErr error
	for i := range f.group.entries {
		entry := &f.group.entries[i]
		var result *asr.Result
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = entry.value.Transcribe(ctx, wav, opts)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, ErrCircuitOpen) {
			switch asr.Classify(err) {
			case asr.ClassAuthFailed, asr.ClassInvalidAudio:
				return nil, err
			}
			slog.Warn("asr backend failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// StreamTranscribe delegates to the primary backend; the batch fallback path
// covers the window-by-window case.
func (f *ASRFallback) StreamTranscribe(ctx context.Context, frames <-chan []byte, opts asr.Options) (<-chan asr.Result, error) {
	return f.group.entries[0].value.StreamTranscribe(ctx, frames, opts)
}

// Capabilities reports the primary backend's capabilities.
func (f *ASRFallback) Capabilities() asr.Capabilities {
	return f.group.entries[0].value.Capabilities()
}

// Info names the whole chain ("openai+whisper-local").
func (f *ASRFallback) Info() asr.Info {
	return asr.Info{
		Name:  strings.Join(f.names, "+"),
		Model: f.group.entries[0].value.Info().Model,
	}
}

// Close closes every backend, returning the first error.
func (f *ASRFallback) Close() error {
	var first error
	for i := range f.group.entries {
		if err := f.group.entries[i].value.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
