// Package asr defines the Provider interface for automatic speech
// recognition backends.
//
// A provider wraps a transcription service (the OpenAI audio endpoint, an
// Azure Speech region, a local whisper-server, …) and exposes a uniform
// batch interface plus an optional streaming interface. Providers that lack
// a true streaming endpoint implement StreamTranscribe as batch-over-windows:
// each incoming frame window is transcribed independently and emitted as a
// partial result.
//
// Implementations must be safe for concurrent use; the scheduler calls
// Transcribe from several worker goroutines at once.
package asr

import (
	"context"
	"time"
)

// Options carries per-call transcription hints.
type Options struct {
	// Language is the BCP-47 language tag for recognition (e.g., "nl").
	// Empty lets the provider auto-detect, where supported.
	Language string

	// Prompt is a vocabulary/bias hint passed to providers that support it.
	Prompt string

	// Temperature tunes decoding randomness for providers that expose it.
	// Zero means the provider default.
	Temperature float64
}

// Segment is a time-aligned portion of a transcription.
type Segment struct {
	ID    int           `json:"id"`
	Text  string        `json:"text"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Result is an immutable transcription result.
type Result struct {
	// Text is the full transcribed text.
	Text string `json:"text"`

	// Segments carries time-aligned parts when the provider reports them.
	Segments []Segment `json:"segments,omitempty"`

	// Language is the detected or requested language tag.
	Language string `json:"language"`

	// Duration is the audio duration as reported by the provider.
	Duration time.Duration `json:"duration"`

	// Metadata identifies how the result was produced.
	Metadata Metadata `json:"metadata"`
}

// Metadata identifies the provider, model, and prompt behind a Result.
type Metadata struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Prompt   string `json:"prompt,omitempty"`
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	// Streaming is true when StreamTranscribe uses a real low-latency
	// session rather than the batch-over-windows fallback.
	Streaming bool

	// MaxAudioBytes is the largest payload a single Transcribe call accepts.
	// Zero means no documented limit.
	MaxAudioBytes int
}

// Info is static provider identification, used for logs and /api/ai/status.
type Info struct {
	Name  string
	Model string
}

// Provider is the abstraction over any ASR backend.
type Provider interface {
	// Transcribe submits a complete audio payload (a WAV container) and
	// returns the transcription. The call respects ctx for cancellation and
	// per-call deadlines; errors should be classifiable via [Classify].
	Transcribe(ctx context.Context, wav []byte, opts Options) (*Result, error)

	// StreamTranscribe consumes audio frame windows from frames and emits
	// partial results on the returned channel, which is closed when frames
	// is closed and all pending windows have been processed. Providers
	// without a streaming endpoint implement this as batch-over-windows.
	StreamTranscribe(ctx context.Context, frames <-chan []byte, opts Options) (<-chan Result, error)

	// Capabilities returns static metadata about what the backend supports.
	Capabilities() Capabilities

	// Info identifies the provider and model for logs and status reporting.
	Info() Info

	// Close releases any persistent connections or sessions held by the
	// provider. Calling Close more than once is safe.
	Close() error
}
