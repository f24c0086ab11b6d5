package asr

import (
	"context"
	"log/slog"
)

// StreamOverWindows implements StreamTranscribe for batch-only providers:
// each frame window received on frames is transcribed independently with p
// and emitted as a partial result. The returned channel is closed once
// frames is closed and the last window has been processed, or when ctx is
// cancelled. Per-window errors are logged and skipped; the stream itself
// never fails mid-flight.
func StreamOverWindows(ctx context.Context, p Provider, frames <-chan []byte, opts Options) <-chan Result {
	out := make(chan Result, 8)
	go func() {
		defer close(out)
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
				res, err := p.Transcribe(ctx, window, opts)
				if err != nil {
					slog.Warn("stream window transcription failed",
						"provider", p.Info().Name,
						"class", Classify(err).String(),
						"err", err,
					)
					continue
				}
				select {
				case out <- *res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
