package audio

import "time"

const (
	defaultSmallThresholdBytes = 2048
	defaultAccumulateCount     = 3
	defaultMaxAge              = 500 * time.Millisecond
)

// BufferOption is a functional option for configuring a [Buffer].
type BufferOption func(*Buffer)

// WithSmallThreshold sets the frame size (in bytes) at or below which frames
// are accumulated instead of flushed immediately. Default: 2048.
func WithSmallThreshold(bytes int) BufferOption {
	return func(b *Buffer) { b.smallThreshold = bytes }
}

// WithAccumulateCount sets how many small frames may accumulate before a
// flush is forced. Default: 3.
func WithAccumulateCount(n int) BufferOption {
	return func(b *Buffer) { b.accumulateCount = n }
}

// WithMaxAge sets the maximum time the oldest pending frame may wait before
// a flush is forced. Default: 500 ms.
func WithMaxAge(d time.Duration) BufferOption {
	return func(b *Buffer) { b.maxAge = d }
}

// Buffer is a per-client accumulator that turns many small binary audio
// frames into transcription-ready payloads. Small frames (≤ the small
// threshold) accumulate until either the accumulate count is reached or the
// oldest pending frame exceeds the max age; a large frame flushes any
// pending prefix together with itself immediately.
//
// Buffer is not safe for concurrent use: each client connection owns exactly
// one Buffer and feeds it from a single goroutine.
type Buffer struct {
	smallThreshold  int
	accumulateCount int
	maxAge          time.Duration

	pending    [][]byte
	totalBytes int
	firstAt    time.Time
	lastAt     time.Time
	flushes    int

	now func() time.Time // injectable clock for tests
}

// NewBuffer returns a Buffer configured with the supplied options.
func NewBuffer(opts ...BufferOption) *Buffer {
	b := &Buffer{
		smallThreshold:  defaultSmallThresholdBytes,
		accumulateCount: defaultAccumulateCount,
		maxAge:          defaultMaxAge,
		now:             time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Add offers a frame to the buffer. It returns a non-nil payload when the
// frame completes a batch: either the frame was larger than the small
// threshold (any pending prefix is flushed together with it), or the pending
// set reached the accumulate count, or the oldest pending frame aged out.
// A nil return means the frame was absorbed.
func (b *Buffer) Add(frame []byte) []byte {
	now := b.now()
	b.lastAt = now

	if len(frame) > b.smallThreshold {
		// Large frame: flush pending prefix together with the incoming bytes.
		out := b.concat(frame)
		b.reset()
		return out
	}

	if len(b.pending) == 0 {
		b.firstAt = now
	}
	b.pending = append(b.pending, frame)
	b.totalBytes += len(frame)

	if len(b.pending) >= b.accumulateCount || now.Sub(b.firstAt) >= b.maxAge {
		out := b.concat(nil)
		b.reset()
		return out
	}
	return nil
}

// ForceFlush returns any pending bytes as a single payload, or nil when the
// buffer is empty. Used on session close and on an explicit flush command.
func (b *Buffer) ForceFlush() []byte {
	if len(b.pending) == 0 {
		return nil
	}
	out := b.concat(nil)
	b.reset()
	return out
}

// Pending returns the number of buffered frames and their total size.
func (b *Buffer) Pending() (frames, bytes int) {
	return len(b.pending), b.totalBytes
}

// Flushes returns how many payloads this buffer has emitted.
func (b *Buffer) Flushes() int { return b.flushes }

func (b *Buffer) concat(tail []byte) []byte {
	out := make([]byte, 0, b.totalBytes+len(tail))
	for _, p := range b.pending {
		out = append(out, p...)
	}
	out = append(out, tail...)
	b.flushes++
	return out
}

func (b *Buffer) reset() {
	b.pending = nil
	b.totalBytes = 0
	b.firstAt = time.Time{}
}
