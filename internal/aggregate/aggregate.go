// Package aggregate assembles per-chunk transcription text into an
// incremental per-client session transcript.
//
// An Aggregator is owned by the scheduler's consumer side and is mutated
// from one goroutine at a time; it is not safe for concurrent use.
package aggregate

import (
	"strings"
	"time"
)

// DefaultSilenceThreshold closes the current paragraph when this much time
// passes between chunks.
const DefaultSilenceThreshold = 2 * time.Second

// Delta is the incremental result of one processed chunk.
type Delta struct {
	// NewParagraphs are the paragraphs completed since the previous emit.
	NewParagraphs []string

	// Partial is the current unfinished sentence buffer.
	Partial string

	// SessionText is the full transcript: completed paragraphs joined by
	// newlines with the partial sentence appended.
	SessionText string

	// ParagraphCount is the total number of completed paragraphs.
	ParagraphCount int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithSilenceThreshold overrides the silence gap that closes a paragraph.
func WithSilenceThreshold(d time.Duration) Option {
	return func(a *Aggregator) { a.silenceThreshold = d }
}

// WithSentenceBuffering toggles the intermediate sentence buffer. When
// disabled, chunk text appends straight to the current paragraph.
func WithSentenceBuffering(enabled bool) Option {
	return func(a *Aggregator) { a.sentenceBuffering = enabled }
}

// Aggregator is the per-client paragraph assembler.
type Aggregator struct {
	silenceThreshold  time.Duration
	sentenceBuffering bool

	sentence   []string
	paragraph  []string
	completed  []string
	emittedIdx int
	lastChunk  time.Time

	now func() time.Time
}

// New creates an Aggregator with the default silence threshold and sentence
// buffering enabled.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		silenceThreshold:  DefaultSilenceThreshold,
		sentenceBuffering: true,
		now:               time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ProcessChunk folds one chunk of transcribed text into the session state
// and returns what changed. Empty text with isFinal false only updates the
// silence bookkeeping.
func (a *Aggregator) ProcessChunk(text string, isFinal bool) Delta {
	now := a.now()
	if !a.lastChunk.IsZero() && now.Sub(a.lastChunk) >= a.silenceThreshold && a.hasPending() {
		a.closeParagraph()
	}
	a.lastChunk = now

	text = strings.TrimSpace(text)
	if text != "" {
		if a.sentenceBuffering {
			a.sentence = append(a.sentence, text)
		} else {
			a.paragraph = append(a.paragraph, text)
		}
	}

	if isFinal && a.hasPending() {
		a.closeParagraph()
	}
	return a.emit()
}

// Finalize drains any pending sentence and paragraph and returns the final
// delta. Called on session close and scheduler shutdown.
func (a *Aggregator) Finalize() Delta {
	if a.hasPending() {
		a.closeParagraph()
	}
	return a.emit()
}

// SessionText returns the full transcript without mutating state.
func (a *Aggregator) SessionText() string {
	return a.sessionText()
}

// ParagraphCount returns the number of completed paragraphs.
func (a *Aggregator) ParagraphCount() int {
	return len(a.completed)
}

func (a *Aggregator) hasPending() bool {
	return len(a.sentence) > 0 || len(a.paragraph) > 0
}

func (a *Aggregator) closeParagraph() {
	if len(a.sentence) > 0 {
		a.paragraph = append(a.paragraph, strings.Join(a.sentence, " "))
		a.sentence = a.sentence[:0]
	}
	if len(a.paragraph) > 0 {
		a.completed = append(a.completed, strings.Join(a.paragraph, " "))
		a.paragraph = a.paragraph[:0]
	}
}

func (a *Aggregator) emit() Delta {
	d := Delta{
		Partial:        a.partial(),
		SessionText:    a.sessionText(),
		ParagraphCount: len(a.completed),
	}
	if a.emittedIdx < len(a.completed) {
		d.NewParagraphs = append([]string(nil), a.completed[a.emittedIdx:]...)
		a.emittedIdx = len(a.completed)
	}
	return d
}

func (a *Aggregator) partial() string {
	parts := make([]string, 0, 2)
	if len(a.paragraph) > 0 {
		parts = append(parts, strings.Join(a.paragraph, " "))
	}
	if len(a.sentence) > 0 {
		parts = append(parts, strings.Join(a.sentence, " "))
	}
	return strings.Join(parts, " ")
}

func (a *Aggregator) sessionText() string {
	text := strings.Join(a.completed, "\n")
	if partial := a.partial(); partial != "" {
		if text != "" {
			text += "\n"
		}
		text += partial
	}
	return text
}
