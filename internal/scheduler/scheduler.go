// Package scheduler is the single-producer/single-consumer heart of the
// relay: a bounded priority queue feeding one consumer goroutine that
// collects chunks into batches, fans each batch over a small worker pool,
// invokes the ASR backend behind a circuit breaker, and publishes
// normalized per-client results.
//
// Ordering: chunks from one client are admitted in order and a sub-batch
// never holds two chunks of the same client, so per-client results are
// published in admission order. A per-client lock serializes aggregation
// against the disconnect-time finalize, which runs on the hub goroutine.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tandemdental/dentascribe/internal/aggregate"
	"github.com/tandemdental/dentascribe/internal/lexicon"
	"github.com/tandemdental/dentascribe/internal/normalize"
	"github.com/tandemdental/dentascribe/internal/observe"
	"github.com/tandemdental/dentascribe/internal/resilience"
	"github.com/tandemdental/dentascribe/pkg/audio"
	"github.com/tandemdental/dentascribe/pkg/provider/asr"
)

// Defaults for the queue and batch collector.
const (
	DefaultQueueSize       = 50
	DefaultSubmitTimeout   = 100 * time.Millisecond
	DefaultBatchWait       = 50 * time.Millisecond
	DefaultBatchSize       = 10
	DefaultParallelWorkers = 4
	DefaultCallTimeout     = 30 * time.Second
	DefaultDrainTimeout    = 2 * time.Second
)

var (
	// ErrQueueFull is returned when the bounded submit wait times out.
	ErrQueueFull = errors.New("scheduler: queue full, chunk dropped")

	// ErrStopped is returned once the scheduler has shut down.
	ErrStopped = errors.New("scheduler: stopped")
)

// Priority orders chunks within the queue. Realtime beats buffered beats
// batch; within one priority the queue is FIFO.
type Priority int

const (
	PriorityBatch Priority = iota
	PriorityBuffered
	PriorityRealtime
)

// Chunk is one unit of audio admitted to the queue. Routing metadata
// travels with the chunk so the result can be published to the owning
// desktop even after the mobile session is gone.
type Chunk struct {
	ID             string
	ClientID       string // mobile session id; aggregation key
	DesktopSession string
	ChannelID      string
	AdminID        string
	Payload        []byte // raw PCM16LE mono 16 kHz, or a WAV container
	IsWAV          bool
	Language       string
	Priority       Priority
	SubmittedAt    time.Time
}

// Result is the outcome of one processed chunk.
type Result struct {
	Chunk         *Chunk
	Raw           string
	Normalized    string
	SessionText   string
	NewParagraphs []string
	Language      string
	Duration      time.Duration
	Err           error
}

// Publisher receives results on the consumer goroutine. Implementations
// must not block for long; the WS hub's safe-send path qualifies.
type Publisher func(Result)

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	QueueSize       int
	SubmitTimeout   time.Duration
	BatchWait       time.Duration
	BatchSize       int
	ParallelWorkers int
	CallTimeout     time.Duration
	DrainTimeout    time.Duration

	// Sequential disables the queue and batch collector: Submit processes
	// the chunk inline, serialized by a mutex. Kept for environments where
	// the SPSC pipeline is turned off.
	Sequential bool

	FailureThreshold int
	RecoveryTimeout  time.Duration

	// Metrics receives pipeline instruments. Nil selects the package
	// default, which is a no-op until an OTel provider is installed.
	Metrics *observe.Metrics
}

func (c *Config) fillDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.BatchWait <= 0 {
		c.BatchWait = DefaultBatchWait
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ParallelWorkers <= 0 {
		c.ParallelWorkers = DefaultParallelWorkers
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
}

// clientState is the per-client aggregation state. The one-chunk-per-client
// sub-batch rule keeps workers off each other; mu covers the remaining
// overlap between a worker and FinalizeClient on the hub goroutine.
type clientState struct {
	mu   sync.Mutex
	agg  *aggregate.Aggregator
	last *Chunk
}

// Scheduler owns the queue, the consumer loop and all per-client state.
type Scheduler struct {
	cfg      Config
	provider asr.Provider
	lexicon  *lexicon.Service
	norms    *normalize.Cache
	breaker  *resilience.CircuitBreaker
	publish  Publisher
	metrics  *observe.Metrics

	realtime chan *Chunk
	buffered chan *Chunk
	batch    chan *Chunk

	mu      sync.Mutex
	clients map[string]*clientState
	seqMu   sync.Mutex // serializes Sequential mode

	stopped atomic.Bool
	done    chan struct{}

	stats stats
}

type stats struct {
	submitted    atomic.Int64
	processed    atomic.Int64
	dropped      atomic.Int64
	breakerDrops atomic.Int64
	failures     atomic.Int64
	batches      atomic.Int64
	processingMs atomic.Int64
	queueFull    atomic.Int64
}

// Stats is a point-in-time snapshot of the scheduler's counters.
type Stats struct {
	Submitted       int64         `json:"submitted"`
	Processed       int64         `json:"processed"`
	Dropped         int64         `json:"dropped"`
	BreakerDrops    int64         `json:"breaker_drops"`
	Failures        int64         `json:"failures"`
	Batches         int64         `json:"batches"`
	QueueDepth      int           `json:"queue_depth"`
	QueueFullEvents int64         `json:"queue_full_events"`
	AvgProcessingMs int64         `json:"avg_processing_ms"`
	BreakerState    string        `json:"breaker_state"`
	BreakerFailures int           `json:"breaker_failures"`
	Sequential      bool          `json:"sequential"`
	CallTimeout     time.Duration `json:"-"`
}

// New creates a Scheduler. The publisher receives every result; provider,
// lexicon service and publisher are required.
func New(cfg Config, provider asr.Provider, lex *lexicon.Service, publish Publisher) *Scheduler {
	cfg.fillDefaults()
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Scheduler{
		cfg:      cfg,
		provider: provider,
		lexicon:  lex,
		norms:    normalize.NewCache(),
		publish:  publish,
		metrics:  metrics,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "asr",
			FailureThreshold: cfg.FailureThreshold,
			RecoveryTimeout:  cfg.RecoveryTimeout,
		}),
		realtime: make(chan *Chunk, cfg.QueueSize/4+1),
		buffered: make(chan *Chunk, cfg.QueueSize/4+1),
		batch:    make(chan *Chunk, cfg.QueueSize/2+1),
		clients:  make(map[string]*clientState),
		done:     make(chan struct{}),
	}
}

// Submit admits a chunk with a short bounded wait. On timeout the chunk is
// dropped and counted: upstream is lossy microphone audio, and latency is
// preferred over unbounded memory.
func (s *Scheduler) Submit(ctx context.Context, c *Chunk) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.SubmittedAt = time.Now()

	if s.cfg.Sequential {
		s.seqMu.Lock()
		defer s.seqMu.Unlock()
		s.stats.submitted.Add(1)
		s.processOne(ctx, c)
		return nil
	}

	target := s.queueFor(c.Priority)
	timer := time.NewTimer(s.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case target <- c:
		s.stats.submitted.Add(1)
		s.metrics.ChunksSubmitted.Add(ctx, 1)
		s.metrics.QueueDepth.Add(ctx, 1)
		return nil
	case <-timer.C:
		s.stats.dropped.Add(1)
		s.stats.queueFull.Add(1)
		s.metrics.RecordChunkDrop(ctx, "queue_full")
		slog.Warn("queue full, chunk dropped",
			"chunk_id", c.ID, "client_id", c.ClientID, "priority", c.Priority)
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) queueFor(p Priority) chan *Chunk {
	switch p {
	case PriorityRealtime:
		return s.realtime
	case PriorityBuffered:
		return s.buffered
	default:
		return s.batch
	}
}

// QueueDepth returns the number of queued chunks across all priorities.
func (s *Scheduler) QueueDepth() int {
	return len(s.realtime) + len(s.buffered) + len(s.batch)
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Submitted:       s.stats.submitted.Load(),
		Processed:       s.stats.processed.Load(),
		Dropped:         s.stats.dropped.Load(),
		BreakerDrops:    s.stats.breakerDrops.Load(),
		Failures:        s.stats.failures.Load(),
		Batches:         s.stats.batches.Load(),
		QueueDepth:      s.QueueDepth(),
		QueueFullEvents: s.stats.queueFull.Load(),
		BreakerState:    s.breaker.State().String(),
		BreakerFailures: s.breaker.Failures(),
		Sequential:      s.cfg.Sequential,
		CallTimeout:     s.cfg.CallTimeout,
	}
	if st.Processed > 0 {
		st.AvgProcessingMs = s.stats.processingMs.Load() / st.Processed
	}
	return st
}

// ── Consumer loop ──────────────────────────────────────────────────────────────

// Run is the single consumer. It blocks until ctx is cancelled, then drains
// the queue with a bounded timeout, finalizes every client's aggregator and
// returns.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	if s.cfg.Sequential {
		<-ctx.Done()
		s.stopped.Store(true)
		s.finalizeAll()
		return
	}

	slog.Info("scheduler started",
		"queue_size", s.cfg.QueueSize,
		"batch_size", s.cfg.BatchSize,
		"workers", s.cfg.ParallelWorkers)

	for {
		first, ok := s.takeBlocking(ctx)
		if !ok {
			break
		}
		batch := s.collectBatch(first)
		s.stats.batches.Add(1)
		s.metrics.QueueDepth.Add(ctx, -int64(len(batch)))
		s.processBatch(ctx, batch)
	}

	s.stopped.Store(true)
	s.drain()
	s.finalizeAll()
	slog.Info("scheduler stopped", "processed", s.stats.processed.Load())
}

// Done is closed when Run has fully exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// takeBlocking returns the next chunk, preferring higher priorities, or
// false when ctx is cancelled.
func (s *Scheduler) takeBlocking(ctx context.Context) (*Chunk, bool) {
	for {
		if c := s.tryTake(); c != nil {
			return c, true
		}
		select {
		case c := <-s.realtime:
			return c, true
		case c := <-s.buffered:
			return c, true
		case c := <-s.batch:
			return c, true
		case <-ctx.Done():
			return nil, false
		}
	}
}

// tryTake polls the queues in priority order without blocking.
func (s *Scheduler) tryTake() *Chunk {
	select {
	case c := <-s.realtime:
		return c
	default:
	}
	select {
	case c := <-s.buffered:
		return c
	default:
	}
	select {
	case c := <-s.batch:
		return c
	default:
	}
	return nil
}

// collectBatch gathers up to BatchSize chunks within the batch window. The
// zero-latency shortcut: the moment the queue is empty, process what we
// have instead of waiting out the window.
func (s *Scheduler) collectBatch(first *Chunk) []*Chunk {
	batch := []*Chunk{first}
	deadline := time.NewTimer(s.cfg.BatchWait)
	defer deadline.Stop()

	for len(batch) < s.cfg.BatchSize {
		select {
		case <-deadline.C:
			return batch
		default:
		}
		c := s.tryTake()
		if c == nil {
			return batch
		}
		batch = append(batch, c)
	}
	return batch
}

// processBatch splits the batch into sub-batches of at most ParallelWorkers
// chunks with at most one chunk per client, and runs the sub-batches
// sequentially. Items within a sub-batch run concurrently.
func (s *Scheduler) processBatch(ctx context.Context, batch []*Chunk) {
	for len(batch) > 0 {
		sub := make([]*Chunk, 0, s.cfg.ParallelWorkers)
		rest := make([]*Chunk, 0, len(batch))
		seen := make(map[string]struct{}, s.cfg.ParallelWorkers)
		for _, c := range batch {
			if _, dup := seen[c.ClientID]; dup || len(sub) >= s.cfg.ParallelWorkers {
				rest = append(rest, c)
				continue
			}
			seen[c.ClientID] = struct{}{}
			sub = append(sub, c)
		}
		batch = rest

		var g errgroup.Group
		for _, c := range sub {
			g.Go(func() error {
				s.processOne(ctx, c)
				return nil
			})
		}
		_ = g.Wait() // workers report outcomes via the breaker, never as errors
	}
}

// processOne runs the full pipeline for one chunk: breaker check, WAV
// framing, ASR call, aggregation, normalization, publish.
func (s *Scheduler) processOne(ctx context.Context, c *Chunk) {
	if !s.breaker.Allow() {
		s.stats.breakerDrops.Add(1)
		s.metrics.RecordChunkDrop(ctx, "breaker")
		slog.Debug("chunk skipped, circuit open", "chunk_id", c.ID, "client_id", c.ClientID)
		return
	}

	start := time.Now()
	wav := c.Payload
	if !c.IsWAV {
		wav = audio.EncodeWAV(c.Payload, audio.DefaultSampleRate, audio.DefaultChannels)
	}

	cfg, err := s.lexicon.Config(ctx, c.AdminID)
	if err != nil {
		slog.Error("load admin config", "admin_id", c.AdminID, "error", err)
		cfg = lexicon.DefaultConfig()
	}
	lang := c.Language
	if lang == "" {
		lang = cfg.Language
	}

	providerName := s.provider.Info().Name
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	callStart := time.Now()
	res, err := s.provider.Transcribe(callCtx, wav, asr.Options{
		Language: lang,
		Prompt:   cfg.ASRPrompt,
	})
	cancel()
	s.metrics.ASRDuration.Record(ctx, time.Since(callStart).Seconds())

	if err != nil {
		s.recordOutcome(err)
		s.stats.failures.Add(1)
		s.metrics.RecordASRRequest(ctx, providerName, "error")
		s.metrics.RecordASRError(ctx, providerName, asr.Classify(err).String())
		s.publish(Result{Chunk: c, Err: err, Language: lang})
		return
	}
	s.breaker.RecordSuccess()
	s.metrics.RecordASRRequest(ctx, providerName, "ok")

	state := s.client(c.ClientID)
	state.mu.Lock()
	state.last = c
	delta := state.agg.ProcessChunk(res.Text, false)
	state.mu.Unlock()

	normalized := res.Text
	sessionText := delta.SessionText
	if snap, snapErr := s.lexicon.Snapshot(ctx, c.AdminID); snapErr == nil {
		norm := s.norms.For(c.AdminID, snap, cfg)
		normStart := time.Now()
		normalized = norm.Normalize(res.Text)
		sessionText = normalizeLines(norm, delta.SessionText)
		s.metrics.NormalizeDuration.Record(ctx, time.Since(normStart).Seconds())
	} else {
		slog.Error("load lexicon snapshot", "admin_id", c.AdminID, "error", snapErr)
	}

	s.stats.processed.Add(1)
	s.stats.processingMs.Add(time.Since(start).Milliseconds())
	s.publish(Result{
		Chunk:         c,
		Raw:           res.Text,
		Normalized:    normalized,
		SessionText:   sessionText,
		NewParagraphs: delta.NewParagraphs,
		Language:      res.Language,
		Duration:      res.Duration,
	})
}

// recordOutcome maps error classes onto the breaker: invalid audio says
// nothing about backend health, everything else counts as a failure.
func (s *Scheduler) recordOutcome(err error) {
	if asr.Classify(err) == asr.ClassInvalidAudio {
		s.breaker.RecordSuccess()
		return
	}
	s.breaker.RecordFailure()
}

// client returns the consumer-owned state for a client id, creating it on
// first use.
func (s *Scheduler) client(clientID string) *clientState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.clients[clientID]
	if !ok {
		state = &clientState{agg: aggregate.New()}
		s.clients[clientID] = state
	}
	return state
}

// FinalizeClient drains the client's aggregator, publishes the final delta
// if routing metadata is known, and forgets the client. Called by the hub
// when a mobile session closes.
func (s *Scheduler) FinalizeClient(clientID string) {
	s.mu.Lock()
	state, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	state.mu.Lock()
	delta := state.agg.Finalize()
	last := state.last
	state.mu.Unlock()
	if last == nil || len(delta.NewParagraphs) == 0 {
		return
	}
	s.publish(Result{
		Chunk:         last,
		SessionText:   delta.SessionText,
		NewParagraphs: delta.NewParagraphs,
	})
}

// drain empties the queue with a bounded timeout after shutdown begins.
func (s *Scheduler) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	for {
		if ctx.Err() != nil {
			if depth := s.QueueDepth(); depth > 0 {
				s.metrics.QueueDepth.Add(ctx, -int64(depth))
				slog.Warn("drain timeout, chunks abandoned", "remaining", depth)
			}
			return
		}
		c := s.tryTake()
		if c == nil {
			return
		}
		s.metrics.QueueDepth.Add(ctx, -1)
		s.processOne(ctx, c)
	}
}

func (s *Scheduler) finalizeAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.FinalizeClient(id)
	}
}

// normalizeLines normalizes a multi-paragraph transcript line by line so
// paragraph breaks survive.
func normalizeLines(n *normalize.Normalizer, text string) string {
	if !strings.Contains(text, "\n") {
		return n.Normalize(text)
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = n.Normalize(line)
	}
	return strings.Join(lines, "\n")
}
