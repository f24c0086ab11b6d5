package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tandemdental/dentascribe/internal/lexicon"
	"github.com/tandemdental/dentascribe/internal/observe"
	"github.com/tandemdental/dentascribe/pkg/provider/asr"
	"github.com/tandemdental/dentascribe/pkg/provider/asr/mock"
)

type nullStore struct{}

func (nullStore) Load(context.Context, string, string) ([]byte, error) {
	return nil, lexicon.ErrNotFound
}

func (nullStore) Save(context.Context, string, string, []byte) error { return nil }

// collector gathers published results.
type collector struct {
	mu      sync.Mutex
	results []Result
}

func (c *collector) publish(r Result) {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
}

func (c *collector) wait(t *testing.T, n int) []Result {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.results) >= n {
			out := append([]Result(nil), c.results...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("timed out waiting for %d results, have %d", n, len(c.results))
	return nil
}

func startScheduler(t *testing.T, cfg Config, provider asr.Provider) (*Scheduler, *collector, context.CancelFunc) {
	t.Helper()
	col := &collector{}
	s := New(cfg, provider, lexicon.NewService(nullStore{}), col.publish)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s, col, cancel
}

func chunk(clientID, text string) *Chunk {
	return &Chunk{
		ClientID:       clientID,
		DesktopSession: "desk-1",
		ChannelID:      "pair-123456",
		AdminID:        "admin-1",
		Payload:        []byte(text),
		Priority:       PriorityBuffered,
	}
}

func TestProcessesChunkEndToEnd(t *testing.T) {
	t.Parallel()
	provider := &mock.Provider{FixedText: "karius distaal"}
	s, col, _ := startScheduler(t, Config{}, provider)

	if err := s.Submit(context.Background(), chunk("mob-1", "pcm")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	results := col.wait(t, 1)
	r := results[0]
	if r.Err != nil {
		t.Fatalf("result error: %v", r.Err)
	}
	if r.Raw != "karius distaal" {
		t.Errorf("raw = %q", r.Raw)
	}
	if r.Normalized != "cariës distaal" {
		t.Errorf("normalized = %q", r.Normalized)
	}
	if r.SessionText != "cariës distaal" {
		t.Errorf("session text = %q", r.SessionText)
	}
	if provider.LastOptions().Language != "nl" {
		t.Errorf("language = %q, want the admin default", provider.LastOptions().Language)
	}
}

func TestPerClientOrdering(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	seq := 0
	provider := &mock.Provider{
		TranscribeFunc: func(_ context.Context, wav []byte, _ asr.Options) (*asr.Result, error) {
			mu.Lock()
			seq++
			n := seq
			mu.Unlock()
			time.Sleep(time.Millisecond)
			return &asr.Result{Text: fmt.Sprintf("chunk %d", n)}, nil
		},
	}
	s, col, _ := startScheduler(t, Config{ParallelWorkers: 4}, provider)

	const perClient = 5
	for i := range perClient {
		for _, client := range []string{"mob-a", "mob-b"} {
			if err := s.Submit(context.Background(), chunk(client, fmt.Sprintf("%s-%d", client, i))); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}

	results := col.wait(t, perClient*2)
	perClientTexts := map[string][]string{}
	for _, r := range results {
		perClientTexts[r.Chunk.ClientID] = append(perClientTexts[r.Chunk.ClientID], r.SessionText)
	}
	// Session text only grows for a given client; any reordering would
	// shrink it.
	for client, texts := range perClientTexts {
		for i := 1; i < len(texts); i++ {
			if len(texts[i]) <= len(texts[i-1]) {
				t.Errorf("client %s: session text shrank at result %d: %q -> %q",
					client, i, texts[i-1], texts[i])
			}
		}
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	provider := &mock.Provider{
		TranscribeFunc: func(ctx context.Context, _ []byte, _ asr.Options) (*asr.Result, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return &asr.Result{Text: "ok"}, nil
		},
	}
	s, _, _ := startScheduler(t, Config{
		QueueSize:       4,
		SubmitTimeout:   20 * time.Millisecond,
		ParallelWorkers: 1,
		BatchSize:       1,
	}, provider)

	dropped := 0
	for i := range 40 {
		err := s.Submit(context.Background(), chunk("mob-1", fmt.Sprintf("c%d", i)))
		if err != nil {
			if err != ErrQueueFull {
				t.Fatalf("unexpected submit error: %v", err)
			}
			dropped++
		}
	}
	close(block)

	if dropped == 0 {
		t.Error("sustained overload should drop chunks")
	}
	if s.Stats().Dropped != int64(dropped) {
		t.Errorf("stats dropped = %d, want %d", s.Stats().Dropped, dropped)
	}
}

func TestBreakerOpensAndSkips(t *testing.T) {
	t.Parallel()
	provider := &mock.Provider{
		TranscribeFunc: func(context.Context, []byte, asr.Options) (*asr.Result, error) {
			return nil, asr.NewError(asr.ClassUnavailable, "mock", "down", nil)
		},
	}
	s, col, _ := startScheduler(t, Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Hour,
	}, provider)

	for i := range 3 {
		if err := s.Submit(context.Background(), chunk("mob-1", fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	col.wait(t, 3)
	waitFor(t, func() bool { return s.Stats().BreakerState == "open" })

	// Subsequent chunks are controlled drops, not failures.
	if err := s.Submit(context.Background(), chunk("mob-1", "c4")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool { return s.Stats().BreakerDrops >= 1 })
	if calls := provider.Calls(); calls != 3 {
		t.Errorf("provider calls = %d, want 3 (open circuit skips)", calls)
	}
}

func TestInvalidAudioDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	provider := &mock.Provider{
		TranscribeFunc: func(context.Context, []byte, asr.Options) (*asr.Result, error) {
			return nil, asr.NewError(asr.ClassInvalidAudio, "mock", "garbage", nil)
		},
	}
	s, col, _ := startScheduler(t, Config{FailureThreshold: 2}, provider)

	for i := range 5 {
		if err := s.Submit(context.Background(), chunk("mob-1", fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	results := col.wait(t, 5)
	for _, r := range results {
		if asr.Classify(r.Err) != asr.ClassInvalidAudio {
			t.Errorf("result error = %v", r.Err)
		}
	}
	if s.Stats().BreakerState != "closed" {
		t.Errorf("breaker state = %q, want closed", s.Stats().BreakerState)
	}
}

func TestSequentialMode(t *testing.T) {
	t.Parallel()
	provider := &mock.Provider{FixedText: "sequentieel"}
	s, col, _ := startScheduler(t, Config{Sequential: true}, provider)

	if err := s.Submit(context.Background(), chunk("mob-1", "pcm")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Sequential submit is synchronous; the result is already published.
	results := col.wait(t, 1)
	if results[0].Raw != "sequentieel" {
		t.Errorf("raw = %q", results[0].Raw)
	}
	if s.QueueDepth() != 0 {
		t.Errorf("sequential mode should not queue, depth = %d", s.QueueDepth())
	}
}

func TestShutdownDrainsAndFinalizes(t *testing.T) {
	t.Parallel()
	provider := &mock.Provider{FixedText: "laatste woorden"}
	col := &collector{}
	s := New(Config{}, provider, lexicon.NewService(nullStore{}), col.publish)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	if err := s.Submit(context.Background(), chunk("mob-1", "pcm")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	col.wait(t, 1)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	// Finalize publishes the remaining paragraph for the client.
	results := col.wait(t, 2)
	final := results[len(results)-1]
	if len(final.NewParagraphs) != 1 || final.NewParagraphs[0] != "laatste woorden" {
		t.Errorf("final delta = %+v", final)
	}

	if err := s.Submit(context.Background(), chunk("mob-1", "na sluiting")); err != ErrStopped {
		t.Errorf("submit after stop = %v, want ErrStopped", err)
	}
}

func TestFinalizeDuringProcessingIsSerialized(t *testing.T) {
	t.Parallel()
	provider := &mock.Provider{
		TranscribeFunc: func(context.Context, []byte, asr.Options) (*asr.Result, error) {
			time.Sleep(time.Millisecond)
			return &asr.Result{Text: "woord"}, nil
		},
	}
	s, col, _ := startScheduler(t, Config{
		QueueSize:     400,
		SubmitTimeout: time.Second,
	}, provider)

	// A client disconnecting mid-stream finalizes from the hub goroutine
	// while its chunks are still in flight on the workers.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 100 {
			if err := s.Submit(context.Background(), chunk("mob-1", fmt.Sprintf("c%d", i))); err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range 50 {
			s.FinalizeClient("mob-1")
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()

	waitFor(t, func() bool { return s.Stats().Processed >= 100 })
	for _, r := range col.wait(t, 1) {
		if r.Err == nil && r.SessionText == "" && len(r.NewParagraphs) == 0 {
			t.Errorf("inconsistent result published: %+v", r)
		}
	}
}

func TestFinalizeClientPublishesRemainder(t *testing.T) {
	t.Parallel()
	provider := &mock.Provider{FixedText: "open einde"}
	s, col, _ := startScheduler(t, Config{}, provider)

	if err := s.Submit(context.Background(), chunk("mob-1", "pcm")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	col.wait(t, 1)

	s.FinalizeClient("mob-1")
	results := col.wait(t, 2)
	final := results[1]
	if len(final.NewParagraphs) != 1 || final.NewParagraphs[0] != "open einde" {
		t.Errorf("final paragraphs = %v", final.NewParagraphs)
	}

	// Finalizing twice is a no-op.
	s.FinalizeClient("mob-1")
	time.Sleep(20 * time.Millisecond)
	if got := len(col.wait(t, 2)); got != 2 {
		t.Errorf("results = %d, want 2", got)
	}
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func gaugeValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestDrainSettlesQueueDepthGauge(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	provider := &mock.Provider{FixedText: "ok"}
	col := &collector{}
	s := New(Config{Metrics: m}, provider, lexicon.NewService(nullStore{}), col.publish)

	for i := range 3 {
		if err := s.Submit(context.Background(), chunk("mob-1", fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if got := gaugeValue(t, reader, "dentascribe.queue_depth"); got != 3 {
		t.Fatalf("queue depth gauge = %d, want 3 before drain", got)
	}

	s.drain()
	if got := gaugeValue(t, reader, "dentascribe.queue_depth"); got != 0 {
		t.Errorf("queue depth gauge = %d, want 0 after drain", got)
	}
}

func TestDrainTimeoutAccountsAbandonedChunks(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	provider := &mock.Provider{
		TranscribeFunc: func(ctx context.Context, _ []byte, _ asr.Options) (*asr.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	col := &collector{}
	s := New(Config{Metrics: m, DrainTimeout: 50 * time.Millisecond},
		provider, lexicon.NewService(nullStore{}), col.publish)

	for i := range 3 {
		if err := s.Submit(context.Background(), chunk("mob-1", fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	// The first chunk blocks until the drain deadline; the rest are
	// abandoned and must still come off the gauge.
	s.drain()
	if got := gaugeValue(t, reader, "dentascribe.queue_depth"); got != 0 {
		t.Errorf("queue depth gauge = %d, want 0 after abandoning backlog", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
