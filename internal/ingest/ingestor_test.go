package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"example.com/insighthub/internal/domain"
)

var errSink = errors.New("sink unavailable")

// --- fakes ---

type fakeSink struct {
	mu       sync.Mutex
	failures int // calls left to fail; negative fails forever
	attempts int
	ok       [][]domain.EnrichedEvent
}

func (s *fakeSink) InsertEvents(_ context.Context, events []domain.EnrichedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return errSink
	}
	s.ok = append(s.ok, append([]domain.EnrichedEvent(nil), events...))
	return nil
}

func (s *fakeSink) snapshot() (attempts int, ok [][]domain.EnrichedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, append([][]domain.EnrichedEvent(nil), s.ok...)
}

type fakeDLQ struct {
	mu    sync.Mutex
	items []RetryItem
}

func (d *fakeDLQ) Publish(_ context.Context, items []RetryItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, items...)
	return nil
}

func (d *fakeDLQ) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func testConfig() Config {
	return Config{
		BatchMaxSize: 100,
		BatchMaxAge:  time.Hour,
		FlushTimeout: time.Second,
		FlushWorkers: 10,
		MaxAttempts:  3,
		Backoff:      BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 2},
		RetryPoll:    5 * time.Millisecond,
	}
}

func events(n int) []domain.EnrichedEvent {
	out := make([]domain.EnrichedEvent, n)
	for i := range out {
		out[i] = domain.EnrichedEvent{EventID: fmt.Sprintf("evt-%d", i), SiteID: "site-1", EventName: "page_view"}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func closeIngestor(t *testing.T, ig *Ingestor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ig.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// --- flush triggers ---

func TestIngestor_SizeTriggeredFlush(t *testing.T) {
	sink := &fakeSink{}
	ig := NewIngestor(sink, nil, nil, testConfig(), zap.NewNop())

	if err := ig.EnqueueAll(events(100)); err != nil {
		t.Fatalf("EnqueueAll: %v", err)
	}
	if got := ig.Stats().Pending; got != 0 {
		t.Errorf("pending after full batch = %d, want 0", got)
	}

	waitFor(t, 2*time.Second, func() bool { _, ok := sink.snapshot(); return len(ok) == 1 })
	_, ok := sink.snapshot()
	if len(ok[0]) != 100 {
		t.Errorf("flushed %d events, want 100", len(ok[0]))
	}

	if err := ig.Enqueue(events(1)[0]); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := ig.Stats().Pending; got != 1 {
		t.Errorf("fresh batch size = %d, want 1", got)
	}
	if attempts, _ := sink.snapshot(); attempts != 1 {
		t.Errorf("sink attempts = %d, want 1", attempts)
	}
}

func TestIngestor_AgeTriggeredFlush(t *testing.T) {
	sink := &fakeSink{}
	cfg := testConfig()
	cfg.BatchMaxAge = 150 * time.Millisecond
	ig := NewIngestor(sink, nil, nil, cfg, zap.NewNop())

	if err := ig.Enqueue(events(1)[0]); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if attempts, _ := sink.snapshot(); attempts != 0 {
		t.Fatalf("flushed before max age: attempts = %d", attempts)
	}

	waitFor(t, 2*time.Second, func() bool { return ig.Stats().Flushed == 1 })
}

func TestIngestor_SizeFlushDisarmsTimer(t *testing.T) {
	sink := &fakeSink{}
	cfg := testConfig()
	cfg.BatchMaxSize = 5
	cfg.BatchMaxAge = 50 * time.Millisecond
	ig := NewIngestor(sink, nil, nil, cfg, zap.NewNop())

	if err := ig.EnqueueAll(events(5)); err != nil {
		t.Fatalf("EnqueueAll: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	attempts, ok := sink.snapshot()
	if attempts != 1 || len(ok) != 1 || len(ok[0]) != 5 {
		t.Errorf("attempts = %d batches = %d, want a single flush of 5", attempts, len(ok))
	}
}

// --- retry and dead-letter ---

func TestIngestor_RetryThenSucceed(t *testing.T) {
	sink := &fakeSink{failures: 1}
	cfg := testConfig()
	cfg.BatchMaxSize = 10
	ig := NewIngestor(sink, NewMemoryRetryStore(), &fakeDLQ{}, cfg, zap.NewNop())
	ig.Start(context.Background())
	defer closeIngestor(t, ig)

	if err := ig.EnqueueAll(events(10)); err != nil {
		t.Fatalf("EnqueueAll: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { _, ok := sink.snapshot(); return len(ok) == 1 })
	attempts, ok := sink.snapshot()
	if attempts != 2 {
		t.Errorf("sink attempts = %d, want 2", attempts)
	}
	seen := make(map[string]bool)
	for _, ev := range ok[0] {
		seen[ev.EventID] = true
	}
	if len(seen) != 10 {
		t.Errorf("successful insert carried %d distinct events, want 10", len(seen))
	}

	waitFor(t, time.Second, func() bool { return ig.Stats().Retried == 10 })
	if st := ig.Stats(); st.FlushFailures != 1 || st.DeadLettered != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestIngestor_DeadLettersAfterMaxAttempts(t *testing.T) {
	sink := &fakeSink{failures: -1}
	dlq := &fakeDLQ{}
	cfg := testConfig()
	cfg.BatchMaxSize = 10
	ig := NewIngestor(sink, NewMemoryRetryStore(), dlq, cfg, zap.NewNop())
	ig.Start(context.Background())
	defer closeIngestor(t, ig)

	if err := ig.EnqueueAll(events(10)); err != nil {
		t.Fatalf("EnqueueAll: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return dlq.len() == 10 })
	if attempts, _ := sink.snapshot(); attempts != 3 {
		t.Errorf("sink attempts = %d, want 3", attempts)
	}
	dlq.mu.Lock()
	for _, it := range dlq.items {
		if it.Attempts != 3 || it.LastError == "" {
			t.Errorf("dead-lettered item = attempts %d error %q", it.Attempts, it.LastError)
		}
	}
	dlq.mu.Unlock()
	if got := ig.Stats().DeadLettered; got != 10 {
		t.Errorf("DeadLettered = %d, want 10", got)
	}
}

func TestIngestor_UnencodableEventDoesNotDeadLetterItsBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	sink := &fakeSink{failures: 1}
	dlq := &fakeDLQ{}
	cfg := testConfig()
	cfg.BatchMaxSize = 2
	ig := NewIngestor(sink, NewRedisRetryStore(rdb, ""), dlq, cfg, zap.NewNop())
	ig.Start(context.Background())
	defer closeIngestor(t, ig)

	batch := events(2)
	batch[1].ClientTimestamp = time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := ig.EnqueueAll(batch); err != nil {
		t.Fatalf("EnqueueAll: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { _, ok := sink.snapshot(); return len(ok) == 1 })
	_, ok := sink.snapshot()
	if len(ok[0]) != 1 || ok[0][0].EventID != "evt-0" {
		t.Errorf("retried batch = %+v, want evt-0 only", ok[0])
	}
	if dlq.len() != 1 {
		t.Fatalf("dead-lettered %d, want 1", dlq.len())
	}
	dlq.mu.Lock()
	if id := dlq.items[0].Event.EventID; id != "evt-1" {
		t.Errorf("dead-lettered %s, want evt-1", id)
	}
	dlq.mu.Unlock()
}

func TestIngestor_CorruptRetryMemberCountsAsDeadLettered(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	if _, err := mr.ZAdd(DefaultRetryKey, 1, "{truncated"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ig := NewIngestor(&fakeSink{}, NewRedisRetryStore(rdb, ""), &fakeDLQ{}, testConfig(), zap.NewNop())
	ig.Start(context.Background())
	defer closeIngestor(t, ig)

	waitFor(t, 2*time.Second, func() bool { return ig.Stats().DeadLettered == 1 })
	if mr.Exists(DefaultRetryKey) {
		t.Error("corrupt member left in the retry store")
	}
}

// --- concurrency and shutdown ---

func TestIngestor_ConcurrentEnqueue(t *testing.T) {
	sink := &fakeSink{}
	ig := NewIngestor(sink, nil, nil, testConfig(), zap.NewNop())

	const writers, perWriter = 20, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				ev := domain.EnrichedEvent{EventID: fmt.Sprintf("w%d-%d", w, i)}
				if err := ig.Enqueue(ev); err != nil {
					t.Errorf("Enqueue: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	closeIngestor(t, ig)

	_, ok := sink.snapshot()
	seen := make(map[string]bool)
	for _, batch := range ok {
		if len(batch) > 100 {
			t.Errorf("batch of %d exceeds max size", len(batch))
		}
		for _, ev := range batch {
			if seen[ev.EventID] {
				t.Errorf("event %s flushed twice", ev.EventID)
			}
			seen[ev.EventID] = true
		}
	}
	if len(seen) != writers*perWriter {
		t.Errorf("flushed %d events, want %d", len(seen), writers*perWriter)
	}
}

func TestIngestor_CloseWaitsForDetachedBatches(t *testing.T) {
	for i := 0; i < 200; i++ {
		sink := &fakeSink{}
		cfg := testConfig()
		cfg.BatchMaxSize = 1
		ig := NewIngestor(sink, nil, nil, cfg, zap.NewNop())

		var (
			mu       sync.Mutex
			accepted int
			done     = make(chan struct{})
		)
		go func() {
			defer close(done)
			for j := 0; ; j++ {
				if err := ig.Enqueue(domain.EnrichedEvent{EventID: fmt.Sprintf("e%d", j)}); err != nil {
					return
				}
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
		time.Sleep(time.Millisecond)
		closeIngestor(t, ig)
		<-done

		_, ok := sink.snapshot()
		mu.Lock()
		if len(ok) != accepted {
			t.Fatalf("iteration %d: flushed %d batches after Close, accepted %d", i, len(ok), accepted)
		}
		mu.Unlock()
	}
}

func TestIngestor_CloseFlushesAndRejects(t *testing.T) {
	sink := &fakeSink{}
	ig := NewIngestor(sink, nil, nil, testConfig(), zap.NewNop())
	ig.Start(context.Background())

	if err := ig.EnqueueAll(events(3)); err != nil {
		t.Fatalf("EnqueueAll: %v", err)
	}
	closeIngestor(t, ig)

	_, ok := sink.snapshot()
	if len(ok) != 1 || len(ok[0]) != 3 {
		t.Errorf("batches = %v, want one flush of 3", len(ok))
	}
	if err := ig.Enqueue(events(1)[0]); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close err = %v, want ErrClosed", err)
	}
	if err := ig.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestIngestor_CloseDrainsMemoryRetries(t *testing.T) {
	sink := &fakeSink{failures: 1}
	cfg := testConfig()
	cfg.Backoff = BackoffConfig{InitialDelay: time.Hour}
	ig := NewIngestor(sink, NewMemoryRetryStore(), &fakeDLQ{}, cfg, zap.NewNop())

	if err := ig.EnqueueAll(events(3)); err != nil {
		t.Fatalf("EnqueueAll: %v", err)
	}
	closeIngestor(t, ig)

	_, ok := sink.snapshot()
	if len(ok) != 1 || len(ok[0]) != 3 {
		t.Fatalf("batches = %d, want the retried batch of 3", len(ok))
	}
	if st := ig.Stats(); st.Retried != 3 || st.DeadLettered != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestIngestor_CloseDeadLettersUndeliverableRetries(t *testing.T) {
	sink := &fakeSink{failures: -1}
	dlq := &fakeDLQ{}
	cfg := testConfig()
	cfg.Backoff = BackoffConfig{InitialDelay: time.Hour}
	ig := NewIngestor(sink, NewMemoryRetryStore(), dlq, cfg, zap.NewNop())

	if err := ig.EnqueueAll(events(4)); err != nil {
		t.Fatalf("EnqueueAll: %v", err)
	}
	closeIngestor(t, ig)

	if dlq.len() != 4 {
		t.Errorf("dead-lettered %d, want 4", dlq.len())
	}
}
