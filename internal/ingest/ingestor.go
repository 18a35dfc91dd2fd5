// Package ingest batches enriched events and flushes them to the analytics
// sink, retrying failed batches and dead-lettering what cannot be written.
package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/semaphore"

	"example.com/insighthub/internal/domain"
)

var ErrClosed = errors.New("ingest: ingestor is closed")

// Sink is the bulk write side of the analytics store.
type Sink interface {
	InsertEvents(ctx context.Context, events []domain.EnrichedEvent) error
}

type Config struct {
	BatchMaxSize int
	BatchMaxAge  time.Duration
	FlushTimeout time.Duration
	FlushWorkers int
	MaxAttempts  int
	Backoff      BackoffConfig
	RetryPoll    time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchMaxSize: 100,
		BatchMaxAge:  5 * time.Second,
		FlushTimeout: 10 * time.Second,
		FlushWorkers: 10,
		MaxAttempts:  3,
		Backoff:      DefaultBackoffConfig,
		RetryPoll:    500 * time.Millisecond,
	}
}

// Stats is a point-in-time snapshot of the ingestor's counters.
type Stats struct {
	Enqueued      uint64 `json:"enqueued"`
	Flushed       uint64 `json:"flushed"`
	FlushFailures uint64 `json:"flush_failures"`
	Retried       uint64 `json:"retried"`
	DeadLettered  uint64 `json:"dead_lettered"`
	Pending       int    `json:"pending"`
}

type Ingestor struct {
	cfg     Config
	sink    Sink
	retries RetryStore
	dlq     DeadLetter
	backoff *Backoff
	sem     *semaphore.Weighted
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	batch  []domain.EnrichedEvent
	timer  *time.Timer
	gen    uint64
	closed bool

	inflight sync.WaitGroup
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool

	enqueued      atomic.Uint64
	flushed       atomic.Uint64
	flushFailures atomic.Uint64
	retried       atomic.Uint64
	deadLettered  atomic.Uint64
}

func NewIngestor(sink Sink, retries RetryStore, dlq DeadLetter, cfg Config, logger *zap.Logger) *Ingestor {
	def := DefaultConfig()
	if cfg.BatchMaxSize <= 0 {
		cfg.BatchMaxSize = def.BatchMaxSize
	}
	if cfg.BatchMaxAge <= 0 {
		cfg.BatchMaxAge = def.BatchMaxAge
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.FlushWorkers <= 0 {
		cfg.FlushWorkers = def.FlushWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.RetryPoll <= 0 {
		cfg.RetryPoll = def.RetryPoll
	}
	if retries == nil {
		retries = NewMemoryRetryStore()
	}
	return &Ingestor{
		cfg:     cfg,
		sink:    sink,
		retries: retries,
		dlq:     dlq,
		backoff: NewBackoff(cfg.Backoff),
		sem:     semaphore.NewWeighted(int64(cfg.FlushWorkers)),
		logger:  logger.Named("ingest"),
		now:     time.Now,
		batch:   make([]domain.EnrichedEvent, 0, cfg.BatchMaxSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the retry worker until Close.
func (ig *Ingestor) Start(ctx context.Context) {
	if !ig.started.CompareAndSwap(false, true) {
		return
	}
	go ig.retryLoop(ctx)
}

// Enqueue appends ev to the current batch. It never waits on the sink: a
// full batch is detached and flushed in the background.
func (ig *Ingestor) Enqueue(ev domain.EnrichedEvent) error {
	ig.mu.Lock()
	if ig.closed {
		ig.mu.Unlock()
		return ErrClosed
	}
	if len(ig.batch) == 0 {
		gen := ig.gen
		ig.timer = time.AfterFunc(ig.cfg.BatchMaxAge, func() { ig.flushAged(gen) })
	}
	ig.batch = append(ig.batch, ev)
	ig.enqueued.Add(1)

	var full []domain.EnrichedEvent
	if len(ig.batch) >= ig.cfg.BatchMaxSize {
		full = ig.detachLocked()
	}
	ig.mu.Unlock()

	if full != nil {
		ig.dispatch(full)
	}
	return nil
}

// EnqueueAll enqueues events in order, stopping at the first error.
func (ig *Ingestor) EnqueueAll(events []domain.EnrichedEvent) error {
	for _, ev := range events {
		if err := ig.Enqueue(ev); err != nil {
			return err
		}
	}
	return nil
}

// detachLocked swaps out the current batch and disarms its timer. The
// generation bump turns an already-fired timer callback into a no-op. A
// non-empty batch is counted in flight before mu is released, so Close
// always waits for it.
func (ig *Ingestor) detachLocked() []domain.EnrichedEvent {
	if ig.timer != nil {
		ig.timer.Stop()
		ig.timer = nil
	}
	ig.gen++
	out := ig.batch
	ig.batch = make([]domain.EnrichedEvent, 0, ig.cfg.BatchMaxSize)
	if len(out) == 0 {
		return nil
	}
	ig.inflight.Add(1)
	return out
}

func (ig *Ingestor) flushAged(gen uint64) {
	ig.mu.Lock()
	if gen != ig.gen || len(ig.batch) == 0 {
		ig.mu.Unlock()
		return
	}
	batch := ig.detachLocked()
	ig.mu.Unlock()

	ig.dispatch(batch)
}

// dispatch flushes a batch returned by detachLocked on a worker slot.
func (ig *Ingestor) dispatch(batch []domain.EnrichedEvent) {
	go func() {
		defer ig.inflight.Done()
		if err := ig.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer ig.sem.Release(1)
		ig.flush(batch)
	}()
}

func (ig *Ingestor) flush(batch []domain.EnrichedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), ig.cfg.FlushTimeout)
	defer cancel()

	start := ig.now()
	err := ig.sink.InsertEvents(ctx, batch)
	if err == nil {
		ig.flushed.Add(uint64(len(batch)))
		ig.logger.Info("batch flushed",
			zap.Int("size", len(batch)),
			zap.Duration("took", ig.now().Sub(start)))
		return
	}

	ig.flushFailures.Add(1)
	ig.logger.Warn("batch flush failed",
		zap.Int("size", len(batch)),
		zap.Error(err))

	items := make([]RetryItem, len(batch))
	for i, ev := range batch {
		items[i] = RetryItem{Event: ev, Attempts: 1}
	}
	ig.fail(items, err)
}

// fail routes items whose latest attempt failed: back to the retry store
// while attempts remain, to the dead-letter path otherwise.
func (ig *Ingestor) fail(items []RetryItem, cause error) {
	now := ig.now()
	var retry, dead []RetryItem
	for _, it := range items {
		it.LastError = cause.Error()
		if it.Attempts >= ig.cfg.MaxAttempts {
			dead = append(dead, it)
			continue
		}
		it.DueAt = now.Add(ig.backoff.Delay(it.Attempts))
		retry = append(retry, it)
	}

	if len(retry) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), ig.cfg.FlushTimeout)
		err := ig.retries.Schedule(ctx, retry)
		cancel()
		var encErr *EncodeError
		switch {
		case errors.As(err, &encErr):
			ig.logger.Error("retry items not encodable, dead-lettering", zap.Int("size", len(encErr.Items)), zap.Error(err))
			dead = append(dead, encErr.Items...)
		case err != nil:
			ig.logger.Error("schedule retry failed, dead-lettering", zap.Int("size", len(retry)), zap.Error(err))
			dead = append(dead, retry...)
		default:
			ig.logger.Warn("retry scheduled",
				zap.Int("size", len(retry)),
				zap.Int("attempt", retry[0].Attempts+1),
				zap.Time("due_at", retry[0].DueAt))
		}
	}
	if len(dead) > 0 {
		ig.deadLetter(dead)
	}
}

func (ig *Ingestor) deadLetter(items []RetryItem) {
	ig.deadLettered.Add(uint64(len(items)))
	for _, it := range items {
		ig.logger.Error("event dead-lettered",
			zap.String("site_id", it.Event.SiteID),
			zap.String("event_id", it.Event.EventID),
			zap.Int("attempts", it.Attempts),
			zap.String("error", it.LastError))
	}
	if ig.dlq == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ig.cfg.FlushTimeout)
	defer cancel()
	err := ig.dlq.Publish(ctx, items)
	if err == nil {
		return
	}
	lost := items
	var encErr *EncodeError
	if errors.As(err, &encErr) {
		lost = encErr.Items
	}
	// Last resort: the full rows go to the log so nothing is lost silently.
	for _, it := range lost {
		ig.logger.Error("dead-letter publish failed",
			zap.Error(err),
			zap.Object("event", loggedEvent(it.Event)))
	}
}

// dropCorrupt records retry members that were claimed but could not be
// decoded. Only the raw member survives, in the log.
func (ig *Ingestor) dropCorrupt(err error) {
	var corrupt *CorruptRetryError
	if !errors.As(err, &corrupt) {
		ig.logger.Warn("claim retries failed", zap.Error(err))
		return
	}
	ig.deadLettered.Add(uint64(len(corrupt.Members)))
	for _, m := range corrupt.Members {
		ig.logger.Error("undecodable retry item dead-lettered",
			zap.String("member", m),
			zap.Error(corrupt.Err))
	}
}

func (ig *Ingestor) retryLoop(ctx context.Context) {
	defer close(ig.done)
	t := time.NewTicker(ig.cfg.RetryPoll)
	defer t.Stop()

	for {
		select {
		case <-ig.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			ig.claimDue(ctx, ig.now())
		}
	}
}

// claimDue drains every item due at now, one bulk insert per claimed group.
func (ig *Ingestor) claimDue(ctx context.Context, now time.Time) {
	for {
		items, err := ig.retries.ClaimDue(ctx, now, ig.cfg.BatchMaxSize)
		if err != nil {
			ig.dropCorrupt(err)
		}
		if len(items) > 0 {
			ig.dispatchRetry(items)
		}
		// Corrupt members were removed, so claiming again makes progress.
		var corrupt *CorruptRetryError
		if !errors.As(err, &corrupt) && len(items) < ig.cfg.BatchMaxSize {
			return
		}
	}
}

func (ig *Ingestor) dispatchRetry(items []RetryItem) {
	ig.inflight.Add(1)
	go func() {
		defer ig.inflight.Done()
		if err := ig.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer ig.sem.Release(1)
		ig.retry(items)
	}()
}

func (ig *Ingestor) retry(items []RetryItem) {
	ctx, cancel := context.WithTimeout(context.Background(), ig.cfg.FlushTimeout)
	defer cancel()

	events := make([]domain.EnrichedEvent, len(items))
	for i, it := range items {
		events[i] = it.Event
	}
	err := ig.sink.InsertEvents(ctx, events)
	if err == nil {
		ig.retried.Add(uint64(len(items)))
		ig.flushed.Add(uint64(len(items)))
		ig.logger.Info("retry flushed", zap.Int("size", len(items)))
		return
	}

	ig.flushFailures.Add(1)
	ig.logger.Warn("retry flush failed", zap.Int("size", len(items)), zap.Error(err))
	for i := range items {
		items[i].Attempts++
	}
	ig.fail(items, err)
}

// Close stops accepting events, flushes the current batch and waits for
// in-flight flushes. Retry items that would not survive a restart get one
// last attempt and are dead-lettered if it fails.
func (ig *Ingestor) Close(ctx context.Context) error {
	ig.mu.Lock()
	if ig.closed {
		ig.mu.Unlock()
		return nil
	}
	ig.closed = true
	final := ig.detachLocked()
	ig.mu.Unlock()

	if final != nil {
		ig.dispatch(final)
	}

	close(ig.stop)
	if ig.started.Load() {
		select {
		case <-ig.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := ig.wait(ctx); err != nil {
		return err
	}
	if !ig.retries.Durable() {
		ig.drainRetries(ctx)
	}
	return nil
}

func (ig *Ingestor) wait(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		ig.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ig *Ingestor) drainRetries(ctx context.Context) {
	for {
		items, err := ig.retries.ClaimDue(ctx, time.Unix(1<<40, 0), ig.cfg.BatchMaxSize)
		if err != nil {
			ig.dropCorrupt(err)
		}
		var corrupt *CorruptRetryError
		if len(items) == 0 {
			if errors.As(err, &corrupt) {
				continue
			}
			return
		}
		insertCtx, cancel := context.WithTimeout(ctx, ig.cfg.FlushTimeout)
		events := make([]domain.EnrichedEvent, len(items))
		for i, it := range items {
			events[i] = it.Event
		}
		err = ig.sink.InsertEvents(insertCtx, events)
		cancel()
		if err == nil {
			ig.retried.Add(uint64(len(items)))
			ig.flushed.Add(uint64(len(items)))
			continue
		}
		for i := range items {
			items[i].Attempts++
			items[i].LastError = err.Error()
		}
		ig.deadLetter(items)
	}
}

// RetryBacklog reports how many events wait in the retry store.
func (ig *Ingestor) RetryBacklog(ctx context.Context) (int, error) {
	return ig.retries.Len(ctx)
}

// Closed reports whether shutdown has begun.
func (ig *Ingestor) Closed() bool {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	return ig.closed
}

func (ig *Ingestor) Stats() Stats {
	ig.mu.Lock()
	pending := len(ig.batch)
	ig.mu.Unlock()

	return Stats{
		Enqueued:      ig.enqueued.Load(),
		Flushed:       ig.flushed.Load(),
		FlushFailures: ig.flushFailures.Load(),
		Retried:       ig.retried.Load(),
		DeadLettered:  ig.deadLettered.Load(),
		Pending:       pending,
	}
}

// loggedEvent writes an event row field by field, so rows that cannot be
// JSON encoded still reach the log.
type loggedEvent domain.EnrichedEvent

func (e loggedEvent) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("event_id", e.EventID)
	enc.AddString("site_id", e.SiteID)
	enc.AddString("visitor_id", e.VisitorID)
	enc.AddString("session_id", e.SessionID)
	enc.AddString("event_name", e.EventName)
	enc.AddString("event_properties", e.Properties.JSON())
	enc.AddString("page_url", e.PageURL)
	enc.AddString("page_path", e.PagePath)
	enc.AddString("page_title", e.PageTitle)
	enc.AddString("page_referrer", e.PageReferrer)
	enc.AddString("channel_group", string(e.ChannelGroup))
	enc.AddString("browser", e.Browser)
	enc.AddString("os", e.OS)
	enc.AddString("device_type", e.DeviceType)
	enc.AddString("country_code", e.CountryCode)
	enc.AddInt64("timestamp_ms", e.Timestamp.UnixMilli())
	enc.AddInt64("client_timestamp_ms", e.ClientTimestamp.UnixMilli())
	enc.AddBool("is_new_visitor", e.IsNewVisitor)
	enc.AddBool("is_new_session", e.IsNewSession)
	return nil
}
