package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/insighthub/internal/domain"
)

// RetryItem is one event that failed a bulk insert and waits for another
// attempt. Attempts counts inserts already tried, including the first flush.
type RetryItem struct {
	Event     domain.EnrichedEvent `json:"event"`
	Attempts  int                  `json:"attempts"`
	LastError string               `json:"last_error"`
	DueAt     time.Time            `json:"due_at"`
}

// EncodeError reports items a retry store or dead-letter backend could not
// serialise. Every other item passed in the same call was handled.
type EncodeError struct {
	Items []RetryItem
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %d retry items: %v", len(e.Items), e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// CorruptRetryError carries retry members that were claimed but could not
// be decoded. They are already removed from the store.
type CorruptRetryError struct {
	Members []string
	Err     error
}

func (e *CorruptRetryError) Error() string {
	return fmt.Sprintf("decode %d retry members: %v", len(e.Members), e.Err)
}

func (e *CorruptRetryError) Unwrap() error { return e.Err }

// RetryStore holds retry items until they are due. ClaimDue hands each item
// to exactly one caller.
type RetryStore interface {
	Schedule(ctx context.Context, items []RetryItem) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]RetryItem, error)
	Len(ctx context.Context) (int, error)
	// Durable reports whether items survive a process restart.
	Durable() bool
}

// MemoryRetryStore keeps retry items in process. Pending items are drained
// on shutdown since they would not survive it.
type MemoryRetryStore struct {
	mu    sync.Mutex
	items []RetryItem
}

func NewMemoryRetryStore() *MemoryRetryStore { return &MemoryRetryStore{} }

func (s *MemoryRetryStore) Schedule(_ context.Context, items []RetryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
	return nil
}

func (s *MemoryRetryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]RetryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.SliceStable(s.items, func(i, j int) bool { return s.items[i].DueAt.Before(s.items[j].DueAt) })
	n := 0
	for n < len(s.items) && (limit <= 0 || n < limit) && !s.items[n].DueAt.After(now) {
		n++
	}
	if n == 0 {
		return nil, nil
	}
	claimed := make([]RetryItem, n)
	copy(claimed, s.items[:n])
	s.items = append(s.items[:0], s.items[n:]...)
	return claimed, nil
}

func (s *MemoryRetryStore) Len(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

func (s *MemoryRetryStore) Durable() bool { return false }

// RedisRetryStore keeps retry items in a sorted set scored by due time in
// epoch millis, shared by every ingestion process.
type RedisRetryStore struct {
	rdb redis.Cmdable
	key string
}

const DefaultRetryKey = "retry:events"

func NewRedisRetryStore(rdb redis.Cmdable, key string) *RedisRetryStore {
	if key == "" {
		key = DefaultRetryKey
	}
	return &RedisRetryStore{rdb: rdb, key: key}
}

func (s *RedisRetryStore) Schedule(ctx context.Context, items []RetryItem) error {
	if len(items) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(items))
	var rejected *EncodeError
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			if rejected == nil {
				rejected = &EncodeError{Err: fmt.Errorf("retry item %s: %w", it.Event.EventID, err)}
			}
			rejected.Items = append(rejected.Items, it)
			continue
		}
		members = append(members, redis.Z{Score: float64(it.DueAt.UnixMilli()), Member: string(b)})
	}
	if len(members) > 0 {
		if err := s.rdb.ZAdd(ctx, s.key, members...).Err(); err != nil {
			return err
		}
	}
	if rejected != nil {
		return rejected
	}
	return nil
}

// ClaimDue reads due members and removes them one by one; a member counts as
// claimed only for the caller whose ZREM removed it.
func (s *RedisRetryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]RetryItem, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read due retries: %w", err)
	}

	var (
		claimed []RetryItem
		corrupt *CorruptRetryError
	)
	for _, m := range members {
		removed, err := s.rdb.ZRem(ctx, s.key, m).Result()
		if err != nil {
			return claimed, errors.Join(fmt.Errorf("claim retry: %w", err), corruptErr(corrupt))
		}
		if removed == 0 {
			continue
		}
		var it RetryItem
		if err := json.Unmarshal([]byte(m), &it); err != nil {
			if corrupt == nil {
				corrupt = &CorruptRetryError{Err: err}
			}
			corrupt.Members = append(corrupt.Members, m)
			continue
		}
		claimed = append(claimed, it)
	}
	return claimed, corruptErr(corrupt)
}

// corruptErr keeps a nil *CorruptRetryError from becoming a non-nil error.
func corruptErr(c *CorruptRetryError) error {
	if c == nil {
		return nil
	}
	return c
}

func (s *RedisRetryStore) Len(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, s.key).Result()
	return int(n), err
}

func (s *RedisRetryStore) Durable() bool { return true }

// DeadLetter receives events that exhausted their retries. Implementations
// must persist them for operator attention.
type DeadLetter interface {
	Publish(ctx context.Context, items []RetryItem) error
}
