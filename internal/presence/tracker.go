// Package presence tracks which visitors were active on a site within a
// trailing window, for the live dashboard.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultWindow = 5 * time.Minute

// Tracker keeps one sorted set per site ("realtime:{site}") scored by the
// visitor's last activity in epoch millis. Stale members are filtered at
// query time; the whole key expires after a full window without writes.
type Tracker struct {
	rdb    redis.Cmdable
	window time.Duration
	now    func() time.Time
}

func NewTracker(rdb redis.Cmdable, window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{rdb: rdb, window: window, now: time.Now}
}

func Key(siteID string) string { return "realtime:" + siteID }

// RecordActivity upserts the visitor with score at; the latest write wins.
func (t *Tracker) RecordActivity(ctx context.Context, siteID, visitorID string, at time.Time) error {
	key := Key(siteID)
	pipe := t.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: visitorID})
	pipe.Expire(ctx, key, t.window)
	_, err := pipe.Exec(ctx)
	return err
}

// CountActive returns the number of visitors seen within the window.
func (t *Tracker) CountActive(ctx context.Context, siteID string) (int, error) {
	n, err := t.rdb.ZCount(ctx, Key(siteID), t.minScore(), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ListActive returns the visitor IDs seen within the window, oldest first.
func (t *Tracker) ListActive(ctx context.Context, siteID string) ([]string, error) {
	return t.rdb.ZRangeByScore(ctx, Key(siteID), &redis.ZRangeBy{
		Min: t.minScore(),
		Max: "+inf",
	}).Result()
}

func (t *Tracker) minScore() string {
	return strconv.FormatInt(t.now().Add(-t.window).UnixMilli(), 10)
}
