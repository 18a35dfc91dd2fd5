// Package admission gates ingestion traffic with a fixed-window counter
// shared by every ingestion process through Redis.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindow increments the counter and arms the window expiry on the first
// hit in one atomic step, then reports the count and remaining window in ms.
var fixedWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

type Config struct {
	Limit   int
	Window  time.Duration
	Timeout time.Duration
	Prefix  string
}

func DefaultConfig() Config {
	return Config{
		Limit:   100,
		Window:  60 * time.Second,
		Timeout: 250 * time.Millisecond,
		Prefix:  "ratelimit:",
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// ResetAfterSeconds rounds the reset hint up to whole seconds.
func (d Decision) ResetAfterSeconds() int {
	secs := int((d.ResetAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

type Limiter struct {
	rdb redis.Scripter
	cfg Config
}

func NewLimiter(rdb redis.Scripter, cfg Config) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg}
}

// Key picks the counting key: the site token when present, else the client IP.
func Key(siteToken, clientIP string) string {
	if siteToken != "" {
		return siteToken
	}
	return clientIP
}

// Admit counts one request against key. When Redis cannot answer within the
// timeout the request is refused and the error is returned alongside.
func (l *Limiter) Admit(ctx context.Context, key string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	res, err := fixedWindow.Run(ctx, l.rdb, []string{l.cfg.Prefix + key}, l.cfg.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{Allowed: false, Limit: l.cfg.Limit, ResetAfter: time.Second}, fmt.Errorf("admission counter: %w", err)
	}
	if len(res) != 2 {
		return Decision{Allowed: false, Limit: l.cfg.Limit, ResetAfter: time.Second}, fmt.Errorf("admission counter: unexpected reply %v", res)
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl > l.cfg.Window {
		ttl = l.cfg.Window
	}
	remaining := l.cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    count <= l.cfg.Limit,
		Limit:      l.cfg.Limit,
		Remaining:  remaining,
		ResetAfter: ttl,
	}, nil
}
