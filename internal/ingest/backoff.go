package ingest

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig configures exponential backoff between retry attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0 to 1.0
}

var DefaultBackoffConfig = BackoffConfig{
	InitialDelay: 1 * time.Second,
	MaxDelay:     1 * time.Minute,
	Multiplier:   2.0,
}

// Backoff computes the delay before the next attempt. It owns its RNG so
// jittered delays are safe for concurrent use.
type Backoff struct {
	cfg BackoffConfig
	rng *rand.Rand
	mu  sync.Mutex
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	return &Backoff{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Delay returns the wait after the given failed attempt (1-indexed):
// attempt 1 waits InitialDelay, attempt 2 twice that, and so on.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt-1))
	if b.cfg.MaxDelay > 0 && delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}
	if b.cfg.JitterFactor > 0 {
		b.mu.Lock()
		delay += delay * b.cfg.JitterFactor * (b.rng.Float64()*2 - 1)
		b.mu.Unlock()
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
