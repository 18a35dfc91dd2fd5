package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := DefaultConfig()
	cfg.Limit = limit
	cfg.Window = window
	return NewLimiter(rdb, cfg), mr
}

func TestAdmit_RejectsAfterLimit(t *testing.T) {
	l, _ := newLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := l.Admit(ctx, "site-a")
		if err != nil {
			t.Fatalf("Admit #%d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Remaining != 5-i {
			t.Errorf("request %d Remaining = %d, want %d", i, d.Remaining, 5-i)
		}
	}

	d, err := l.Admit(ctx, "site-a")
	if err != nil {
		t.Fatalf("Admit #6: %v", err)
	}
	if d.Allowed {
		t.Error("6th request should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
	if s := d.ResetAfterSeconds(); s < 1 || s > 60 {
		t.Errorf("ResetAfterSeconds = %d, want within (0, 60]", s)
	}
}

func TestAdmit_KeysAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, 2, time.Minute)
	ctx := context.Background()

	l.Admit(ctx, "site-a")
	l.Admit(ctx, "site-a")
	if d, _ := l.Admit(ctx, "site-a"); d.Allowed {
		t.Error("site-a should be rate limited")
	}

	if d, _ := l.Admit(ctx, "site-b"); !d.Allowed {
		t.Error("site-b should be allowed")
	}
}

func TestAdmit_WindowExpiryResets(t *testing.T) {
	l, mr := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	l.Admit(ctx, "1.2.3.4")
	if d, _ := l.Admit(ctx, "1.2.3.4"); d.Allowed {
		t.Fatal("second request should be denied")
	}
	if ttl := mr.TTL("ratelimit:1.2.3.4"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("counter TTL = %s, want within (0, 1m]", ttl)
	}

	mr.FastForward(61 * time.Second)

	if d, _ := l.Admit(ctx, "1.2.3.4"); !d.Allowed {
		t.Error("request in the next window should be allowed")
	}
}

func TestAdmit_FailsClosed(t *testing.T) {
	l, mr := newLimiter(t, 10, time.Minute)
	mr.Close()

	d, err := l.Admit(context.Background(), "site-a")
	if err == nil {
		t.Fatal("Admit with redis down err = nil, want error")
	}
	if d.Allowed {
		t.Error("Admit with redis down must refuse the request")
	}
}

func TestKey(t *testing.T) {
	if got := Key("tok", "1.1.1.1"); got != "tok" {
		t.Errorf("Key(tok, ip) = %q, want tok", got)
	}
	if got := Key("", "1.1.1.1"); got != "1.1.1.1" {
		t.Errorf("Key(\"\", ip) = %q, want ip", got)
	}
}

func TestDecision_ResetAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{200 * time.Millisecond, 1},
		{59500 * time.Millisecond, 60},
		{60 * time.Second, 60},
	}
	for _, tt := range tests {
		if got := (Decision{ResetAfter: tt.in}).ResetAfterSeconds(); got != tt.want {
			t.Errorf("ResetAfterSeconds(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
