package site

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is the authoritative metadata lookup. It returns ErrNotFound when no
// site carries the token.
type Store interface {
	SiteByToken(ctx context.Context, token string) (Config, error)
}

// Cache holds serialized site configs keyed by token.
type Cache interface {
	Get(ctx context.Context, token string) (Config, bool, error)
	Set(ctx context.Context, token string, cfg Config, ttl time.Duration) error
}

type ResolverConfig struct {
	TTL          time.Duration
	CacheTimeout time.Duration
	StoreTimeout time.Duration
}

func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		TTL:          5 * time.Minute,
		CacheTimeout: 250 * time.Millisecond,
		StoreTimeout: 2 * time.Second,
	}
}

// Resolver looks sites up in the cache first and falls back to the store.
// Cached entries are never invalidated actively; staleness is bounded by TTL.
type Resolver struct {
	cache  Cache
	store  Store
	cfg    ResolverConfig
	logger *zap.Logger
}

func NewResolver(cache Cache, store Store, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	return &Resolver{cache: cache, store: store, cfg: cfg, logger: logger.Named("site")}
}

// Resolve returns the site for token. Inactive sites are returned together
// with ErrInactive so callers can still distinguish them from ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, token string) (Config, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Config{}, ErrMissingToken
	}

	cfg, hit := r.fromCache(ctx, token)
	if !hit {
		var err error
		cfg, err = r.fromStore(ctx, token)
		if err != nil {
			return Config{}, err
		}
		r.populate(ctx, token, cfg)
	}

	if !cfg.IsActive {
		return cfg, ErrInactive
	}
	return cfg, nil
}

// fromCache fails open: cache errors and timeouts count as a miss.
func (r *Resolver) fromCache(ctx context.Context, token string) (Config, bool) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CacheTimeout)
	defer cancel()

	cfg, ok, err := r.cache.Get(cctx, token)
	if err != nil {
		r.logger.Warn("site cache read failed", zap.String("token", token), zap.Error(err))
		return Config{}, false
	}
	return cfg, ok
}

func (r *Resolver) fromStore(ctx context.Context, token string) (Config, error) {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	cfg, err := r.store.SiteByToken(sctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Config{}, ErrNotFound
		}
		return Config{}, fmt.Errorf("site store lookup: %w", err)
	}
	return cfg, nil
}

// populate is best-effort; a failed write never fails the resolve.
func (r *Resolver) populate(ctx context.Context, token string, cfg Config) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CacheTimeout)
	defer cancel()

	if err := r.cache.Set(cctx, token, cfg, r.cfg.TTL); err != nil {
		r.logger.Warn("site cache write failed", zap.String("token", token), zap.Error(err))
	}
}

// RedisCache stores JSON-encoded site configs under "site:{token}".
type RedisCache struct {
	rdb redis.Cmdable
}

func NewRedisCache(rdb redis.Cmdable) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func CacheKey(token string) string { return "site:" + token }

func (c *RedisCache) Get(ctx context.Context, token string) (Config, bool, error) {
	b, err := c.rdb.Get(ctx, CacheKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Config{}, false, nil
		}
		return Config{}, false, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("decode cached site %s: %w", token, err)
	}
	return cfg, true, nil
}

func (c *RedisCache) Set(ctx context.Context, token string, cfg Config, ttl time.Duration) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, CacheKey(token), b, ttl).Err()
}
