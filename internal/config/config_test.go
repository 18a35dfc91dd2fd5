package config

import (
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg := Parse()

	if cfg.BatchMaxSize != 100 {
		t.Errorf("BatchMaxSize = %d, want 100", cfg.BatchMaxSize)
	}
	if cfg.BatchMaxAge != 5*time.Second {
		t.Errorf("BatchMaxAge = %s, want 5s", cfg.BatchMaxAge)
	}
	if cfg.FlushWorkers != 10 {
		t.Errorf("FlushWorkers = %d, want 10", cfg.FlushWorkers)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.RetryBaseDelay != time.Second {
		t.Errorf("retry = %d/%s, want 3/1s", cfg.RetryMaxAttempts, cfg.RetryBaseDelay)
	}
	if cfg.RateLimitRequests != 100 || cfg.RateLimitWindow != time.Minute {
		t.Errorf("rate limit = %d/%s, want 100/1m", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if cfg.SiteCacheTTL != 5*time.Minute || cfg.PresenceWindow != 5*time.Minute {
		t.Errorf("ttl = %s/%s, want 5m/5m", cfg.SiteCacheTTL, cfg.PresenceWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v, want nil", err)
	}
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("BATCH_MAX_SIZE", "250")
	t.Setenv("BATCH_MAX_AGE_MS", "1500")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MINIO_USE_TLS", "true")
	t.Setenv("DLQ_BACKEND", "MinIO")

	cfg := Parse()

	if cfg.BatchMaxSize != 250 {
		t.Errorf("BatchMaxSize = %d, want 250", cfg.BatchMaxSize)
	}
	if cfg.BatchMaxAge != 1500*time.Millisecond {
		t.Errorf("BatchMaxAge = %s, want 1.5s", cfg.BatchMaxAge)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v, want [k1:9092 k2:9092]", cfg.KafkaBrokers)
	}
	if !cfg.MinIOUseTLS {
		t.Error("MinIOUseTLS = false, want true")
	}
	if cfg.DLQBackend != DLQBackendMinIO {
		t.Errorf("DLQBackend = %q, want %q", cfg.DLQBackend, DLQBackendMinIO)
	}
}

func TestParse_InvalidNumberFallsBack(t *testing.T) {
	t.Setenv("FLUSH_WORKERS", "lots")

	if got := Parse().FlushWorkers; got != 10 {
		t.Errorf("FlushWorkers = %d, want default 10", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.BatchMaxSize = 0 }},
		{"zero batch age", func(c *Config) { c.BatchMaxAge = 0 }},
		{"zero workers", func(c *Config) { c.FlushWorkers = 0 }},
		{"zero attempts", func(c *Config) { c.RetryMaxAttempts = 0 }},
		{"zero window", func(c *Config) { c.RateLimitWindow = 0 }},
		{"no clickhouse", func(c *Config) { c.ClickHouseAddr = nil }},
		{"unknown dlq backend", func(c *Config) { c.DLQBackend = "sqs" }},
		{"kafka without topic", func(c *Config) { c.KafkaDLQTopic = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Parse()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
