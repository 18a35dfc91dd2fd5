package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/insighthub/internal/admission"
	"example.com/insighthub/internal/broker"
	"example.com/insighthub/internal/config"
	"example.com/insighthub/internal/domain"
	"example.com/insighthub/internal/enrich"
	"example.com/insighthub/internal/ingest"
	"example.com/insighthub/internal/logging"
	"example.com/insighthub/internal/presence"
	"example.com/insighthub/internal/site"
	"example.com/insighthub/internal/storage/clickhouse"
	"example.com/insighthub/internal/storage/objectstore"
	spg "example.com/insighthub/internal/storage/postgres"
	transport "example.com/insighthub/internal/transport/http"
)

func main() {
	cfg := config.Parse()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("collector-api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := spg.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	if err := db.RunMigration(ctx, cfg.PostgresMigrations); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	logger.Info("postgres ready", zap.String("migration", cfg.PostgresMigrations))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	sink, err := clickhouse.Open(ctx, clickhouse.Options{
		Addr:     cfg.ClickHouseAddr,
		Database: cfg.ClickHouseDatabase,
		User:     cfg.ClickHouseUser,
		Password: cfg.ClickHousePassword,
	}, logger)
	if err != nil {
		return err
	}
	defer sink.Close()
	if err := sink.EnsureSchema(ctx); err != nil {
		return err
	}

	producer := broker.NewProducer(cfg.KafkaBrokers, cfg.KafkaDLQTopic, cfg.KafkaHeatmapTopic, logger)
	defer producer.Close()
	topics := []broker.TopicSpec{
		{Name: cfg.KafkaHeatmapTopic, Partitions: 3, ReplicationFactor: 1},
		{Name: cfg.KafkaDLQTopic, Partitions: 1, ReplicationFactor: 1},
	}
	if err := broker.EnsureTopics(ctx, cfg.KafkaBrokers[0], topics, logger); err != nil {
		logger.Warn("kafka topic setup skipped", zap.Error(err))
	}

	dlq, err := deadLetterBackend(ctx, cfg, db, producer, logger)
	if err != nil {
		return err
	}

	var geo enrich.GeoProvider = enrich.NoGeo{}
	if mm, err := enrich.OpenMaxMind(cfg.MaxMindDBPath); err != nil {
		logger.Warn("geo lookup disabled", zap.String("path", cfg.MaxMindDBPath), zap.Error(err))
	} else {
		defer mm.Close()
		geo = mm
	}

	schema, err := domain.NewSchemaValidator()
	if err != nil {
		return err
	}

	ingestor := ingest.NewIngestor(sink, ingest.NewRedisRetryStore(rdb, ingest.DefaultRetryKey), dlq, ingest.Config{
		BatchMaxSize: cfg.BatchMaxSize,
		BatchMaxAge:  cfg.BatchMaxAge,
		FlushTimeout: cfg.FlushTimeout,
		FlushWorkers: cfg.FlushWorkers,
		MaxAttempts:  cfg.RetryMaxAttempts,
		Backoff: ingest.BackoffConfig{
			InitialDelay: cfg.RetryBaseDelay,
			MaxDelay:     time.Minute,
			Multiplier:   2,
		},
		RetryPoll: cfg.RetryPoll,
	}, logger)
	ingestor.Start(ctx)
	logger.Info("ingest started",
		zap.Int("batch_max_size", cfg.BatchMaxSize),
		zap.Duration("batch_max_age", cfg.BatchMaxAge),
		zap.Int("flush_workers", cfg.FlushWorkers))

	deps := &transport.ServerDeps{
		Cfg: cfg,
		Sites: site.NewResolver(site.NewRedisCache(rdb), db, site.ResolverConfig{
			TTL:          cfg.SiteCacheTTL,
			CacheTimeout: cfg.RedisTimeout,
			StoreTimeout: 2 * time.Second,
		}, logger),
		Limiter: admission.NewLimiter(rdb, admission.Config{
			Limit:   cfg.RateLimitRequests,
			Window:  cfg.RateLimitWindow,
			Timeout: cfg.RedisTimeout,
			Prefix:  "ratelimit:",
		}),
		Enricher: enrich.New(geo, logger),
		Queue:    ingestor,
		Presence: presence.NewTracker(rdb, cfg.PresenceWindow),
		Heatmaps: producer,
		Schema:   schema,
		Realtime: transport.NewKeyedRateLimiter(cfg.RealtimeRatePerMin),
		Checks: []transport.ReadinessCheck{
			{Name: "postgres", Check: db.Ready},
			{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
			{Name: "clickhouse", Check: sink.Ping},
			{Name: "ingest", Check: func(context.Context) error {
				if ingestor.Closed() {
					return ingest.ErrClosed
				}
				return nil
			}},
		},
		Logger: logger.Named("http"),
		Now:    func() time.Time { return time.Now().UTC() },
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// HTTP first so no request enqueues into a closing ingestor.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}

		closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.FlushTimeout+5*time.Second)
		defer cancelClose()
		if err := ingestor.Close(closeCtx); err != nil {
			return fmt.Errorf("ingest close: %w", err)
		}
		logger.Info("ingest drained", zap.Any("stats", ingestor.Stats()))
		return nil
	})
	return g.Wait()
}

func deadLetterBackend(ctx context.Context, cfg config.Config, db *spg.DB, producer *broker.Producer, logger *zap.Logger) (ingest.DeadLetter, error) {
	switch cfg.DLQBackend {
	case config.DLQBackendMinIO:
		mc, err := objectstore.NewMinIO(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOUseTLS, cfg.MinIOBucket)
		if err != nil {
			return nil, fmt.Errorf("minio: %w", err)
		}
		if err := mc.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("minio bucket: %w", err)
		}
		logger.Info("dead letters go to object storage", zap.String("bucket", cfg.MinIOBucket))
		return objectstore.NewArchive(mc, logger), nil
	case config.DLQBackendPostgres:
		logger.Info("dead letters go to postgres")
		return spg.NewDeadLetterWriter(db), nil
	default:
		logger.Info("dead letters go to kafka", zap.String("topic", cfg.KafkaDLQTopic))
		return producer, nil
	}
}
