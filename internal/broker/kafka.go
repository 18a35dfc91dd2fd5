// Package broker publishes dead-lettered events and raw heatmap records to
// Kafka.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"example.com/insighthub/internal/domain"
	"example.com/insighthub/internal/idempotency"
	"example.com/insighthub/internal/ingest"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterRecord is the value written to the dead-letter topic.
type DeadLetterRecord struct {
	Event     domain.EnrichedEvent `json:"event"`
	Attempts  int                  `json:"attempts"`
	LastError string               `json:"last_error"`
	FailedAt  time.Time            `json:"failed_at"`
}

// Producer holds one writer per topic. The dead-letter writer is
// synchronous and waits for all replicas; heatmap records are fire and
// forget.
type Producer struct {
	dlq     messageWriter
	heatmap messageWriter
	logger  *zap.Logger
	now     func() time.Time
}

func NewProducer(brokers []string, dlqTopic, heatmapTopic string, logger *zap.Logger) *Producer {
	logger = logger.Named("broker")
	balancer := &kafka.Hash{}

	dlq := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    dlqTopic,
		Balancer: balancer,

		BatchSize:    200,
		BatchBytes:   512 << 10,
		BatchTimeout: 10 * time.Millisecond,

		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
	}

	heatmap := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    heatmapTopic,
		Balancer: balancer,

		BatchSize:    1000,
		BatchBytes:   1 << 20,
		BatchTimeout: 5 * time.Millisecond,

		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Compression:  kafka.Snappy,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("heatmap publish failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}

	return &Producer{dlq: dlq, heatmap: heatmap, logger: logger, now: time.Now}
}

// Publish writes dead-lettered events, one message per event keyed by
// event_id. Items that cannot be encoded come back in an
// *ingest.EncodeError; the rest are still written. It satisfies
// ingest.DeadLetter.
func (p *Producer) Publish(ctx context.Context, items []ingest.RetryItem) error {
	if len(items) == 0 {
		return nil
	}
	msgs, rejected := deadLetterMessages(items, p.now())
	if len(msgs) > 0 {
		if err := p.dlq.WriteMessages(ctx, msgs...); err != nil {
			return fmt.Errorf("write dead letters: %w", err)
		}
		p.logger.Info("dead letters published", zap.Int("count", len(msgs)))
	}
	if rejected != nil {
		return rejected
	}
	return nil
}

// PublishHeatmap queues one heatmap submission for the downstream
// aggregator.
func (p *Producer) PublishHeatmap(ctx context.Context, rec domain.HeatmapRecord) error {
	msg, err := heatmapMessage(&rec)
	if err != nil {
		return err
	}
	return p.heatmap.WriteMessages(ctx, msg)
}

func (p *Producer) Close() error {
	errDLQ := p.dlq.Close()
	errHeatmap := p.heatmap.Close()
	if errDLQ != nil {
		return errDLQ
	}
	return errHeatmap
}

func deadLetterMessages(items []ingest.RetryItem, failedAt time.Time) ([]kafka.Message, *ingest.EncodeError) {
	msgs := make([]kafka.Message, 0, len(items))
	var rejected *ingest.EncodeError
	for i := range items {
		it := &items[i]
		value, err := json.Marshal(DeadLetterRecord{
			Event:     it.Event,
			Attempts:  it.Attempts,
			LastError: it.LastError,
			FailedAt:  failedAt.UTC(),
		})
		if err != nil {
			if rejected == nil {
				rejected = &ingest.EncodeError{Err: fmt.Errorf("dead letter %s: %w", it.Event.EventID, err)}
			}
			rejected.Items = append(rejected.Items, *it)
			continue
		}
		key, _ := idempotency.EventKey(&it.Event)
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: value,
			Headers: []kafka.Header{
				{Key: "site_id", Value: []byte(it.Event.SiteID)},
				{Key: "attempts", Value: []byte(strconv.Itoa(it.Attempts))},
				{Key: "stage", Value: []byte("sink_insert")},
			},
		})
	}
	return msgs, rejected
}

func heatmapMessage(rec *domain.HeatmapRecord) (kafka.Message, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode heatmap record: %w", err)
	}
	return kafka.Message{
		Key:   []byte(idempotency.PartitionKey(rec)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "idempotency_key", Value: []byte(idempotency.HeatmapKey(rec))},
			{Key: "site_id", Value: []byte(rec.SiteID)},
		},
	}, nil
}
