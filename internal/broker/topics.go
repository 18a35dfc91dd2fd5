package broker

import (
	"context"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// EnsureTopics creates missing topics through the cluster controller.
func EnsureTopics(ctx context.Context, bootstrap string, topics []TopicSpec, logger *zap.Logger) error {
	conn, err := kafka.DialContext(ctx, "tcp", bootstrap)
	if err != nil {
		return err
	}
	defer conn.Close()

	exists := func(topic string) bool {
		parts, err := conn.ReadPartitions(topic)
		return err == nil && len(parts) > 0
	}

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := kafka.DialContext(ctx, "tcp", ctrlAddr)
	if err != nil {
		return err
	}
	defer ctrlConn.Close()

	for _, t := range topics {
		if exists(t.Name) {
			logger.Debug("kafka topic exists", zap.String("topic", t.Name))
			continue
		}
		logger.Info("creating kafka topic",
			zap.String("topic", t.Name),
			zap.Int("partitions", t.Partitions),
			zap.Int("replication_factor", t.ReplicationFactor))
		if err := ctrlConn.CreateTopics(kafka.TopicConfig{
			Topic:             t.Name,
			NumPartitions:     t.Partitions,
			ReplicationFactor: t.ReplicationFactor,
		}); err != nil {
			return err
		}
	}
	return nil
}
