// v0
// internal/notify/topics.go
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// TopicSpec describes the notification topic layout.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

const adminTimeout = 10 * time.Second

// EnsureTopic creates spec.Name through the cluster controller when it is
// missing and reports its partition count. An existing topic is left as is.
func EnsureTopic(ctx context.Context, brokers []string, spec TopicSpec, log *slog.Logger) (int, error) {
	if len(brokers) == 0 {
		return 0, ErrNoBrokers
	}
	if strings.TrimSpace(spec.Name) == "" {
		return 0, errors.New("topic name must not be empty")
	}
	if spec.Partitions < 1 {
		spec.Partitions = 1
	}
	if spec.ReplicationFactor < 1 {
		spec.ReplicationFactor = 1
	}

	admin, err := dialController(ctx, brokers[0])
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := admin.Close(); cerr != nil {
			log.Warn("kafka_controller_close", slog.Any("err", cerr))
		}
	}()
	if err := admin.SetDeadline(time.Now().Add(adminTimeout)); err != nil {
		log.Warn("kafka_controller_deadline", slog.Any("err", err))
	}

	err = admin.CreateTopics(kafka.TopicConfig{
		Topic:             spec.Name,
		NumPartitions:     spec.Partitions,
		ReplicationFactor: spec.ReplicationFactor,
	})
	switch {
	case err == nil:
		log.Info("notify_topic_created", slog.String("topic", spec.Name), slog.Int("partitions", spec.Partitions))
	case errors.Is(err, kafka.TopicAlreadyExists):
		log.Info("notify_topic_exists", slog.String("topic", spec.Name))
	default:
		return 0, fmt.Errorf("create topic %s: %w", spec.Name, err)
	}

	parts, err := admin.ReadPartitions(spec.Name)
	if err != nil {
		return 0, fmt.Errorf("read partitions for %s: %w", spec.Name, err)
	}
	return countPartitions(parts, spec.Name), nil
}

func dialController(ctx context.Context, broker string) (*kafka.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, adminTimeout)
	defer cancel()
	conn, err := kafka.DialContext(dialCtx, "tcp", broker)
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", broker, err)
	}
	controller, err := conn.Controller()
	_ = conn.Close()
	if err != nil {
		return nil, fmt.Errorf("fetch controller metadata: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", controller.Host, controller.Port)
	admin, err := kafka.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial controller %s: %w", addr, err)
	}
	return admin, nil
}

func countPartitions(parts []kafka.Partition, topic string) int {
	seen := make(map[int]struct{}, len(parts))
	for _, p := range parts {
		if p.Topic == topic {
			seen[p.ID] = struct{}{}
		}
	}
	return len(seen)
}
