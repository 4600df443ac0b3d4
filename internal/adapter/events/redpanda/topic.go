package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// ensureTopic creates the event topic when the cluster does not have it yet.
// Racing producers are fine: TOPIC_ALREADY_EXISTS counts as success.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicas int16) error {
	if topic == "" {
		return fmt.Errorf("op=events.ensure_topic: empty topic name")
	}
	if partitions <= 0 || replicas <= 0 {
		return fmt.Errorf("op=events.ensure_topic topic=%s: partitions and replicas must be positive", topic)
	}

	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replicas

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30_000
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("op=events.ensure_topic topic=%s: %w", topic, err)
	}
	for _, tr := range resp.Topics {
		switch kafkaErr := kerr.ErrorForCode(tr.ErrorCode); {
		case kafkaErr == nil:
			slog.Info("event topic created", slog.String("topic", tr.Topic))
		case errors.Is(kafkaErr, kerr.TopicAlreadyExists):
			slog.Debug("event topic already exists", slog.String("topic", tr.Topic))
		default:
			return fmt.Errorf("op=events.ensure_topic topic=%s: %w", tr.Topic, kafkaErr)
		}
	}
	return nil
}
