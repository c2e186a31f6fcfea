// Package kafka builds franz-go clients for the processor's topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"dsprocessor/internal/platform/config"
)

// NewConsumerClient builds the group consumer for the ingest topics. Offsets
// are committed manually after a batch is fully handled, and rebalances wait
// until the polled batch is done.
func NewConsumerClient(cfg config.KafkaConfig, extra ...kgo.Opt) (*kgo.Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.SpecimenTopic, cfg.MediaTopic, cfg.DeleteTopic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}
	cl, err := kgo.NewClient(append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return cl, nil
}

// NewProducerClient builds the producer used for notifications, annotation
// requests and dead letters.
func NewProducerClient(cfg config.KafkaConfig, extra ...kgo.Opt) (*kgo.Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID + "-producer"),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProduceRequestTimeout(cfg.ProduceTimeout),
	}
	cl, err := kgo.NewClient(append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return cl, nil
}

// EnsureTopics creates every configured topic that does not exist yet.
func EnsureTopics(ctx context.Context, cl *kgo.Client, cfg config.KafkaConfig, logger *slog.Logger) error {
	adm := kadm.NewClient(cl)
	topics := []string{
		cfg.SpecimenTopic, cfg.MediaTopic, cfg.DeleteTopic,
		cfg.NotificationTopic, cfg.AnnotationTopic, cfg.DeadLetterTopic,
	}
	resps, err := adm.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	var errs []error
	for topic, resp := range resps {
		switch {
		case resp.Err == nil:
			logger.InfoContext(ctx, "created topic", "topic", topic)
		case errors.Is(resp.Err, kerr.TopicAlreadyExists):
		default:
			errs = append(errs, fmt.Errorf("topic %s: %w", topic, resp.Err))
		}
	}
	return errors.Join(errs...)
}
