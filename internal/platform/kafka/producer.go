package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// SyncProducer is the subset of *kgo.Client the producer needs.
type SyncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Producer writes keyed messages and waits for the brokers to acknowledge.
type Producer struct {
	client SyncProducer
}

func NewProducer(client SyncProducer) *Producer {
	return &Producer{client: client}
}

// Send produces one message to topic.
func (p *Producer) Send(ctx context.Context, topic, key string, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}
