// Package deadletter persists events that could not be processed, together
// with the stage and error that stopped them.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"dsprocessor/internal/domain"
)

// Sender delivers a message to a destination. Satisfied by the Kafka producer.
type Sender interface {
	Send(ctx context.Context, destination, key string, body []byte) error
}

// KafkaSink writes dead letters to a dedicated topic keyed by natural key.
type KafkaSink struct {
	sender Sender
	topic  string
}

func NewKafkaSink(sender Sender, topic string) *KafkaSink {
	return &KafkaSink{sender: sender, topic: topic}
}

func (s *KafkaSink) Send(ctx context.Context, dl domain.DeadLetter) error {
	dl.Payload = domain.RawPayload(dl.Payload)
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	key := dl.NaturalKey
	if key == "" {
		key = dl.PID
	}
	return s.sender.Send(ctx, s.topic, key, body)
}
