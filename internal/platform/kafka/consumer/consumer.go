// Package consumer runs the poll, handle, commit loop over a franz-go group
// client.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"dsprocessor/internal/platform/metrics"
)

// Message is one polled record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// BatchHandler handles every message of one poll. Returning nil means each
// message reached a terminal outcome and the offsets may be committed.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []*Message) error
}

// Poller is the subset of *kgo.Client used by the loop.
type Poller interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	AllowRebalance()
}

// Consumer polls batches and hands them to a BatchHandler.
type Consumer struct {
	poller     Poller
	handler    BatchHandler
	maxRecords int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Consumer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

func WithMaxRecords(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.maxRecords = n
		}
	}
}

func New(poller Poller, handler BatchHandler, opts ...Option) *Consumer {
	c := &Consumer{
		poller:     poller,
		handler:    handler,
		maxRecords: 500,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run loops until ctx is cancelled or the client is closed. A handler error
// stops the loop without committing, so the batch is redelivered to whichever
// member owns the partitions next.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		fetches := c.poller.PollRecords(ctx, c.maxRecords)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.WarnContext(ctx, "fetch error", "topic", topic, "partition", partition, "error", err)
		})

		if err := c.handle(ctx, fetches.Records()); err != nil {
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, records []*kgo.Record) error {
	defer c.poller.AllowRebalance()
	if len(records) == 0 {
		return nil
	}

	msgs := make([]*Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, &Message{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		})
	}

	if err := c.handler.HandleBatch(ctx, msgs); err != nil {
		return fmt.Errorf("handle batch of %d: %w", len(msgs), err)
	}
	if err := c.poller.CommitRecords(ctx, records...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	c.metrics.IncrementBatchesConsumed()
	c.logger.DebugContext(ctx, "batch committed", "records", len(records))
	return nil
}
