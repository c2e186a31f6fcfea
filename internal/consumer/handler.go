package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dsprocessor/internal/domain"
	kconsumer "dsprocessor/internal/platform/kafka/consumer"
	"dsprocessor/internal/platform/metrics"
	"dsprocessor/internal/processor"
	dErrors "dsprocessor/pkg/domain-errors"
)

// StageDecode marks dead letters of messages that never reached the processor.
const StageDecode = "DECODE"

// BatchProcessor runs a decoded batch to completion.
type BatchProcessor interface {
	Process(ctx context.Context, b processor.Batch) (processor.Report, error)
}

// Topics names the ingest topics the handler understands.
type Topics struct {
	Specimen string
	Media    string
	Delete   string
}

// Handler turns one poll into one processor batch.
type Handler struct {
	processor   BatchProcessor
	deadLetters processor.DeadLetterSink
	topics      Topics

	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ kconsumer.BatchHandler = (*Handler)(nil)

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(h *Handler) { h.newID = fn }
}

func NewHandler(p BatchProcessor, deadLetters processor.DeadLetterSink, topics Topics, opts ...Option) (*Handler, error) {
	if p == nil {
		return nil, errors.New("processor is required")
	}
	if deadLetters == nil {
		return nil, errors.New("dead-letter sink is required")
	}
	h := &Handler{
		processor:   p,
		deadLetters: deadLetters,
		topics:      topics,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// HandleBatch decodes msgs, dead-letters the undecodable ones and processes
// the rest. A nil return means every message is persisted or dead-lettered.
func (h *Handler) HandleBatch(ctx context.Context, msgs []*kconsumer.Message) error {
	var batch processor.Batch
	for _, m := range msgs {
		if err := h.decode(m, &batch); err != nil {
			if dlErr := h.reject(ctx, m, err); dlErr != nil {
				return dlErr
			}
		}
	}
	if len(batch.Events) == 0 && len(batch.Deletes) == 0 {
		return nil
	}

	start := h.now()
	report, err := h.processor.Process(ctx, batch)
	h.logger.InfoContext(ctx, "batch processed",
		"messages", len(msgs),
		"new", report.New,
		"changed", report.Changed,
		"unchanged", report.Unchanged,
		"tombstoned", report.Tombstoned,
		"dead_lettered", report.DeadLettered,
		"duration", h.now().Sub(start),
	)
	return err
}

func (h *Handler) decode(m *kconsumer.Message, batch *processor.Batch) error {
	switch m.Topic {
	case h.topics.Specimen:
		ev, err := DecodeSpecimenEvent(m.Value)
		if err != nil {
			return err
		}
		batch.Events = append(batch.Events, ev)
	case h.topics.Media:
		ev, err := DecodeMediaEvent(m.Value)
		if err != nil {
			return err
		}
		batch.Events = append(batch.Events, ev)
	case h.topics.Delete:
		req, err := DecodeDeleteRequest(m.Value)
		if err != nil {
			return err
		}
		batch.Deletes = append(batch.Deletes, req)
	default:
		return dErrors.Newf(dErrors.CodeValidation, "no decoder for topic %q", m.Topic)
	}
	return nil
}

func (h *Handler) reject(ctx context.Context, m *kconsumer.Message, cause error) error {
	h.metrics.IncrementDecodeFailures(m.Topic)
	code := string(dErrors.CodeOf(cause))
	h.metrics.IncrementDeadLetters(StageDecode, code)
	h.logger.WarnContext(ctx, "undecodable message",
		"topic", m.Topic,
		"partition", m.Partition,
		"offset", m.Offset,
		"error", cause,
	)
	dl := domain.DeadLetter{
		ID:      h.newID(),
		Kind:    h.kindOf(m.Topic),
		Stage:   StageDecode,
		Code:    code,
		Reason:  cause.Error(),
		Payload: domain.RawPayload(m.Value),
		At:      h.now().UTC(),
	}
	if err := h.deadLetters.Send(context.WithoutCancel(ctx), dl); err != nil {
		return fmt.Errorf("dead-letter %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	return nil
}

func (h *Handler) kindOf(topic string) domain.Kind {
	switch topic {
	case h.topics.Specimen:
		return domain.KindSpecimen
	case h.topics.Media:
		return domain.KindMedia
	}
	return ""
}
