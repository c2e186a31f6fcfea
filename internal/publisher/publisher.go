// Package publisher announces record changes and schedules annotation services.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"dsprocessor/internal/domain"
	dErrors "dsprocessor/pkg/domain-errors"
)

// Transport delivers an encoded message to a destination (a Kafka topic or a
// RabbitMQ routing key).
type Transport interface {
	Send(ctx context.Context, destination, key string, body []byte) error
}

// Publisher encodes notifications and annotation requests as JSON.
type Publisher struct {
	transport       Transport
	notificationDst string
	annotationDst   string
	logger          *slog.Logger
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func New(transport Transport, notificationDst, annotationDst string, opts ...Option) (*Publisher, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if notificationDst == "" || annotationDst == "" {
		return nil, errors.New("notification and annotation destinations are required")
	}
	p := &Publisher{
		transport:       transport,
		notificationDst: notificationDst,
		annotationDst:   annotationDst,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish sends a create, update, delete or rollback notification keyed by PID.
func (p *Publisher) Publish(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode notification")
	}
	if err := p.transport.Send(ctx, p.notificationDst, n.PID, body); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "publish "+string(n.Action)+" notification")
	}
	p.logger.DebugContext(ctx, "notification published", "pid", n.PID, "action", n.Action)
	return nil
}

// ScheduleAnnotation requests one annotation service run on a record.
func (p *Publisher) ScheduleAnnotation(ctx context.Context, r domain.AnnotationRequest) error {
	body, err := json.Marshal(r)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode annotation request")
	}
	if err := p.transport.Send(ctx, p.annotationDst, r.TargetPID, body); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "schedule annotation "+r.MasID)
	}
	return nil
}
