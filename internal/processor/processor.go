// Package processor drives batches of specimen and media events through the
// commit stages, keeping the registrar, the relational store, the search
// index and downstream consumers consistent by compensating partially
// applied envelopes.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dsprocessor/internal/domain"
	"dsprocessor/internal/fdo"
	"dsprocessor/internal/platform/metrics"
	"dsprocessor/internal/relationship"
	"dsprocessor/internal/saga"
	dErrors "dsprocessor/pkg/domain-errors"
)

// Stage names one step of the commit sequence.
type Stage string

const (
	StageValidate     Stage = "VALIDATE"
	StageClassify     Stage = "CLASSIFY"
	StageAssignPIDs   Stage = "ASSIGN_PIDS"
	StageBuildRecords Stage = "BUILD_VERSIONED_RECORDS"
	StagePersist      Stage = "PERSIST_RELATIONAL"
	StageIndex        Stage = "INDEX_SEARCH"
	StageRelations    Stage = "RECONCILE_RELATIONSHIPS"
	StagePublish      Stage = "PUBLISH_EVENTS"
	StageSchedule     Stage = "SCHEDULE_ANNOTATIONS"
	StageDone         Stage = "DONE"
	StageTombstone    Stage = "TOMBSTONE"
)

// Config tunes retries and annotation behavior.
type Config struct {
	// AgentID stamps relationships, notifications and annotation requests.
	AgentID string
	// StageRetries is the number of extra attempts for a stage call that
	// failed with a transient error.
	StageRetries    int
	StageRetryDelay time.Duration
	// AnnotationBatching is passed through on every annotation request.
	AnnotationBatching bool
	// RegisterSecondaryID registers a DOI for newly minted specimen PIDs.
	RegisterSecondaryID bool
	// Concurrency bounds parallel publish calls.
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		AgentID:         "https://ror.org/0566bfb96",
		StageRetries:    2,
		StageRetryDelay: 500 * time.Millisecond,
		Concurrency:     8,
	}
}

// Batch is one poll worth of decoded events.
type Batch struct {
	Events  []domain.Event
	Deletes []domain.DeleteRequest
}

// Report counts what happened to the items of a batch.
type Report struct {
	New          int
	Changed      int
	Unchanged    int
	Tombstoned   int
	DeadLettered int
}

type Processor struct {
	records     RecordStore
	relations   RelationshipStore
	search      SearchIndex
	registrar   Registrar
	publisher   Publisher
	deadLetters DeadLetterSink

	builder    *fdo.Builder
	reconciler *relationship.Reconciler
	config     Config

	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Processor)

func WithConfig(cfg Config) Option {
	return func(p *Processor) { p.config = cfg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithBuilder(b *fdo.Builder) Option {
	return func(p *Processor) { p.builder = b }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(p *Processor) { p.newID = fn }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

func New(
	records RecordStore,
	relations RelationshipStore,
	search SearchIndex,
	registrar Registrar,
	publisher Publisher,
	deadLetters DeadLetterSink,
	opts ...Option,
) (*Processor, error) {
	switch {
	case records == nil:
		return nil, errors.New("record store is required")
	case relations == nil:
		return nil, errors.New("relationship store is required")
	case search == nil:
		return nil, errors.New("search index is required")
	case registrar == nil:
		return nil, errors.New("registrar is required")
	case publisher == nil:
		return nil, errors.New("publisher is required")
	case deadLetters == nil:
		return nil, errors.New("dead-letter sink is required")
	}

	p := &Processor{
		records:     records,
		relations:   relations,
		search:      search,
		registrar:   registrar,
		publisher:   publisher,
		deadLetters: deadLetters,
		config:      DefaultConfig(),
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.builder == nil {
		p.builder = fdo.NewBuilder()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer("dsprocessor/processor")
	}
	if p.config.Concurrency <= 0 {
		p.config.Concurrency = 1
	}
	p.reconciler = relationship.New(p.config.AgentID,
		relationship.WithClock(p.now),
		relationship.WithIDGenerator(p.newID))
	return p, nil
}

type stageFunc func(ctx context.Context, r *round)

// Process runs every event and delete request of b to completion: each item
// ends up persisted or dead-lettered. The returned error is non-nil only when
// that guarantee could not be kept, e.g. a dead letter could not be written,
// and the batch must be redelivered.
func (p *Processor) Process(ctx context.Context, b Batch) (Report, error) {
	var (
		report Report
		errs   []error
	)

	pending := b.Events
	for len(pending) > 0 {
		envs, deferred := buildEnvelopes(pending)
		if len(deferred) > 0 {
			p.logger.InfoContext(ctx, "deferring envelopes with repeated natural keys", "deferred", len(deferred))
		}
		if err := p.runRound(ctx, envs, &report); err != nil {
			errs = append(errs, err)
		}
		pending = deferred
	}

	for _, del := range b.Deletes {
		if err := p.tombstone(ctx, del, &report); err != nil {
			errs = append(errs, err)
		}
	}

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

func (p *Processor) runRound(ctx context.Context, envs []*envelope, report *Report) error {
	r := &round{envelopes: envs}
	var errs []error

	r.stage = StageValidate
	p.validate(r)
	errs = append(errs, p.settle(ctx, r)...)

	stages := []struct {
		stage Stage
		run   stageFunc
	}{
		{StageClassify, p.classify},
		{StageAssignPIDs, p.assignPIDs},
		{StageBuildRecords, p.buildRecords},
		{StagePersist, p.persist},
		{StageIndex, p.index},
		{StageRelations, p.reconcileRelationships},
		{StagePublish, p.publish},
		{StageSchedule, p.scheduleAnnotations},
	}
	for _, st := range stages {
		if len(r.liveEnvelopes()) == 0 {
			break
		}
		r.stage = st.stage
		p.runStage(ctx, r, st.stage, st.run)
		errs = append(errs, p.settle(ctx, r)...)
	}

	r.stage = StageDone
	done := r.liveEnvelopes()
	for _, env := range done {
		env.undo.Discard()
		for _, it := range env.items {
			p.metrics.ObserveItem(string(it.kind()), it.status.String())
			switch it.status {
			case statusNew:
				report.New++
			case statusChanged:
				report.Changed++
			case statusUnchanged:
				report.Unchanged++
			}
		}
	}
	p.registerSecondaryIDs(ctx, done)
	for _, env := range r.envelopes {
		if env.failed() {
			report.DeadLettered++
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) runStage(ctx context.Context, r *round, stage Stage, run stageFunc) {
	ctx, span := p.tracer.Start(ctx, string(stage),
		trace.WithAttributes(attribute.Int("envelopes", len(r.liveEnvelopes()))))
	defer span.End()

	start := time.Now()
	run(ctx, r)
	p.metrics.ObserveStage(string(stage), time.Since(start))

	failed := 0
	for _, env := range r.envelopes {
		if env.failed() && env.failedAt == stage {
			failed++
		}
	}
	if failed > 0 {
		span.SetAttributes(attribute.Int("failed_envelopes", failed))
		span.SetStatus(codes.Error, fmt.Sprintf("%d envelopes failed", failed))
	}
}

// settle unwinds and dead-letters envelopes that failed in the current
// stage. Errors are returned only for dead letters that could not be written.
func (p *Processor) settle(ctx context.Context, r *round) []error {
	var errs []error
	for _, env := range r.envelopes {
		if !env.failed() || env.failedAt != r.stage {
			continue
		}
		p.compensate(ctx, &env.undo, env.root().key())
		if err := p.deadLetter(ctx, env.root(), env.failedAt, env.err); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (p *Processor) compensate(ctx context.Context, undo *saga.Stack, key string) {
	if undo.Len() == 0 {
		return
	}
	failures := undo.Unwind(ctx, func(label string, err error) {
		p.metrics.ObserveCompensation(label, err)
	})
	for _, f := range failures {
		p.logger.ErrorContext(ctx, "compensation failed",
			"natural_key", key,
			"step", f.Label,
			"error", f.Err,
		)
	}
}

func (p *Processor) deadLetter(ctx context.Context, it *item, stage Stage, cause error) error {
	code := string(dErrors.CodeOf(cause))
	dl := domain.DeadLetter{
		ID:         p.newID(),
		Kind:       it.kind(),
		NaturalKey: it.key(),
		PID:        it.pid,
		Stage:      string(stage),
		Code:       code,
		Reason:     cause.Error(),
		MasIDs:     it.event.EnrichmentList,
		Payload:    domain.RawPayload(it.event.Raw),
		At:         p.now().UTC(),
	}
	p.logger.WarnContext(ctx, "dead-lettering envelope",
		"natural_key", dl.NaturalKey,
		"pid", dl.PID,
		"stage", dl.Stage,
		"code", code,
		"error", cause,
	)
	p.metrics.IncrementDeadLetters(dl.Stage, code)
	p.metrics.ObserveItem(string(it.kind()), "dead_lettered")
	if err := p.deadLetters.Send(context.WithoutCancel(ctx), dl); err != nil {
		p.logger.ErrorContext(ctx, "dead letter not stored",
			"natural_key", dl.NaturalKey,
			"error", err,
		)
		return fmt.Errorf("dead-letter %s: %w", dl.NaturalKey, err)
	}
	return nil
}

// retry runs fn, repeating it while it fails with a transient error.
func (p *Processor) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= p.config.StageRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(p.config.StageRetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(err, ctx.Err())
			case <-t.C:
			}
		}
		if err = fn(ctx); err == nil || !dErrors.IsRetryable(err) {
			return err
		}
	}
	return err
}
