package processor

import (
	"context"
	"fmt"
	"time"

	"dsprocessor/internal/domain"
	"dsprocessor/internal/fdo"
	"dsprocessor/internal/saga"
	dErrors "dsprocessor/pkg/domain-errors"
)

// tombstone retires one record across the registrar, the relational store,
// the search index and the relationship log, then announces the delete.
// Deleting a record that is already retired is a no-op.
func (p *Processor) tombstone(ctx context.Context, req domain.DeleteRequest, report *Report) error {
	ctx, span := p.tracer.Start(ctx, string(StageTombstone))
	defer span.End()
	start := time.Now()
	defer func() { p.metrics.ObserveStage(string(StageTombstone), time.Since(start)) }()

	it := &item{
		event: domain.Event{Kind: req.Kind, Raw: req.Raw},
		pid:   req.PID,
	}
	fail := func(err error, undo *saga.Stack) error {
		span.RecordError(err)
		p.compensate(ctx, undo, req.PID)
		report.DeadLettered++
		return p.deadLetter(ctx, it, StageTombstone, err)
	}

	if _, err := domain.ParseKind(string(req.Kind)); err != nil || req.PID == "" {
		return fail(dErrors.Newf(dErrors.CodeValidation, "delete request needs a kind and a pid, got %q %q", req.Kind, req.PID), &saga.Stack{})
	}

	var found map[string]domain.Record
	err := p.retry(ctx, func(ctx context.Context) error {
		var err error
		found, err = p.records.GetByPIDs(ctx, req.Kind, []string{req.PID})
		return err
	})
	if err != nil {
		return fail(err, &saga.Stack{})
	}
	rec, ok := found[req.PID]
	if !ok {
		return fail(dErrors.Newf(dErrors.CodeNotFound, "no %s with pid %s", req.Kind, req.PID), &saga.Stack{})
	}
	if rec.Tombstoned {
		p.logger.InfoContext(ctx, "record already tombstoned", "pid", req.PID)
		return nil
	}
	it.event.Wrapper = rec.Wrapper
	it.event.EnrichmentList = rec.MasIDs

	var undo saga.Stack
	steps := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{"registrar", func(ctx context.Context) error {
			if err := p.registrar.Tombstone(ctx, []fdo.ProfileRequest{p.builder.Tombstone(req.Kind, req.PID)}); err != nil {
				return err
			}
			prev := p.builder.Restore(req.Kind, rec.Wrapper, req.PID)
			undo.Push("registrar.rollback_update", func(ctx context.Context) error {
				return p.registrar.RollbackUpdate(ctx, []fdo.ProfileRequest{prev})
			})
			return nil
		}},
		{"store", func(ctx context.Context) error {
			if err := p.retry(ctx, func(ctx context.Context) error {
				return p.records.Tombstone(ctx, req.Kind, req.PID, p.now().UTC())
			}); err != nil {
				return err
			}
			undo.Push("store.restore_tombstone", func(ctx context.Context) error {
				return p.records.RestoreTombstone(ctx, req.Kind, req.PID)
			})
			return nil
		}},
		{"search", func(ctx context.Context) error {
			if err := p.retry(ctx, func(ctx context.Context) error {
				return p.search.RollbackDocument(ctx, req.Kind, req.PID)
			}); err != nil {
				return err
			}
			undo.Push("search.rollback_version", func(ctx context.Context) error {
				return p.search.RollbackToVersion(ctx, rec)
			})
			return nil
		}},
		{"relationships", func(ctx context.Context) error {
			var active map[string][]domain.EntityRelationship
			if err := p.retry(ctx, func(ctx context.Context) error {
				var err error
				active, err = p.relations.ActiveRelationships(ctx, []string{req.PID})
				return err
			}); err != nil {
				return err
			}
			retired := p.reconciler.TombstoneAll(req.PID, active[req.PID])
			if len(retired) == 0 {
				return nil
			}
			if err := p.retry(ctx, func(ctx context.Context) error {
				return p.relations.AppendRelationships(ctx, retired)
			}); err != nil {
				return err
			}
			ids := make([]string, len(retired))
			for i, rel := range retired {
				ids[i] = rel.ID
			}
			undo.Push("relationships.delete", func(ctx context.Context) error {
				return p.relations.DeleteRelationships(ctx, ids)
			})
			return nil
		}},
		{"publish", func(ctx context.Context) error {
			n := domain.Notification{
				ID:      p.newID(),
				Action:  domain.ActionDelete,
				Kind:    req.Kind,
				PID:     req.PID,
				Version: rec.Version,
				Agent:   p.config.AgentID,
				At:      p.now().UTC(),
			}
			if err := p.publisher.Publish(ctx, n); err != nil {
				return err
			}
			undo.Push("publisher.rollback", func(ctx context.Context) error {
				return p.publisher.Publish(ctx, p.rollbackNotification(n))
			})
			return nil
		}},
	}

	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return fail(fmt.Errorf("tombstone %s: %w", step.name, err), &undo)
		}
	}
	undo.Discard()
	report.Tombstoned++
	p.metrics.ObserveItem(string(req.Kind), "tombstoned")
	return nil
}
