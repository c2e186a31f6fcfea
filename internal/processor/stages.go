package processor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"dsprocessor/internal/classify"
	"dsprocessor/internal/domain"
	"dsprocessor/internal/fdo"
	"dsprocessor/internal/mids"
	"dsprocessor/internal/relationship"
	dErrors "dsprocessor/pkg/domain-errors"
	strs "dsprocessor/pkg/platform/strings"
)

var kinds = []domain.Kind{domain.KindSpecimen, domain.KindMedia}

// eachKind runs fn concurrently for the live items of every kind and waits
// for all of them.
func (p *Processor) eachKind(ctx context.Context, r *round, fn func(ctx context.Context, kind domain.Kind, items []*item)) {
	var g errgroup.Group
	for _, kind := range kinds {
		items := r.live(kind)
		if len(items) == 0 {
			continue
		}
		g.Go(func() error {
			fn(ctx, kind, items)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Processor) validate(r *round) {
	for _, env := range r.envelopes {
		for _, it := range env.items {
			if _, err := domain.ParseKind(string(it.kind())); err != nil {
				r.fail(dErrors.Wrap(err, dErrors.CodeValidation, "invalid event"), it)
				break
			}
			if it.key() == "" {
				r.fail(dErrors.Newf(dErrors.CodeValidation, "%s event without natural key", it.kind()), it)
				break
			}
		}
	}
}

func (p *Processor) classify(ctx context.Context, r *round) {
	p.eachKind(ctx, r, func(ctx context.Context, kind domain.Kind, items []*item) {
		keys := make([]string, len(items))
		events := make([]domain.Event, len(items))
		for i, it := range items {
			keys[i] = it.key()
			events[i] = it.event
		}

		var current map[string]domain.Record
		err := p.retry(ctx, func(ctx context.Context) error {
			var err error
			current, err = p.records.GetByNaturalKeys(ctx, kind, keys)
			return err
		})
		if err != nil {
			r.fail(err, items...)
			return
		}

		res, err := classify.Classify(events, current)
		if err != nil {
			r.fail(err, items...)
			return
		}
		for _, n := range res.New {
			items[n.Index].status = statusNew
		}
		for _, u := range res.Unchanged {
			it := items[u.Index]
			it.status, it.current, it.pid = statusUnchanged, u.Current, u.Current.PID
		}
		for _, c := range res.Changed {
			it := items[c.Index]
			it.status, it.current, it.pid = statusChanged, c.Current, c.Current.PID
			it.patch, it.keyChanged = c.Patch, c.KeyChanged
		}
		for _, it := range items {
			if it.status != statusNew && it.current.Tombstoned {
				r.fail(dErrors.Newf(dErrors.CodeConflict, "record %s is tombstoned", it.current.PID), it)
			}
		}
	})
}

func (p *Processor) assignPIDs(ctx context.Context, r *round) {
	p.eachKind(ctx, r, func(ctx context.Context, kind domain.Kind, items []*item) {
		var fresh, updates []*item
		for _, it := range items {
			switch {
			case it.status == statusNew:
				fresh = append(fresh, it)
			case it.status == statusChanged &&
				(it.keyChanged || p.builder.NeedsProfileUpdate(kind, it.current.Wrapper, it.event.Wrapper)):
				updates = append(updates, it)
			}
		}
		p.mint(ctx, r, kind, fresh)
		p.updateProfiles(ctx, r, kind, updates)
	})
}

// mint assigns PIDs to new items. PIDs minted by an earlier, interrupted
// attempt are resolved and reused instead of minting again.
func (p *Processor) mint(ctx context.Context, r *round, kind domain.Kind, fresh []*item) {
	if len(fresh) == 0 {
		return
	}
	reqs := make(map[*item]fdo.ProfileRequest, len(fresh))
	var valid []*item
	for _, it := range fresh {
		req, err := p.builder.Build(kind, it.event.Wrapper)
		if err != nil {
			r.fail(err, it)
			continue
		}
		reqs[it] = req
		valid = append(valid, it)
	}
	if len(valid) == 0 {
		return
	}

	keys := make([]string, len(valid))
	for i, it := range valid {
		keys[i] = it.key()
	}
	resolved, err := p.registrar.Resolve(ctx, keys)
	if err != nil {
		p.failRegistrar(r, err, valid...)
		return
	}

	var (
		toCreate   []*item
		createReqs []fdo.ProfileRequest
	)
	for _, it := range valid {
		if pid := resolved[it.key()]; pid != "" {
			it.pid, it.reused = pid, true
			p.logger.InfoContext(ctx, "reusing pid from earlier attempt", "natural_key", it.key(), "pid", pid)
			continue
		}
		toCreate = append(toCreate, it)
		createReqs = append(createReqs, reqs[it])
	}
	if len(toCreate) == 0 {
		return
	}

	minted, err := p.registrar.Create(ctx, createReqs)
	if err != nil {
		p.failRegistrar(r, err, toCreate...)
		return
	}
	byEnvelope := map[*envelope][]string{}
	var missing []*item
	for _, it := range toCreate {
		pid := minted[it.key()]
		if pid == "" {
			missing = append(missing, it)
			continue
		}
		it.pid = pid
		byEnvelope[it.env] = append(byEnvelope[it.env], pid)
	}
	for env, pids := range byEnvelope {
		env.undo.Push("registrar.rollback_create", func(ctx context.Context) error {
			return p.registrar.RollbackCreate(ctx, pids)
		})
	}
	for _, it := range missing {
		r.fail(dErrors.Newf(dErrors.CodeRegistrarProtocol, "registrar returned no pid for %s", it.key()), it)
	}
}

// registerSecondaryIDs registers a DOI for every specimen PID minted in
// envs. It runs once the envelopes are done, so a DOI never outlives a
// rolled back PID. Failures are logged only.
func (p *Processor) registerSecondaryIDs(ctx context.Context, envs []*envelope) {
	if !p.config.RegisterSecondaryID {
		return
	}
	var pids []string
	for _, env := range envs {
		for _, it := range env.items {
			if it.kind() == domain.KindSpecimen && it.status == statusNew && it.pid != "" {
				pids = append(pids, it.pid)
			}
		}
	}
	if len(pids) == 0 {
		return
	}
	if err := p.registrar.RegisterSecondaryID(ctx, pids); err != nil {
		p.logger.WarnContext(ctx, "secondary id registration failed", "pids", len(pids), "error", err)
	}
}

// updateProfiles pushes changed registrar fields. The previous profile is
// kept so the update can be reverted.
func (p *Processor) updateProfiles(ctx context.Context, r *round, kind domain.Kind, updates []*item) {
	var (
		reqs    []fdo.ProfileRequest
		covered []*item
	)
	for _, it := range updates {
		req, err := p.builder.Build(kind, it.event.Wrapper)
		if err != nil {
			r.fail(err, it)
			continue
		}
		reqs = append(reqs, req.WithPID(it.pid))
		covered = append(covered, it)
	}
	if len(reqs) == 0 {
		return
	}
	if err := p.registrar.Update(ctx, reqs); err != nil {
		p.failRegistrar(r, err, covered...)
		return
	}
	for _, it := range covered {
		prev := p.builder.Snapshot(kind, it.current.Wrapper, it.pid)
		it.env.undo.Push("registrar.rollback_update", func(ctx context.Context) error {
			return p.registrar.RollbackUpdate(ctx, []fdo.ProfileRequest{prev})
		})
	}
}

// failRegistrar fails the covered items, or every live envelope when the
// registrar refused our credentials.
func (p *Processor) failRegistrar(r *round, err error, covered ...*item) {
	if dErrors.HasCode(err, dErrors.CodeRegistrarAuthFailed) {
		r.failAll(err)
		return
	}
	r.fail(err, covered...)
}

func (p *Processor) buildRecords(ctx context.Context, r *round) {
	now := p.now().UTC()
	for _, it := range r.live("") {
		if !it.writes() {
			continue
		}
		if it.pid == "" {
			r.fail(dErrors.Newf(dErrors.CodeInternal, "no pid assigned to %s", it.key()), it)
			continue
		}
		version, created := 1, now
		if it.status == statusChanged {
			version, created = it.current.Version+1, it.current.Created
		}
		rec := domain.Record{
			PID:              it.pid,
			Kind:             it.kind(),
			Version:          version,
			Created:          created,
			Wrapper:          it.event.Wrapper,
			MasIDs:           strs.DedupeAndTrim(it.event.EnrichmentList),
			ForceMasSchedule: it.event.ForceMasSchedule,
		}
		if it.kind() == domain.KindSpecimen {
			rec.MidsLevel = mids.Level(rec.Wrapper.Attributes)
			if missing := mids.Missing(rec.Wrapper.Attributes, rec.MidsLevel+1); len(missing) > 0 {
				p.logger.DebugContext(ctx, "mids level capped",
					"natural_key", it.key(), "mids_level", rec.MidsLevel, "missing", missing)
			}
		}
		it.record = rec
	}
}

func (p *Processor) persist(ctx context.Context, r *round) {
	p.eachKind(ctx, r, func(ctx context.Context, kind domain.Kind, items []*item) {
		var (
			writes    []*item
			versioned []domain.VersionedRecord
			unchanged []string
		)
		for _, it := range items {
			switch {
			case it.writes():
				writes = append(writes, it)
				versioned = append(versioned, domain.VersionedRecord{Record: it.record, PreviousVersion: it.current.Version})
			case it.status == statusUnchanged:
				unchanged = append(unchanged, it.pid)
			}
		}

		if len(versioned) > 0 {
			err := p.retry(ctx, func(ctx context.Context) error {
				_, err := p.records.UpsertBatch(ctx, kind, versioned)
				return err
			})
			if err != nil {
				r.fail(dErrors.Wrap(err, dErrors.CodePartialBatch,
					fmt.Sprintf("bulk upsert of %d %s records", len(versioned), kind)), writes...)
			} else {
				for _, it := range writes {
					pid, version := it.pid, it.record.Version
					it.env.undo.Push("store.rollback", func(ctx context.Context) error {
						return p.records.Rollback(ctx, kind, pid, version)
					})
				}
			}
		}

		if len(unchanged) > 0 {
			if err := p.records.UpdateLastChecked(ctx, kind, unchanged, p.now().UTC()); err != nil {
				p.logger.WarnContext(ctx, "update last checked failed", "kind", kind, "records", len(unchanged), "error", err)
			}
		}
	})
}

func (p *Processor) index(ctx context.Context, r *round) {
	p.eachKind(ctx, r, func(ctx context.Context, kind domain.Kind, items []*item) {
		var (
			writes  []*item
			records []domain.Record
		)
		for _, it := range items {
			if it.writes() {
				writes = append(writes, it)
				records = append(records, it.record)
			}
		}
		if len(records) == 0 {
			return
		}

		var res domain.BulkResult
		err := p.retry(ctx, func(ctx context.Context) error {
			var err error
			res, err = p.search.IndexBatch(ctx, kind, records)
			return err
		})

		// A failed call may still have written documents, so every item gets
		// its compensation.
		for _, it := range writes {
			if it.status == statusNew {
				pid := it.pid
				it.env.undo.Push("search.rollback_document", func(ctx context.Context) error {
					return p.search.RollbackDocument(ctx, kind, pid)
				})
				continue
			}
			prev := it.current
			it.env.undo.Push("search.rollback_version", func(ctx context.Context) error {
				return p.search.RollbackToVersion(ctx, prev)
			})
		}

		if err != nil {
			r.fail(err, writes...)
			return
		}
		for _, it := range writes {
			if ferr, rejected := res.Failed[it.pid]; rejected {
				r.fail(ferr, it)
			}
		}
	})
}

type linkSet struct {
	it   *item
	want []domain.EntityRelationship
}

// reconcileRelationships brings specimen to media links in line with the
// envelopes. A media item whose specimen cannot be found keeps its links
// untouched.
func (p *Processor) reconcileRelationships(ctx context.Context, r *round) {
	items := r.live("")
	specimenPIDs := map[string]string{}
	for _, it := range items {
		if it.kind() == domain.KindSpecimen {
			specimenPIDs[it.key()] = it.pid
		}
	}

	var unresolved []string
	var linkedMedia []*item
	for _, it := range items {
		if it.kind() != domain.KindMedia || domain.NormalizeKey(it.event.SpecimenKey) == "" {
			continue
		}
		key := domain.NormalizeKey(it.event.SpecimenKey)
		if _, ok := specimenPIDs[key]; !ok {
			unresolved = append(unresolved, key)
		}
		linkedMedia = append(linkedMedia, it)
	}
	if len(unresolved) > 0 {
		var stored map[string]domain.Record
		err := p.retry(ctx, func(ctx context.Context) error {
			var err error
			stored, err = p.records.GetByNaturalKeys(ctx, domain.KindSpecimen, unresolved)
			return err
		})
		if err != nil {
			r.fail(err, linkedMedia...)
			return
		}
		for key, rec := range stored {
			if !rec.Tombstoned {
				specimenPIDs[key] = rec.PID
			}
		}
	}

	var sets []linkSet
	for _, it := range items {
		switch {
		case it.kind() == domain.KindSpecimen && it.event.HasMediaSet():
			want := []domain.EntityRelationship{}
			for _, m := range it.env.media() {
				want = append(want, relationship.Desired(it.pid, domain.HasDigitalMedia, m.pid))
			}
			sets = append(sets, linkSet{it: it, want: want})
		case it.kind() == domain.KindMedia && it.event.SpecimenKey != "":
			specimenPID, ok := specimenPIDs[domain.NormalizeKey(it.event.SpecimenKey)]
			if !ok {
				p.logger.InfoContext(ctx, "media specimen not found, leaving links unchanged",
					"natural_key", it.key(), "specimen_key", it.event.SpecimenKey)
				continue
			}
			sets = append(sets, linkSet{it: it, want: []domain.EntityRelationship{
				relationship.Desired(it.pid, domain.HasDigitalSpecimen, specimenPID),
			}})
		}
	}
	if len(sets) == 0 {
		return
	}

	sources := make([]string, len(sets))
	covered := make([]*item, len(sets))
	for i, s := range sets {
		sources[i] = s.it.pid
		covered[i] = s.it
	}
	var active map[string][]domain.EntityRelationship
	err := p.retry(ctx, func(ctx context.Context) error {
		var err error
		active, err = p.relations.ActiveRelationships(ctx, sources)
		return err
	})
	if err != nil {
		r.fail(err, covered...)
		return
	}

	var (
		rows    []domain.EntityRelationship
		owners  []*item
		byOwner = map[*envelope][]string{}
		dropped []droppedMedia
	)
	inBatch := make(map[string]bool, len(sources))
	for _, pid := range sources {
		inBatch[pid] = true
	}
	for _, s := range sets {
		create, retire := p.reconciler.Reconcile(s.it.pid, active[s.it.pid], s.want)
		for _, rel := range append(create, retire...) {
			rows = append(rows, rel)
			byOwner[s.it.env] = append(byOwner[s.it.env], rel.ID)
		}
		if len(create)+len(retire) > 0 {
			owners = append(owners, s.it)
		}
		for _, rel := range retire {
			if rel.Type == domain.HasDigitalMedia && !inBatch[rel.RelatedPID] {
				dropped = append(dropped, droppedMedia{mediaPID: rel.RelatedPID, specimen: s.it})
			}
		}
	}

	backLinks, err := p.retireBackLinks(ctx, dropped)
	if err != nil {
		r.fail(err, covered...)
		return
	}
	for i, d := range dropped {
		for _, rel := range backLinks[i] {
			rows = append(rows, rel)
			byOwner[d.specimen.env] = append(byOwner[d.specimen.env], rel.ID)
		}
		if len(backLinks[i]) > 0 {
			owners = append(owners, d.specimen)
		}
	}
	if len(rows) == 0 {
		return
	}

	err = p.retry(ctx, func(ctx context.Context) error {
		return p.relations.AppendRelationships(ctx, rows)
	})
	if err != nil {
		r.fail(dErrors.Wrap(err, dErrors.CodePartialBatch,
			fmt.Sprintf("append of %d relationship rows", len(rows))), owners...)
		return
	}
	for env, ids := range byOwner {
		env.undo.Push("relationships.delete", func(ctx context.Context) error {
			return p.relations.DeleteRelationships(ctx, ids)
		})
	}
}

// droppedMedia is a media record a specimen no longer lists.
type droppedMedia struct {
	mediaPID string
	specimen *item
}

// retireBackLinks tombstones the hasDigitalSpecimen link each dropped media
// record still holds towards the specimen that dropped it. Links towards
// other specimens are left alone. The result is aligned with dropped.
func (p *Processor) retireBackLinks(ctx context.Context, dropped []droppedMedia) ([][]domain.EntityRelationship, error) {
	if len(dropped) == 0 {
		return nil, nil
	}
	pids := make([]string, 0, len(dropped))
	for _, d := range dropped {
		pids = append(pids, d.mediaPID)
	}
	var active map[string][]domain.EntityRelationship
	err := p.retry(ctx, func(ctx context.Context) error {
		var err error
		active, err = p.relations.ActiveRelationships(ctx, pids)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([][]domain.EntityRelationship, len(dropped))
	for i, d := range dropped {
		var stale []domain.EntityRelationship
		for _, rel := range active[d.mediaPID] {
			if rel.Type == domain.HasDigitalSpecimen && rel.RelatedPID == d.specimen.pid {
				stale = append(stale, rel)
			}
		}
		out[i] = p.reconciler.TombstoneAll(d.mediaPID, stale)
	}
	return out, nil
}

func (p *Processor) publish(ctx context.Context, r *round) {
	var g errgroup.Group
	g.SetLimit(p.config.Concurrency)
	for _, it := range r.live("") {
		if !it.writes() {
			continue
		}
		n := p.notification(it)
		g.Go(func() error {
			if err := p.publisher.Publish(ctx, n); err != nil {
				r.fail(err, it)
				return nil
			}
			it.env.undo.Push("publisher.rollback", func(ctx context.Context) error {
				return p.publisher.Publish(ctx, p.rollbackNotification(n))
			})
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Processor) notification(it *item) domain.Notification {
	rec := it.record
	n := domain.Notification{
		ID:      p.newID(),
		Action:  domain.ActionCreate,
		Kind:    it.kind(),
		PID:     it.pid,
		Version: rec.Version,
		Agent:   p.config.AgentID,
		At:      p.now().UTC(),
		Record:  &rec,
	}
	if it.status == statusChanged {
		n.Action = domain.ActionUpdate
		n.Patch = it.patch
	}
	return n
}

func (p *Processor) rollbackNotification(n domain.Notification) domain.Notification {
	return domain.Notification{
		ID:      p.newID(),
		Action:  domain.ActionRollback,
		Kind:    n.Kind,
		PID:     n.PID,
		Version: n.Version,
		Agent:   p.config.AgentID,
		At:      p.now().UTC(),
		Reverts: n.ID,
	}
}

// scheduleAnnotations requests every enrichment of new and changed records.
// Unchanged records are only scheduled when the event forces it.
func (p *Processor) scheduleAnnotations(ctx context.Context, r *round) {
	var g errgroup.Group
	g.SetLimit(p.config.Concurrency)
	for _, it := range r.live("") {
		var masIDs []string
		switch {
		case it.writes():
			masIDs = it.record.MasIDs
		case it.status == statusUnchanged && it.event.ForceMasSchedule:
			masIDs = strs.DedupeAndTrim(it.event.EnrichmentList)
		}
		if len(masIDs) == 0 {
			continue
		}
		reqs := make([]domain.AnnotationRequest, len(masIDs))
		for i, masID := range masIDs {
			reqs[i] = domain.AnnotationRequest{
				ID:         p.newID(),
				MasID:      masID,
				TargetPID:  it.pid,
				TargetKind: it.kind(),
				Agent:      p.config.AgentID,
				Batching:   p.config.AnnotationBatching,
				At:         p.now().UTC(),
			}
		}
		g.Go(func() error {
			for _, req := range reqs {
				if err := p.publisher.ScheduleAnnotation(ctx, req); err != nil {
					r.fail(err, it)
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}
