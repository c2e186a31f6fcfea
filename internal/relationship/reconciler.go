// Package relationship reconciles the active link set of a record with the
// set it should have.
package relationship

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"dsprocessor/internal/domain"
)

// Reconciler computes the rows to append to the relationship log.
type Reconciler struct {
	agent string
	now   func() time.Time
	newID func() string
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(r *Reconciler) { r.newID = fn }
}

// New creates a reconciler that stamps rows with agent.
func New(agent string, opts ...Option) *Reconciler {
	r := &Reconciler{
		agent: agent,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Desired builds the link sourcePID should hold towards relatedPID.
func Desired(sourcePID string, typ domain.RelationshipType, relatedPID string) domain.EntityRelationship {
	return domain.EntityRelationship{
		SourcePID:  sourcePID,
		Type:       typ,
		RelatedPID: relatedPID,
		RelatedURI: domain.ResolvableURI(relatedPID),
	}
}

// Reconcile diffs old against desired by (type, related PID). Tombstoned rows
// in old are ignored. Links only in desired are returned in toCreate, links
// only in old in toTombstone. Both are new rows stamped with the agent and the
// current time, sorted by key.
func (r *Reconciler) Reconcile(sourcePID string, old, desired []domain.EntityRelationship) (toCreate, toTombstone []domain.EntityRelationship) {
	active := make(map[domain.RelationshipKey]domain.EntityRelationship, len(old))
	for _, rel := range old {
		if rel.Tombstoned {
			delete(active, rel.Key())
			continue
		}
		active[rel.Key()] = rel
	}
	want := make(map[domain.RelationshipKey]domain.EntityRelationship, len(desired))
	for _, rel := range desired {
		want[rel.Key()] = rel
	}

	now := r.now().UTC()
	for key, rel := range want {
		if _, ok := active[key]; ok {
			continue
		}
		toCreate = append(toCreate, r.stamp(sourcePID, rel, now, false))
	}
	for key, rel := range active {
		if _, ok := want[key]; ok {
			continue
		}
		toTombstone = append(toTombstone, r.stamp(sourcePID, rel, now, true))
	}
	sortByKey(toCreate)
	sortByKey(toTombstone)
	return toCreate, toTombstone
}

// TombstoneAll retires every active link in old.
func (r *Reconciler) TombstoneAll(sourcePID string, old []domain.EntityRelationship) []domain.EntityRelationship {
	_, tombstoned := r.Reconcile(sourcePID, old, nil)
	return tombstoned
}

func (r *Reconciler) stamp(sourcePID string, rel domain.EntityRelationship, at time.Time, tombstone bool) domain.EntityRelationship {
	rel.ID = r.newID()
	rel.SourcePID = sourcePID
	rel.Agent = r.agent
	rel.EstablishedAt = at
	rel.Tombstoned = tombstone
	if rel.RelatedURI == "" {
		rel.RelatedURI = domain.ResolvableURI(rel.RelatedPID)
	}
	return rel
}

func sortByKey(rels []domain.EntityRelationship) {
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].Type != rels[j].Type {
			return rels[i].Type < rels[j].Type
		}
		return rels[i].RelatedPID < rels[j].RelatedPID
	})
}
