package processor

import (
	"context"
	"time"

	"dsprocessor/internal/domain"
	"dsprocessor/internal/fdo"
)

// RecordStore is the relational store of versioned records.
type RecordStore interface {
	GetByNaturalKeys(ctx context.Context, kind domain.Kind, keys []string) (map[string]domain.Record, error)
	GetByPIDs(ctx context.Context, kind domain.Kind, pids []string) (map[string]domain.Record, error)
	UpsertBatch(ctx context.Context, kind domain.Kind, records []domain.VersionedRecord) (int64, error)
	Rollback(ctx context.Context, kind domain.Kind, pid string, version int) error
	UpdateLastChecked(ctx context.Context, kind domain.Kind, pids []string, at time.Time) error
	Tombstone(ctx context.Context, kind domain.Kind, pid string, at time.Time) error
	RestoreTombstone(ctx context.Context, kind domain.Kind, pid string) error
}

// RelationshipStore is the append-only relationship log.
type RelationshipStore interface {
	ActiveRelationships(ctx context.Context, sourcePIDs []string) (map[string][]domain.EntityRelationship, error)
	AppendRelationships(ctx context.Context, rels []domain.EntityRelationship) error
	DeleteRelationships(ctx context.Context, ids []string) error
}

// SearchIndex is the query-side copy of records.
type SearchIndex interface {
	IndexBatch(ctx context.Context, kind domain.Kind, records []domain.Record) (domain.BulkResult, error)
	RollbackDocument(ctx context.Context, kind domain.Kind, pid string) error
	RollbackToVersion(ctx context.Context, prev domain.Record) error
}

// Registrar mints and maintains PIDs.
type Registrar interface {
	Create(ctx context.Context, reqs []fdo.ProfileRequest) (map[string]string, error)
	Update(ctx context.Context, reqs []fdo.ProfileRequest) error
	Resolve(ctx context.Context, naturalKeys []string) (map[string]string, error)
	RollbackCreate(ctx context.Context, pids []string) error
	RollbackUpdate(ctx context.Context, previous []fdo.ProfileRequest) error
	Tombstone(ctx context.Context, reqs []fdo.ProfileRequest) error
	RegisterSecondaryID(ctx context.Context, pids []string) error
}

// Publisher announces changes and schedules annotations downstream.
type Publisher interface {
	Publish(ctx context.Context, n domain.Notification) error
	ScheduleAnnotation(ctx context.Context, r domain.AnnotationRequest) error
}

// DeadLetterSink stores events that could not be processed.
type DeadLetterSink interface {
	Send(ctx context.Context, dl domain.DeadLetter) error
}
