// Package postgres is the relational store for versioned specimen and media
// records and their relationship log.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dsprocessor/internal/domain"
	dErrors "dsprocessor/pkg/domain-errors"
	"dsprocessor/pkg/platform/sentinel"
)

//go:embed schema.sql
var schema string

// Store persists records in PostgreSQL. Every upsert also writes the full
// record into digital_record_version so a version can be rolled back.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const recordColumns = `id, kind, raw_key, version, type, midslevel, created, tombstoned_at,
	data, original_data, mas_ids, force_mas_schedule`

// GetByNaturalKeys returns the stored records for keys, keyed by normalized
// natural key. Tombstoned records are included and flagged.
func (s *Store) GetByNaturalKeys(ctx context.Context, kind domain.Kind, keys []string) (map[string]domain.Record, error) {
	if len(keys) == 0 {
		return map[string]domain.Record{}, nil
	}
	normalized := make([]string, len(keys))
	for i, k := range keys {
		normalized[i] = domain.NormalizeKey(k)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM digital_record WHERE kind = $1 AND natural_key = ANY($2)`,
		string(kind), normalized)
	if err != nil {
		return nil, translate(err, "get records by natural key")
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, translate(err, "get records by natural key")
	}
	out := make(map[string]domain.Record, len(recs))
	for _, r := range recs {
		out[r.NaturalKey()] = r
	}
	return out, nil
}

// GetByPIDs returns the stored records for pids, keyed by PID.
func (s *Store) GetByPIDs(ctx context.Context, kind domain.Kind, pids []string) (map[string]domain.Record, error) {
	if len(pids) == 0 {
		return map[string]domain.Record{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM digital_record WHERE kind = $1 AND id = ANY($2)`,
		string(kind), pids)
	if err != nil {
		return nil, translate(err, "get records by pid")
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, translate(err, "get records by pid")
	}
	out := make(map[string]domain.Record, len(recs))
	for _, r := range recs {
		out[r.PID] = r
	}
	return out, nil
}

// UpsertBatch writes every record in one transaction. New records
// (PreviousVersion 0) are inserted; existing ones are updated only while the
// stored version still equals PreviousVersion. Any failure aborts the whole
// batch.
func (s *Store) UpsertBatch(ctx context.Context, kind domain.Kind, records []domain.VersionedRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, translate(err, "begin upsert")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, vr := range records {
		r := vr.Record
		data, err := json.Marshal(attributesOrEmpty(r.Wrapper.Attributes))
		if err != nil {
			return 0, dErrors.Wrap(err, dErrors.CodeInternal, "encode attributes of "+r.PID)
		}
		snapshot, err := json.Marshal(r)
		if err != nil {
			return 0, dErrors.Wrap(err, dErrors.CodeInternal, "encode record "+r.PID)
		}
		if vr.PreviousVersion == 0 {
			batch.Queue(`
				INSERT INTO digital_record (id, kind, natural_key, raw_key, version, type, midslevel, created,
					last_checked, data, original_data, mas_ids, force_mas_schedule)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				r.PID, string(kind), r.NaturalKey(), r.Wrapper.NaturalKey, r.Version, r.Wrapper.Type,
				r.MidsLevel, r.Created, now, data, nullJSON(r.Wrapper.OriginalAttributes), masIDs(r.MasIDs),
				r.ForceMasSchedule)
		} else {
			batch.Queue(`
				UPDATE digital_record
				SET natural_key = $3, raw_key = $4, version = $5, type = $6, midslevel = $7, last_checked = $8,
					data = $9, original_data = $10, mas_ids = $11, force_mas_schedule = $12
				WHERE id = $1 AND kind = $2 AND version = $13 AND tombstoned_at IS NULL`,
				r.PID, string(kind), r.NaturalKey(), r.Wrapper.NaturalKey, r.Version, r.Wrapper.Type,
				r.MidsLevel, now, data, nullJSON(r.Wrapper.OriginalAttributes), masIDs(r.MasIDs),
				r.ForceMasSchedule, vr.PreviousVersion)
		}
		batch.Queue(`INSERT INTO digital_record_version (id, version, record) VALUES ($1, $2, $3)`,
			r.PID, r.Version, snapshot)
	}

	results := tx.SendBatch(ctx, batch)
	var affected int64
	for _, vr := range records {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, translate(err, "upsert "+vr.Record.PID)
		}
		if tag.RowsAffected() == 0 {
			_ = results.Close()
			return 0, dErrors.Wrap(sentinel.ErrConflict, dErrors.CodeConflict,
				fmt.Sprintf("record %s is no longer at version %d", vr.Record.PID, vr.PreviousVersion))
		}
		affected += tag.RowsAffected()
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return 0, translate(err, "store version of "+vr.Record.PID)
		}
	}
	if err := results.Close(); err != nil {
		return 0, translate(err, "upsert batch")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, translate(err, "commit upsert")
	}
	return affected, nil
}

// Rollback removes version of pid. The record row is restored to the
// previous version, or deleted when version was the first one. Older
// versions are never touched.
func (s *Store) Rollback(ctx context.Context, kind domain.Kind, pid string, version int) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM digital_record_version WHERE id = $1 AND version = $2`, pid, version); err != nil {
			return translate(err, "delete version of "+pid)
		}
		if version <= 1 {
			_, err := tx.Exec(ctx,
				`DELETE FROM digital_record WHERE id = $1 AND kind = $2 AND version = $3`, pid, string(kind), version)
			return translate(err, "delete record "+pid)
		}

		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT record FROM digital_record_version WHERE id = $1 AND version = $2`, pid, version-1).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound,
				fmt.Sprintf("version %d of %s", version-1, pid))
		}
		if err != nil {
			return translate(err, "load previous version of "+pid)
		}
		var prev domain.Record
		if err := json.Unmarshal(raw, &prev); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "decode previous version of "+pid)
		}
		data, err := json.Marshal(attributesOrEmpty(prev.Wrapper.Attributes))
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "encode attributes of "+pid)
		}
		_, err = tx.Exec(ctx, `
			UPDATE digital_record
			SET natural_key = $3, raw_key = $4, version = $5, type = $6, midslevel = $7, data = $8,
				original_data = $9, mas_ids = $10, force_mas_schedule = $11
			WHERE id = $1 AND kind = $2 AND version = $12`,
			pid, string(kind), prev.NaturalKey(), prev.Wrapper.NaturalKey, prev.Version, prev.Wrapper.Type,
			prev.MidsLevel, data, nullJSON(prev.Wrapper.OriginalAttributes), masIDs(prev.MasIDs),
			prev.ForceMasSchedule, version)
		return translate(err, "restore "+pid)
	})
}

// UpdateLastChecked stamps records that were seen again without changes.
func (s *Store) UpdateLastChecked(ctx context.Context, kind domain.Kind, pids []string, at time.Time) error {
	if len(pids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE digital_record SET last_checked = $3 WHERE kind = $1 AND id = ANY($2)`, string(kind), pids, at)
	return translate(err, "update last checked")
}

// Tombstone retires pid. The row and all versions are kept.
func (s *Store) Tombstone(ctx context.Context, kind domain.Kind, pid string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE digital_record SET tombstoned_at = $3 WHERE id = $1 AND kind = $2 AND tombstoned_at IS NULL`,
		pid, string(kind), at)
	if err != nil {
		return translate(err, "tombstone "+pid)
	}
	if tag.RowsAffected() == 0 {
		return dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound, "active record "+pid)
	}
	return nil
}

// RestoreTombstone reverses Tombstone.
func (s *Store) RestoreTombstone(ctx context.Context, kind domain.Kind, pid string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE digital_record SET tombstoned_at = NULL WHERE id = $1 AND kind = $2`, pid, string(kind))
	return translate(err, "restore tombstone of "+pid)
}

// ActiveRelationships returns, per source PID, the latest row of every link
// that is not tombstoned.
func (s *Store) ActiveRelationships(ctx context.Context, sourcePIDs []string) (map[string][]domain.EntityRelationship, error) {
	out := make(map[string][]domain.EntityRelationship, len(sourcePIDs))
	if len(sourcePIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, relationship_type, related_id, related_uri, agent, established_at, tombstoned
		FROM (
			SELECT DISTINCT ON (source_id, relationship_type, related_id) *
			FROM entity_relationship
			WHERE source_id = ANY($1)
			ORDER BY source_id, relationship_type, related_id, seq DESC
		) latest
		WHERE NOT tombstoned
		ORDER BY source_id, relationship_type, related_id`, sourcePIDs)
	if err != nil {
		return nil, translate(err, "load relationships")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rel domain.EntityRelationship
			typ string
		)
		if err := rows.Scan(&rel.ID, &rel.SourcePID, &typ, &rel.RelatedPID, &rel.RelatedURI, &rel.Agent,
			&rel.EstablishedAt, &rel.Tombstoned); err != nil {
			return nil, translate(err, "scan relationship")
		}
		rel.Type = domain.RelationshipType(typ)
		out[rel.SourcePID] = append(out[rel.SourcePID], rel)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "load relationships")
	}
	return out, nil
}

// AppendRelationships appends rows to the relationship log with COPY.
func (s *Store) AppendRelationships(ctx context.Context, rels []domain.EntityRelationship) error {
	if len(rels) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"entity_relationship"},
		[]string{"id", "source_id", "relationship_type", "related_id", "related_uri", "agent", "established_at", "tombstoned"},
		pgx.CopyFromSlice(len(rels), func(i int) ([]any, error) {
			r := rels[i]
			return []any{r.ID, r.SourcePID, string(r.Type), r.RelatedPID, r.RelatedURI, r.Agent, r.EstablishedAt, r.Tombstoned}, nil
		}))
	return translate(err, "append relationships")
}

// DeleteRelationships removes rows appended by an unwound batch.
func (s *Store) DeleteRelationships(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM entity_relationship WHERE id = ANY($1::uuid[])`, ids)
	return translate(err, "delete relationships")
}

func collectRecords(rows pgx.Rows) ([]domain.Record, error) {
	defer rows.Close()
	var out []domain.Record
	for rows.Next() {
		var (
			r            domain.Record
			kind         string
			tombstonedAt *time.Time
			data         []byte
			original     []byte
			midsLevel    int16
		)
		if err := rows.Scan(&r.PID, &kind, &r.Wrapper.NaturalKey, &r.Version, &r.Wrapper.Type, &midsLevel,
			&r.Created, &tombstonedAt, &data, &original, &r.MasIDs, &r.ForceMasSchedule); err != nil {
			return nil, err
		}
		r.Kind = domain.Kind(kind)
		r.MidsLevel = int(midsLevel)
		r.Tombstoned = tombstonedAt != nil
		r.Created = r.Created.UTC()
		if err := json.Unmarshal(data, &r.Wrapper.Attributes); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decode attributes of "+r.PID)
		}
		if len(original) > 0 {
			r.Wrapper.OriginalAttributes = json.RawMessage(original)
		}
		if len(r.MasIDs) == 0 {
			r.MasIDs = nil
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func attributesOrEmpty(a domain.Attributes) domain.Attributes {
	if a == nil {
		return domain.Attributes{}
	}
	return a
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func masIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// translate maps driver errors onto the coded taxonomy: unique violations
// are conflicts, connection and serialization failures are transient.
func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	var coded *dErrors.Error
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return dErrors.Wrap(fmt.Errorf("%w: %s", sentinel.ErrConflict, pgErr.Detail), dErrors.CodeConflict, op)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01",
			strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"):
			return dErrors.Wrap(err, dErrors.CodeTransient, op)
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, op)
	}
	// Anything else came from the connection rather than the server.
	return dErrors.Wrap(fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err), dErrors.CodeTransient, op)
}
