package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsprocessor/internal/domain"
	dErrors "dsprocessor/pkg/domain-errors"
	"dsprocessor/pkg/platform/sentinel"
)

func specimen(pid, key string, version int, attrs domain.Attributes) domain.Record {
	return domain.Record{
		PID:     pid,
		Kind:    domain.KindSpecimen,
		Version: version,
		Created: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Wrapper: domain.Wrapper{NaturalKey: key, Type: "BotanySpecimen", Attributes: attrs},
	}
}

func TestUpsertAndRollback(t *testing.T) {
	ctx := context.Background()
	s := New()

	v1 := specimen("P1", "X", 1, domain.Attributes{"organisationId": "ORG1"})
	_, err := s.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{{Record: v1}})
	require.NoError(t, err)

	v2 := specimen("P1", "X", 2, domain.Attributes{"organisationId": "ORG2"})
	n, err := s.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{{Record: v2, PreviousVersion: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []int{1, 2}, s.Versions(domain.KindSpecimen, "P1"))

	require.NoError(t, s.Rollback(ctx, domain.KindSpecimen, "P1", 2))

	got, err := s.GetByNaturalKeys(ctx, domain.KindSpecimen, []string{" X "})
	require.NoError(t, err)
	assert.Equal(t, 1, got["X"].Version)
	assert.Equal(t, "ORG1", got["X"].Attributes().String("organisationId"))
	assert.Equal(t, []int{1}, s.Versions(domain.KindSpecimen, "P1"))

	require.NoError(t, s.Rollback(ctx, domain.KindSpecimen, "P1", 1))
	got, err = s.GetByNaturalKeys(ctx, domain.KindSpecimen, []string{"X"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpsertBatch_IsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{{Record: specimen("P1", "X", 1, nil)}})
	require.NoError(t, err)

	_, err = s.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{
		{Record: specimen("P2", "Y", 1, nil)},
		{Record: specimen("P1", "X", 3, nil), PreviousVersion: 2},
	})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	assert.True(t, errors.Is(err, sentinel.ErrConflict))

	got, err := s.GetByNaturalKeys(ctx, domain.KindSpecimen, []string{"Y"})
	require.NoError(t, err)
	assert.Empty(t, got, "no part of a failed batch is applied")
}

func TestUpsertBatch_RejectsSecondPIDForNaturalKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{{Record: specimen("P1", "X", 1, nil)}})
	require.NoError(t, err)

	_, err = s.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{{Record: specimen("P9", "X", 1, nil)}})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestTombstone(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{{Record: specimen("P1", "X", 1, nil)}})
	require.NoError(t, err)

	require.NoError(t, s.Tombstone(ctx, domain.KindSpecimen, "P1", time.Now()))
	got, _ := s.GetByPIDs(ctx, domain.KindSpecimen, []string{"P1"})
	assert.True(t, got["P1"].Tombstoned)
	assert.True(t, dErrors.HasCode(s.Tombstone(ctx, domain.KindSpecimen, "P1", time.Now()), dErrors.CodeNotFound))

	require.NoError(t, s.RestoreTombstone(ctx, domain.KindSpecimen, "P1"))
	got, _ = s.GetByPIDs(ctx, domain.KindSpecimen, []string{"P1"})
	assert.False(t, got["P1"].Tombstoned)
}

func TestActiveRelationships_LatestRowWins(t *testing.T) {
	ctx := context.Background()
	s := New()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	link := func(id, related string, tombstoned bool) domain.EntityRelationship {
		return domain.EntityRelationship{
			ID: id, SourcePID: "S", Type: domain.HasDigitalMedia, RelatedPID: related,
			Agent: "agent", EstablishedAt: at, Tombstoned: tombstoned,
		}
	}
	require.NoError(t, s.AppendRelationships(ctx, []domain.EntityRelationship{
		link("1", "M2", false), link("2", "M1", false), link("3", "M2", true),
	}))

	active, err := s.ActiveRelationships(ctx, []string{"S"})
	require.NoError(t, err)
	require.Len(t, active["S"], 1)
	assert.Equal(t, "M1", active["S"][0].RelatedPID)

	require.NoError(t, s.DeleteRelationships(ctx, []string{"3"}))
	active, err = s.ActiveRelationships(ctx, []string{"S"})
	require.NoError(t, err)
	require.Len(t, active["S"], 2)
	assert.Equal(t, "M1", active["S"][0].RelatedPID)
	assert.Equal(t, "M2", active["S"][1].RelatedPID)
	assert.Len(t, s.Relationships(), 2)
}

func TestUpdateLastChecked(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{{Record: specimen("P1", "X", 1, nil)}})
	require.NoError(t, err)

	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateLastChecked(ctx, domain.KindSpecimen, []string{"P1", "missing"}, at))
	got, ok := s.LastChecked(domain.KindSpecimen, "P1")
	require.True(t, ok)
	assert.Equal(t, at, got)
}
