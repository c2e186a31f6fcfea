//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"dsprocessor/internal/domain"
	"dsprocessor/internal/store/postgres"
	dErrors "dsprocessor/pkg/domain-errors"
	"dsprocessor/pkg/testutil/containers"
)

type StoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
}

func TestStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = postgres.New(s.postgres.Pool)
	s.Require().NoError(s.store.Migrate(context.Background()))
}

func (s *StoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "digital_record", "digital_record_version", "entity_relationship")
	s.Require().NoError(err)
}

func record(pid, key string, version int, org string) domain.Record {
	return domain.Record{
		PID:       pid,
		Kind:      domain.KindSpecimen,
		Version:   version,
		MidsLevel: 1,
		Created:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Wrapper: domain.Wrapper{
			NaturalKey:         key,
			Type:               "BotanySpecimen",
			Attributes:         domain.Attributes{"organisationId": org},
			OriginalAttributes: json.RawMessage(`{"dwc:catalogNumber":"1"}`),
		},
		MasIDs: []string{"mas-1"},
	}
}

func (s *StoreSuite) TestVersionedUpsertAndRollback() {
	ctx := context.Background()

	n, err := s.store.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{{Record: record("P1", "X", 1, "ORG1")}})
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	_, err = s.store.UpsertBatch(ctx, domain.KindSpecimen,
		[]domain.VersionedRecord{{Record: record("P1", "X", 2, "ORG2"), PreviousVersion: 1}})
	s.Require().NoError(err)

	got, err := s.store.GetByNaturalKeys(ctx, domain.KindSpecimen, []string{"X"})
	s.Require().NoError(err)
	s.Equal(2, got["X"].Version)
	s.Equal("ORG2", got["X"].Attributes().String("organisationId"))
	s.Equal([]string{"mas-1"}, got["X"].MasIDs)

	s.Require().NoError(s.store.Rollback(ctx, domain.KindSpecimen, "P1", 2))
	got, err = s.store.GetByNaturalKeys(ctx, domain.KindSpecimen, []string{"X"})
	s.Require().NoError(err)
	s.Equal(1, got["X"].Version)
	s.Equal("ORG1", got["X"].Attributes().String("organisationId"))

	s.Require().NoError(s.store.Rollback(ctx, domain.KindSpecimen, "P1", 1))
	got, err = s.store.GetByNaturalKeys(ctx, domain.KindSpecimen, []string{"X"})
	s.Require().NoError(err)
	s.Empty(got)
}

// TestStaleVersionFailsWholeBatch covers optimistic versioning: one stale
// update aborts every record sharing the statement batch.
func (s *StoreSuite) TestStaleVersionFailsWholeBatch() {
	ctx := context.Background()
	_, err := s.store.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{{Record: record("P1", "X", 1, "ORG1")}})
	s.Require().NoError(err)

	_, err = s.store.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{
		{Record: record("P2", "Y", 1, "ORG1")},
		{Record: record("P1", "X", 3, "ORG1"), PreviousVersion: 2},
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	got, err := s.store.GetByPIDs(ctx, domain.KindSpecimen, []string{"P2"})
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *StoreSuite) TestDuplicateNaturalKeyIsConflict() {
	ctx := context.Background()
	_, err := s.store.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{{Record: record("P1", "X", 1, "ORG1")}})
	s.Require().NoError(err)

	_, err = s.store.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{{Record: record("P9", "X", 1, "ORG1")}})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *StoreSuite) TestTombstone() {
	ctx := context.Background()
	_, err := s.store.UpsertBatch(ctx, domain.KindSpecimen, []domain.VersionedRecord{{Record: record("P1", "X", 1, "ORG1")}})
	s.Require().NoError(err)

	s.Require().NoError(s.store.Tombstone(ctx, domain.KindSpecimen, "P1", time.Now()))
	got, err := s.store.GetByPIDs(ctx, domain.KindSpecimen, []string{"P1"})
	s.Require().NoError(err)
	s.True(got["P1"].Tombstoned)
	s.True(dErrors.HasCode(s.store.Tombstone(ctx, domain.KindSpecimen, "P1", time.Now()), dErrors.CodeNotFound))

	s.Require().NoError(s.store.RestoreTombstone(ctx, domain.KindSpecimen, "P1"))
	got, err = s.store.GetByPIDs(ctx, domain.KindSpecimen, []string{"P1"})
	s.Require().NoError(err)
	s.False(got["P1"].Tombstoned)
}

func (s *StoreSuite) TestRelationshipLog() {
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rel := func(related string, tombstoned bool) domain.EntityRelationship {
		return domain.EntityRelationship{
			ID: uuid.NewString(), SourcePID: "S", Type: domain.HasDigitalMedia, RelatedPID: related,
			RelatedURI: domain.ResolvableURI(related), Agent: "agent", EstablishedAt: at, Tombstoned: tombstoned,
		}
	}
	first := []domain.EntityRelationship{rel("M1", false), rel("M2", false)}
	s.Require().NoError(s.store.AppendRelationships(ctx, first))
	retire := rel("M2", true)
	s.Require().NoError(s.store.AppendRelationships(ctx, []domain.EntityRelationship{retire}))

	active, err := s.store.ActiveRelationships(ctx, []string{"S"})
	s.Require().NoError(err)
	s.Require().Len(active["S"], 1)
	s.Equal("M1", active["S"][0].RelatedPID)

	s.Require().NoError(s.store.DeleteRelationships(ctx, []string{retire.ID}))
	active, err = s.store.ActiveRelationships(ctx, []string{"S"})
	s.Require().NoError(err)
	s.Len(active["S"], 2)
}
