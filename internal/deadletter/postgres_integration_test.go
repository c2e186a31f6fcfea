//go:build integration

package deadletter_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/suite"

	"dsprocessor/internal/deadletter"
	"dsprocessor/internal/domain"
	txcontext "dsprocessor/pkg/platform/tx"
	"dsprocessor/pkg/testutil/containers"
)

type PostgresSinkSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	sink     *deadletter.PostgresSink
}

func TestPostgresSinkSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresSinkSuite))
}

func (s *PostgresSinkSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.sink = deadletter.NewPostgresSink(s.postgres.DB)
	s.Require().NoError(s.sink.EnsureSchema(context.Background()))
}

func (s *PostgresSinkSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "dead_letter"))
}

func (s *PostgresSinkSuite) TestSendIsIdempotentByID() {
	ctx := context.Background()
	dl := domain.DeadLetter{
		ID:         "6f1c4e7e-3c55-4d84-9a3f-0f1d2b6c9b21",
		Kind:       domain.KindMedia,
		NaturalKey: "https://media.example.org/1.jpg",
		Stage:      "PERSIST_RELATIONAL",
		Code:       "partial_batch",
		Reason:     "bulk upsert failed",
		MasIDs:     []string{"mas-1", "mas-2"},
		Payload:    json.RawMessage(`{"accessURI":"https://media.example.org/1.jpg"}`),
		At:         time.Now().UTC(),
	}
	s.Require().NoError(s.sink.Send(ctx, dl))
	s.Require().NoError(s.sink.Send(ctx, dl))

	var (
		count  int
		masIDs []string
		code   string
	)
	row := s.postgres.DB.QueryRowContext(ctx, `SELECT count(*) OVER (), mas_ids, code FROM dead_letter`)
	s.Require().NoError(row.Scan(&count, pq.Array(&masIDs), &code))
	s.Equal(1, count)
	s.Equal([]string{"mas-1", "mas-2"}, masIDs)
	s.Equal("partial_batch", code)
}

func (s *PostgresSinkSuite) TestSendUndecodablePayload() {
	dl := domain.DeadLetter{
		ID:      "9d7c86a2-1f0b-4a57-8a3c-7e2f1c0d4b55",
		Kind:    domain.KindSpecimen,
		Stage:   "DECODE",
		Code:    "validation",
		Reason:  "invalid json",
		Payload: json.RawMessage(`{not json`),
		At:      time.Now().UTC(),
	}
	s.Require().NoError(s.sink.Send(context.Background(), dl))
}

func (s *PostgresSinkSuite) TestSendJoinsCallerTransaction() {
	ctx := context.Background()
	dl := domain.DeadLetter{
		ID:     "0b0d7c5e-7d1a-4c2b-9e3f-5a6b7c8d9e0f",
		Kind:   domain.KindSpecimen,
		Stage:  "TOMBSTONE",
		Code:   "not_found",
		Reason: "no digital_specimen with pid 20.5000.1025/X",
		At:     time.Now().UTC(),
	}

	errAbort := errors.New("abort")
	err := txcontext.Run(ctx, s.postgres.DB, func(ctx context.Context) error {
		s.Require().NoError(s.sink.Send(ctx, dl))
		return errAbort
	})
	s.Require().ErrorIs(err, errAbort)

	var count int
	s.Require().NoError(s.postgres.DB.QueryRowContext(ctx, `SELECT count(*) FROM dead_letter`).Scan(&count))
	s.Zero(count, "rolled back with the caller")
}
