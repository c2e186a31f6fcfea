package deadletter

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"dsprocessor/internal/domain"
	txcontext "dsprocessor/pkg/platform/tx"
)

// schema creates the dead-letter table and its lookup index.
var schema = []string{`
CREATE TABLE IF NOT EXISTS dead_letter (
	id          uuid PRIMARY KEY,
	kind        text NOT NULL,
	natural_key text,
	pid         text,
	stage       text NOT NULL,
	code        text NOT NULL,
	reason      text NOT NULL,
	mas_ids     text[],
	payload     jsonb,
	created     timestamptz NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS dead_letter_key_idx ON dead_letter (kind, natural_key)`,
}

// PostgresSink stores dead letters in a table so operators can query and
// replay them.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresSink) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// EnsureSchema creates the table and index if they are missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		for _, stmt := range schema {
			if _, err := s.execer(ctx).ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create dead-letter schema: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresSink) Send(ctx context.Context, dl domain.DeadLetter) error {
	payload := domain.RawPayload(dl.Payload)

	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO dead_letter (id, kind, natural_key, pid, stage, code, reason, mas_ids, payload, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		dl.ID, string(dl.Kind), nullable(dl.NaturalKey), nullable(dl.PID), dl.Stage, dl.Code, dl.Reason,
		pq.Array(dl.MasIDs), []byte(payload), dl.At,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
