package inflight

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/wells/internal/ledger"
)

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS wells;
CREATE TABLE IF NOT EXISTS wells.transfers (
	handle     TEXT PRIMARY KEY,
	report_id  TEXT NOT NULL,
	location   TEXT NOT NULL,
	request    JSONB NOT NULL,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS transfers_report_id_idx ON wells.transfers (report_id);
`

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres keeps the registry in the wells.transfers table so a restarted
// daemon still knows which queued transfers are outstanding.
type Postgres struct {
	db Querier
}

func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the transfers table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("inflight: ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Add(ctx context.Context, t Transfer) error {
	req, err := json.Marshal(t.Request)
	if err != nil {
		return fmt.Errorf("inflight: encode request: %w", err)
	}
	id, _ := ledger.Identifier(t.Request.Header)
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}

	tag, err := p.db.Exec(ctx, `
		INSERT INTO wells.transfers (handle, report_id, location, request, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (handle) DO NOTHING`,
		t.Handle, id, t.Location, req, t.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inflight: add %s: %w", t.Handle, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateHandle
	}
	return nil
}

func (p *Postgres) Remove(ctx context.Context, handle string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM wells.transfers WHERE handle = $1`, handle); err != nil {
		return fmt.Errorf("inflight: remove %s: %w", handle, err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context) ([]Transfer, error) {
	rows, err := p.db.Query(ctx, `
		SELECT handle, location, request, started_at
		FROM wells.transfers
		ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("inflight: list: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		var (
			t   Transfer
			raw []byte
		)
		if err := rows.Scan(&t.Handle, &t.Location, &raw, &t.StartedAt); err != nil {
			return nil, fmt.Errorf("inflight: scan: %w", err)
		}
		if err := json.Unmarshal(raw, &t.Request); err != nil {
			return nil, fmt.Errorf("inflight: decode request for %s: %w", t.Handle, err)
		}
		t.Request = t.Request.Clone()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inflight: list: %w", err)
	}
	return out, nil
}
