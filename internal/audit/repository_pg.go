package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS rcon_audit (
    id           TEXT PRIMARY KEY,
    trace_id     TEXT NOT NULL,
    requester_id TEXT NOT NULL,
    group_id     TEXT NOT NULL,
    command      TEXT NOT NULL,
    response     TEXT NOT NULL,
    outcome      TEXT NOT NULL,
    rewritten    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rcon_audit_group_created_idx ON rcon_audit (group_id, created_at DESC);
CREATE INDEX IF NOT EXISTS rcon_audit_trace_idx ON rcon_audit (trace_id);`

const selectColumns = `SELECT id, trace_id, requester_id, group_id, command, response, outcome, rewritten, created_at FROM rcon_audit`

// PGRepository persists entries in Postgres.
type PGRepository struct {
	db *sql.DB
}

func NewPGRepository(ctx context.Context, databaseURL string) (*PGRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(pctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return &PGRepository{db: db}, nil
}

func (r *PGRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PGRepository) Record(ctx context.Context, e Entry) error {
	if r == nil || r.db == nil {
		return nil
	}
	q := `INSERT INTO rcon_audit (
        id, trace_id, requester_id, group_id, command, response, outcome, rewritten, created_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
      ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.TraceID, e.RequesterID, e.GroupID, e.Command, e.Response, string(e.Outcome), e.Rewritten, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

// Recent returns up to n entries for group, newest first.
func (r *PGRepository) Recent(ctx context.Context, groupID string, n int) ([]Entry, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if n <= 0 {
		n = 20
	}
	rows, err := r.db.QueryContext(ctx, selectColumns+` WHERE group_id = $1 ORDER BY created_at DESC LIMIT $2`, groupID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PGRepository) ByTrace(ctx context.Context, traceID string) (*Entry, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE trace_id = $1 ORDER BY created_at DESC LIMIT 1`, traceID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var e Entry
	var outcome string
	if err := sc.Scan(&e.ID, &e.TraceID, &e.RequesterID, &e.GroupID, &e.Command, &e.Response, &outcome, &e.Rewritten, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.Outcome = Outcome(outcome)
	return e, nil
}
