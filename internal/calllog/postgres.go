package calllog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the DDL for the calls table. Apply it with
// [PostgresStore.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
    session_id  TEXT PRIMARY KEY,
    transport   TEXT NOT NULL,
    call_sid    TEXT NOT NULL DEFAULT '',
    stream_sid  TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL,
    ended_at    TIMESTAMPTZ,
    end_reason  TEXT NOT NULL DEFAULT '',
    stats       JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_calls_call_sid ON calls(call_sid);
`

// DB is satisfied by *pgxpool.Pool and *pgx.Conn.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL. Aggregate statistics
// are kept as JSONB.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store using db. Call Migrate before use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the calls table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("calllog: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	stats, err := json.Marshal(r.Stats)
	if err != nil {
		return fmt.Errorf("calllog: marshal stats: %w", err)
	}
	const query = `
		INSERT INTO calls (session_id, transport, call_sid, stream_sid, started_at, ended_at, end_reason, stats)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (session_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			end_reason = EXCLUDED.end_reason,
			stats = EXCLUDED.stats`
	_, err = s.db.Exec(ctx, query,
		r.SessionID, r.Transport, r.CallSID, r.StreamSID,
		r.StartedAt, nullTime(r.EndedAt), r.EndReason, stats,
	)
	if err != nil {
		return fmt.Errorf("calllog: save %q: %w", r.SessionID, err)
	}
	return nil
}

const selectColumns = `session_id, transport, call_sid, stream_sid, started_at, ended_at, end_reason, stats`

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	r, err := scanRecord(s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM calls WHERE session_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("calllog: get %q: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT `+selectColumns+` FROM calls ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("calllog: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("calllog: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calllog: recent: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r     Record
		ended *time.Time
		stats []byte
	)
	if err := row.Scan(&r.SessionID, &r.Transport, &r.CallSID, &r.StreamSID, &r.StartedAt, &ended, &r.EndReason, &stats); err != nil {
		return Record{}, err
	}
	if ended != nil {
		r.EndedAt = *ended
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &r.Stats); err != nil {
			return Record{}, fmt.Errorf("unmarshal stats: %w", err)
		}
	}
	return r, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
