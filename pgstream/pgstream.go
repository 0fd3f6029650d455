// Package pgstream is a Postgres-backed stream transport: records live in a
// table keyed by (stream, partition, sequence), cursors are opaque signed-off
// tokens with a client-side TTL, and consumer-group checkpoints get their own
// table. It exists for local development and integration testing; the fetch
// semantics (cursor in, records plus next cursor out, typed errors for dead
// cursors) mirror what a managed stream service returns.
package pgstream

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/streamkit/streamclient"
	"github.com/streamkit/streamclient/fetcher"
)

var _ fetcher.Transport = (*Store)(nil)

type Config struct {
	DSN string
	// Table is the records table name; checkpoints go to Table +
	// "_checkpoints". Default "stream_records".
	Table string
	// CursorTTL bounds how long a minted cursor stays valid. Zero means
	// cursors never expire.
	CursorTTL time.Duration
}

type Store struct {
	db    *sql.DB
	table string
	ttl   time.Duration
}

func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, streamclient.Errorf("pgstream: opening connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, streamclient.Errorf("pgstream: ping: %w", err)
	}
	if cfg.Table == "" {
		cfg.Table = "stream_records"
	}
	return &Store{db: db, table: cfg.Table, ttl: cfg.CursorTTL}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InitSchema creates the records and checkpoints tables if they don't exist.
func (s *Store) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		stream TEXT NOT NULL,
		part INT NOT NULL,
		seq BIGINT NOT NULL,
		data BYTEA NOT NULL,
		codec SMALLINT NOT NULL DEFAULT 0,
		ts TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (stream, part, seq)
	);
	CREATE TABLE IF NOT EXISTS %s_checkpoints (
		group_id TEXT NOT NULL,
		stream TEXT NOT NULL,
		part INT NOT NULL,
		position BIGINT NOT NULL,
		committed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (group_id, stream, part)
	);`, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return streamclient.Errorf("pgstream: creating schema: %w", err)
	}
	return nil
}

// Append writes records to the tail of a partition, assigning consecutive
// sequence numbers. The assigned numbers are written back into the passed
// records. Meant for tests and the producing side of demos.
func (s *Store) Append(ctx context.Context, p streamclient.StreamPartition, records ...*streamclient.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return streamclient.Errorf("pgstream: begin: %w", err)
	}
	defer tx.Rollback()
	var next int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(seq)+1, 0) FROM %s WHERE stream = $1 AND part = $2`, s.table)
	if err := tx.QueryRowContext(ctx, query, p.Stream, p.Partition).Scan(&next); err != nil {
		return streamclient.Errorf("pgstream: next sequence for %s: %w", p, err)
	}
	insert := fmt.Sprintf(`INSERT INTO %s (stream, part, seq, data, codec, ts) VALUES ($1, $2, $3, $4, $5, $6)`, s.table)
	for _, r := range records {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := tx.ExecContext(ctx, insert, p.Stream, p.Partition, next, r.Data, r.Codec, ts); err != nil {
			return streamclient.Errorf("pgstream: inserting into %s: %w", p, err)
		}
		r.SequenceNumber = fmt.Sprintf("%d", next)
		next++
	}
	if err := tx.Commit(); err != nil {
		return streamclient.Errorf("pgstream: commit: %w", err)
	}
	return nil
}

// CursorAt mints a cursor that reads partition p starting at sequence number
// seq. Negative seq means "from the beginning".
func (s *Store) CursorAt(p streamclient.StreamPartition, seq int64) *streamclient.Cursor {
	if seq < 0 {
		seq = 0
	}
	var expires time.Time
	var lease int64
	if s.ttl > 0 {
		expires = time.Now().Add(s.ttl)
		lease = expires.UnixMilli()
	}
	return &streamclient.Cursor{
		Token:     encodeToken(cursorToken{Stream: p.Stream, Partition: p.Partition, Seq: seq, Expires: lease}),
		ExpiresAt: expires,
	}
}

// Fetch implements fetcher.Transport. Dead cursors come back as typed
// StreamErrors so the fetcher can tell fatal from transient.
func (s *Store) Fetch(ctx context.Context, req *streamclient.FetchRequest) (*streamclient.FetchResult, error) {
	if req.Cursor == nil {
		return nil, &streamclient.StreamError{Code: streamclient.CursorNotFound, Message: "no cursor in request"}
	}
	token, err := decodeToken(req.Cursor.Token)
	if err != nil {
		return nil, &streamclient.StreamError{Code: streamclient.CursorNotFound, Message: err.Error()}
	}
	if token.Stream != req.Partition.Stream || token.Partition != req.Partition.Partition {
		return nil, &streamclient.StreamError{Code: streamclient.CursorNotFound, Message: "cursor minted for a different partition"}
	}
	if token.Expires > 0 && time.Now().UnixMilli() > token.Expires {
		return nil, &streamclient.StreamError{Code: streamclient.CursorExpired, Message: "cursor lease ran out"}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`SELECT seq, data, codec, ts FROM %s
		WHERE stream = $1 AND part = $2 AND seq >= $3 ORDER BY seq ASC LIMIT $4`, s.table)
	rows, err := s.db.QueryContext(ctx, query, req.Partition.Stream, req.Partition.Partition, token.Seq, limit)
	if err != nil {
		return nil, streamclient.Errorf("pgstream: fetching %s: %w", req.Partition, err)
	}
	defer rows.Close()
	var records []*streamclient.Record
	next := token.Seq
	for rows.Next() {
		var seq int64
		r := &streamclient.Record{}
		if err := rows.Scan(&seq, &r.Data, &r.Codec, &r.Timestamp); err != nil {
			return nil, streamclient.Errorf("pgstream: scanning %s: %w", req.Partition, err)
		}
		r.SequenceNumber = fmt.Sprintf("%d", seq)
		records = append(records, r)
		next = seq + 1
	}
	if err := rows.Err(); err != nil {
		return nil, streamclient.Errorf("pgstream: fetching %s: %w", req.Partition, err)
	}
	return &streamclient.FetchResult{
		Records:    records,
		NextCursor: s.CursorAt(req.Partition, next),
	}, nil
}

// FetchCheckpoint returns the committed read position for the group and
// partition, or -1 when nothing has been committed.
func (s *Store) FetchCheckpoint(ctx context.Context, group string, p streamclient.StreamPartition) (int64, error) {
	query := fmt.Sprintf(`SELECT position FROM %s_checkpoints WHERE group_id = $1 AND stream = $2 AND part = $3`, s.table)
	var position int64
	err := s.db.QueryRowContext(ctx, query, group, p.Stream, p.Partition).Scan(&position)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, streamclient.Errorf("pgstream: checkpoint for group %s partition %s: %w", group, p, err)
	}
	return position, nil
}

// CommitCheckpoint durably records the read position for the group and
// partition.
func (s *Store) CommitCheckpoint(ctx context.Context, group string, p streamclient.StreamPartition, position int64) error {
	query := fmt.Sprintf(`INSERT INTO %s_checkpoints (group_id, stream, part, position, committed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (group_id, stream, part) DO UPDATE SET position = $4, committed_at = now()`, s.table)
	if _, err := s.db.ExecContext(ctx, query, group, p.Stream, p.Partition, position); err != nil {
		return streamclient.Errorf("pgstream: committing checkpoint for group %s partition %s: %w", group, p, err)
	}
	return nil
}
