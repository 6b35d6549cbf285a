package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentgate/agentgate/pkg/canonicalize"
	"github.com/agentgate/agentgate/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite. The tail comparison and insert run
// in one transaction, which gives Append its compare-and-swap semantics.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and its schema if missing.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS interaction_records (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		stream      TEXT NOT NULL,
		record_id   TEXT NOT NULL UNIQUE,
		request_id  TEXT,
		record_hash TEXT NOT NULL,
		prev_hash   TEXT NOT NULL,
		body        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_stream ON interaction_records (stream, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_request
		ON interaction_records (request_id) WHERE request_id IS NOT NULL;`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, requestID string, r *contracts.InteractionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tail := canonicalize.ZeroHash
	err = tx.QueryRowContext(ctx, `
		SELECT record_hash FROM interaction_records
		WHERE stream=? ORDER BY seq DESC LIMIT 1`, r.Stream).Scan(&tail)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("audit: read tail: %w", err)
	}
	if r.PreviousRecordHash != tail {
		return ErrChainConflict
	}

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}

	var reqID interface{}
	if requestID != "" {
		reqID = requestID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO interaction_records (stream, record_id, request_id, record_hash, prev_hash, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Stream, r.RecordID, reqID, r.RecordHash, r.PreviousRecordHash, string(body)); err != nil {
		return fmt.Errorf("audit: insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TailHash(ctx context.Context, stream string) (string, error) {
	var tail string
	err := s.db.QueryRowContext(ctx, `
		SELECT record_hash FROM interaction_records
		WHERE stream=? ORDER BY seq DESC LIMIT 1`, stream).Scan(&tail)
	if err == sql.ErrNoRows {
		return canonicalize.ZeroHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read tail: %w", err)
	}
	return tail, nil
}

func (s *SQLiteStore) List(ctx context.Context, stream string, offset, limit int) ([]*contracts.InteractionRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM interaction_records
		WHERE stream=? ORDER BY seq LIMIT ? OFFSET ?`, stream, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []*contracts.InteractionRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		var r contracts.InteractionRecord
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("audit: stored record corrupt: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: list rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) FindByRequestID(ctx context.Context, requestID string) (*contracts.InteractionRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM interaction_records WHERE request_id=?`, requestID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("audit: find by request: %w", err)
	}
	var r contracts.InteractionRecord
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("audit: stored record corrupt: %w", err)
	}
	return &r, nil
}
