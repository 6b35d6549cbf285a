package counter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL with row-locked
// check-and-increment inside a transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and its schema if missing.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS action_counters (
		org_id       TEXT NOT NULL,
		uapk_id      TEXT NOT NULL,
		action_type  TEXT NOT NULL,
		window_kind  TEXT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		count        BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (org_id, uapk_id, action_type, window_kind, window_start)
	)`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("counter: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Peek(ctx context.Context, key Key, kind WindowKind, at time.Time) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT count FROM action_counters
		WHERE org_id=$1 AND uapk_id=$2 AND action_type=$3 AND window_kind=$4 AND window_start=$5`,
		key.OrgID, key.UAPKID, key.ActionType, string(kind), WindowStart(at, kind))

	var n int64
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter: peek: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Increment(ctx context.Context, key Key, at time.Time, caps Caps) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("counter: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	hourCount, err := lockWindow(ctx, tx, key, WindowHour, at)
	if err != nil {
		return false, err
	}
	dayCount, err := lockWindow(ctx, tx, key, WindowDay, at)
	if err != nil {
		return false, err
	}

	if caps.Hourly > 0 && hourCount+1 > caps.Hourly {
		return false, nil
	}
	if caps.Daily > 0 && dayCount+1 > caps.Daily {
		return false, nil
	}

	for _, kind := range []WindowKind{WindowHour, WindowDay} {
		if _, err := tx.ExecContext(ctx, `
			UPDATE action_counters SET count = count + 1
			WHERE org_id=$1 AND uapk_id=$2 AND action_type=$3 AND window_kind=$4 AND window_start=$5`,
			key.OrgID, key.UAPKID, key.ActionType, string(kind), WindowStart(at, kind)); err != nil {
			return false, fmt.Errorf("counter: increment %s window: %w", kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("counter: commit: %w", err)
	}
	return true, nil
}

// lockWindow upserts the window row and takes a row lock, returning the
// current count. Concurrent increments for the same window serialize here.
func lockWindow(ctx context.Context, tx *sql.Tx, key Key, kind WindowKind, at time.Time) (int64, error) {
	start := WindowStart(at, kind)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO action_counters (org_id, uapk_id, action_type, window_kind, window_start, count)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (org_id, uapk_id, action_type, window_kind, window_start) DO NOTHING`,
		key.OrgID, key.UAPKID, key.ActionType, string(kind), start); err != nil {
		return 0, fmt.Errorf("counter: upsert window: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT count FROM action_counters
		WHERE org_id=$1 AND uapk_id=$2 AND action_type=$3 AND window_kind=$4 AND window_start=$5
		FOR UPDATE`,
		key.OrgID, key.UAPKID, key.ActionType, string(kind), start)

	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counter: lock window: %w", err)
	}
	return n, nil
}
