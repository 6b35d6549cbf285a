package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentgate/agentgate/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite. The Consume conditional update is
// the single-use guarantee: the row transition is atomic and exactly one of
// any set of concurrent attempts observes rows-affected == 1.
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
	CREATE TABLE IF NOT EXISTS approvals (
		id                  TEXT PRIMARY KEY,
		org_id              TEXT NOT NULL,
		uapk_id             TEXT NOT NULL,
		agent_id            TEXT NOT NULL,
		action_fingerprint  TEXT NOT NULL,
		params_snapshot     TEXT,
		status              TEXT NOT NULL,
		reason              TEXT,
		created_at          TEXT NOT NULL,
		expires_at          TEXT NOT NULL,
		decided_by          TEXT,
		decided_at          TEXT,
		override_token_hash TEXT,
		consumed_at         TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_binding
		ON approvals (org_id, uapk_id, action_fingerprint, status);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("approval: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreatePending(ctx context.Context, a *contracts.Approval) (*contracts.Approval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("approval: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id FROM approvals
		WHERE org_id=? AND uapk_id=? AND action_fingerprint=? AND status=? AND expires_at > ?
		LIMIT 1`,
		a.OrgID, a.UAPKID, a.ActionFingerprint, string(contracts.ApprovalPending),
		a.CreatedAt.UTC().Format(time.RFC3339Nano))

	var existingID string
	err = row.Scan(&existingID)
	switch {
	case err == nil:
		existing, err := s.get(ctx, tx, existingID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("approval: commit: %w", err)
		}
		return existing, nil
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("approval: lookup pending: %w", err)
	}

	snapshot, _ := json.Marshal(a.ParamsSnapshot)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approvals (id, org_id, uapk_id, agent_id, action_fingerprint,
			params_snapshot, status, reason, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrgID, a.UAPKID, a.AgentID, a.ActionFingerprint,
		string(snapshot), string(contracts.ApprovalPending), a.Reason,
		a.CreatedAt.UTC().Format(time.RFC3339Nano),
		a.ExpiresAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("approval: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("approval: commit: %w", err)
	}

	cp := *a
	cp.Status = contracts.ApprovalPending
	return &cp, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*contracts.Approval, error) {
	var (
		a          contracts.Approval
		snapshot   sql.NullString
		reason     sql.NullString
		createdAt  string
		expiresAt  string
		decidedBy  sql.NullString
		decidedAt  sql.NullString
		tokenHash  sql.NullString
		consumedAt sql.NullString
		status     string
	)
	err := row.Scan(&a.ID, &a.OrgID, &a.UAPKID, &a.AgentID, &a.ActionFingerprint,
		&snapshot, &status, &reason, &createdAt, &expiresAt,
		&decidedBy, &decidedAt, &tokenHash, &consumedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approval: scan: %w", err)
	}

	a.Status = contracts.ApprovalStatus(status)
	a.Reason = reason.String
	a.DecidedBy = decidedBy.String
	a.OverrideTokenHash = tokenHash.String
	a.CreatedAt = parseTime(createdAt)
	a.ExpiresAt = parseTime(expiresAt)
	if decidedAt.Valid {
		t := parseTime(decidedAt.String)
		a.DecidedAt = &t
	}
	if consumedAt.Valid {
		t := parseTime(consumedAt.String)
		a.ConsumedAt = &t
	}
	if snapshot.Valid && snapshot.String != "" && snapshot.String != "null" {
		_ = json.Unmarshal([]byte(snapshot.String), &a.ParamsSnapshot)
	}
	return &a, nil
}

const approvalColumns = `id, org_id, uapk_id, agent_id, action_fingerprint,
	params_snapshot, status, reason, created_at, expires_at,
	decided_by, decided_at, override_token_hash, consumed_at`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q querier, id string) (*contracts.Approval, error) {
	row := q.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*contracts.Approval, error) {
	return s.get(ctx, s.db, id)
}

func (s *SQLiteStore) Decide(ctx context.Context, id, decidedBy string, approve bool, note, tokenHash string, at time.Time) (*contracts.Approval, error) {
	target := contracts.ApprovalDenied
	if approve {
		target = contracts.ApprovalApproved
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status=?, decided_by=?, decided_at=?, reason=?, override_token_hash=?
		WHERE id=? AND status=? AND expires_at > ?`,
		string(target), decidedBy, at.UTC().Format(time.RFC3339Nano), note, tokenHash,
		id, string(contracts.ApprovalPending), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("approval: decide: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("approval: decide rows: %w", err)
	}
	if affected == 0 {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Status != contracts.ApprovalPending {
			return nil, ErrNotPending
		}
		return nil, ErrExpired
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Consume(ctx context.Context, id, tokenHash string, at time.Time) (ConsumeResult, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status=?, consumed_at=?
		WHERE id=? AND status=? AND override_token_hash=? AND consumed_at IS NULL`,
		string(contracts.ApprovalConsumed), at.UTC().Format(time.RFC3339Nano),
		id, string(contracts.ApprovalApproved), tokenHash)
	if err != nil {
		return "", fmt.Errorf("approval: consume: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("approval: consume rows: %w", err)
	}
	if affected == 1 {
		return ConsumeOK, nil
	}

	existing, err := s.Get(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return ConsumeNotApproved, nil
		}
		return "", err
	}
	switch {
	case existing.Status == contracts.ApprovalConsumed:
		return ConsumeAlreadyConsumed, nil
	case existing.Status != contracts.ApprovalApproved:
		return ConsumeNotApproved, nil
	case existing.OverrideTokenHash != tokenHash:
		return ConsumeTokenMismatch, nil
	default:
		return ConsumeAlreadyConsumed, nil
	}
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status=?
		WHERE status=? AND expires_at <= ?`,
		string(contracts.ApprovalExpired), string(contracts.ApprovalPending),
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("approval: sweep: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("approval: sweep rows: %w", err)
	}
	return int(affected), nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
