package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/agentgate/agentgate/pkg/canonicalize"
	"github.com/agentgate/agentgate/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite. A partial unique index on
// (org_id, uapk_id) WHERE status='ACTIVE' backs the one-active invariant at
// the storage layer; the activation swap runs in a single transaction.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the store and its schema if missing.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the time source for tests.
func (s *SQLiteStore) WithClock(now func() time.Time) *SQLiteStore {
	s.now = now
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS manifests (
		org_id     TEXT NOT NULL,
		uapk_id    TEXT NOT NULL,
		version    TEXT NOT NULL,
		status     TEXT NOT NULL,
		raw        TEXT NOT NULL,
		hash       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (org_id, uapk_id, version)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_manifests_one_active
		ON manifests (org_id, uapk_id) WHERE status = 'ACTIVE';`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("manifest: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Register(ctx context.Context, raw []byte) (*Stored, error) {
	m, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	m.Status = contracts.ManifestDraft

	hash, err := canonicalize.CanonicalHash(m)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ts := now.Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO manifests (org_id, uapk_id, version, status, raw, hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, uapk_id, version) DO NOTHING`,
		m.OrgID, m.UAPKID, m.Version, string(contracts.ManifestDraft),
		string(raw), hash, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("manifest: register: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("manifest: register rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrVersionExists
	}

	return &Stored{
		Manifest:  m,
		Raw:       append([]byte(nil), raw...),
		Hash:      hash,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) Activate(ctx context.Context, orgID, uapkID, version string) (*Stored, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM manifests WHERE org_id=? AND uapk_id=? AND version=?`,
		orgID, uapkID, version).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: activate lookup: %w", err)
	}
	if contracts.ManifestStatus(status) == contracts.ManifestRevoked {
		return nil, ErrNotActivatable
	}

	ts := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		UPDATE manifests SET status=?, updated_at=?
		WHERE org_id=? AND uapk_id=? AND status=? AND version != ?`,
		string(contracts.ManifestSuspended), ts,
		orgID, uapkID, string(contracts.ManifestActive), version); err != nil {
		return nil, fmt.Errorf("manifest: demote active: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE manifests SET status=?, updated_at=?
		WHERE org_id=? AND uapk_id=? AND version=?`,
		string(contracts.ManifestActive), ts, orgID, uapkID, version); err != nil {
		return nil, fmt.Errorf("manifest: promote: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("manifest: commit: %w", err)
	}
	return s.Get(ctx, orgID, uapkID, version)
}

func (s *SQLiteStore) Suspend(ctx context.Context, orgID, uapkID, version string) error {
	return s.setStatus(ctx, orgID, uapkID, version, contracts.ManifestSuspended)
}

func (s *SQLiteStore) Revoke(ctx context.Context, orgID, uapkID, version string) error {
	return s.setStatus(ctx, orgID, uapkID, version, contracts.ManifestRevoked)
}

func (s *SQLiteStore) setStatus(ctx context.Context, orgID, uapkID, version string, status contracts.ManifestStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE manifests SET status=?, updated_at=?
		WHERE org_id=? AND uapk_id=? AND version=?`,
		string(status), s.now().UTC().Format(time.RFC3339Nano), orgID, uapkID, version)
	if err != nil {
		return fmt.Errorf("manifest: set status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("manifest: set status rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetActive(ctx context.Context, orgID, uapkID string) (*Stored, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, status, raw, hash, created_at, updated_at
		FROM manifests WHERE org_id=? AND uapk_id=? AND status=?`,
		orgID, uapkID, string(contracts.ManifestActive))
	return scanStored(row)
}

func (s *SQLiteStore) Get(ctx context.Context, orgID, uapkID, version string) (*Stored, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, status, raw, hash, created_at, updated_at
		FROM manifests WHERE org_id=? AND uapk_id=? AND version=?`,
		orgID, uapkID, version)
	return scanStored(row)
}

func (s *SQLiteStore) ListVersions(ctx context.Context, orgID, uapkID string) ([]*Stored, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, status, raw, hash, created_at, updated_at
		FROM manifests WHERE org_id=? AND uapk_id=?`,
		orgID, uapkID)
	if err != nil {
		return nil, fmt.Errorf("manifest: list: %w", err)
	}
	defer rows.Close()

	var out []*Stored
	for rows.Next() {
		st, err := scanStored(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: list rows: %w", err)
	}
	sortBySemverDesc(out)
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStored(row rowScanner) (*Stored, error) {
	var (
		version, status, raw, hash string
		createdAt, updatedAt       string
	)
	err := row.Scan(&version, &status, &raw, &hash, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: scan: %w", err)
	}

	var m contracts.Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("manifest: stored document corrupt: %w", err)
	}
	m.Status = contracts.ManifestStatus(status)

	return &Stored{
		Manifest:  &m,
		Raw:       []byte(raw),
		Hash:      hash,
		CreatedAt: parseTime(createdAt),
		UpdatedAt: parseTime(updatedAt),
	}, nil
}

func sortBySemverDesc(list []*Stored) {
	sort.Slice(list, func(i, j int) bool {
		vi, ei := semver.NewVersion(list[i].Manifest.Version)
		vj, ej := semver.NewVersion(list[j].Manifest.Version)
		if ei != nil || ej != nil {
			return list[i].Manifest.Version > list[j].Manifest.Version
		}
		return vi.GreaterThan(vj)
	})
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
