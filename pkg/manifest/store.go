package manifest

import (
	"context"
	"errors"
	"time"

	"github.com/agentgate/agentgate/pkg/contracts"
)

var (
	// ErrNotFound is returned when no manifest matches the lookup.
	ErrNotFound = errors.New("manifest: not found")
	// ErrVersionExists is returned when registering a (uapk, version) pair
	// that is already stored. Manifest versions are immutable.
	ErrVersionExists = errors.New("manifest: version already registered")
	// ErrNotActivatable is returned when activating a REVOKED manifest.
	ErrNotActivatable = errors.New("manifest: version cannot be activated")
)

// Stored is a persisted manifest version with its provenance.
type Stored struct {
	Manifest  *contracts.Manifest
	Raw       []byte
	Hash      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists manifest versions and maintains the activation invariant:
// at most one ACTIVE manifest per (org, uapk) at any time, and the swap from
// the old active version to the new one is atomic.
type Store interface {
	// Register validates and stores a new manifest version in DRAFT status.
	Register(ctx context.Context, raw []byte) (*Stored, error)

	// Activate promotes the given version to ACTIVE, demoting any currently
	// active version to SUSPENDED in the same transition.
	Activate(ctx context.Context, orgID, uapkID, version string) (*Stored, error)

	// Suspend moves an ACTIVE or DRAFT version to SUSPENDED.
	Suspend(ctx context.Context, orgID, uapkID, version string) error

	// Revoke terminally retires a version. Revoked versions cannot be
	// reactivated.
	Revoke(ctx context.Context, orgID, uapkID, version string) error

	// GetActive returns the single ACTIVE manifest for (org, uapk).
	GetActive(ctx context.Context, orgID, uapkID string) (*Stored, error)

	// Get returns a specific stored version regardless of status.
	Get(ctx context.Context, orgID, uapkID, version string) (*Stored, error)

	// ListVersions returns all stored versions for (org, uapk), newest first.
	ListVersions(ctx context.Context, orgID, uapkID string) ([]*Stored, error)
}
