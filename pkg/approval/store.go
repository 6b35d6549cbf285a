// Package approval manages the human-in-the-loop approval lifecycle:
// PENDING → APPROVED | DENIED | EXPIRED, and APPROVED → CONSUMED when the
// backing override token is spent.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/agentgate/agentgate/pkg/contracts"
)

var (
	// ErrNotFound is returned when no approval exists for the given id.
	ErrNotFound = errors.New("approval: not found")
	// ErrNotPending is returned when deciding an approval that already
	// reached a terminal state.
	ErrNotPending = errors.New("approval: not pending")
	// ErrExpired is returned when deciding an approval past its expiry.
	ErrExpired = errors.New("approval: expired")
)

// ConsumeResult reports the outcome of a single-use token consumption.
type ConsumeResult string

const (
	ConsumeOK              ConsumeResult = "OK"
	ConsumeAlreadyConsumed ConsumeResult = "ALREADY_CONSUMED"
	ConsumeNotApproved     ConsumeResult = "NOT_APPROVED"
	ConsumeTokenMismatch   ConsumeResult = "TOKEN_MISMATCH"
)

// Store is the approval persistence contract. Consume must be a conditional
// update; exactly one of any set of concurrent attempts succeeds.
type Store interface {
	// CreatePending inserts a PENDING approval, or returns the existing
	// unexpired PENDING approval for the same (org, uapk, fingerprint).
	CreatePending(ctx context.Context, a *contracts.Approval) (*contracts.Approval, error)

	// Get returns the approval by id.
	Get(ctx context.Context, id string) (*contracts.Approval, error)

	// Decide transitions PENDING to APPROVED or DENIED. On approve, the
	// override token hash is recorded alongside.
	Decide(ctx context.Context, id, decidedBy string, approve bool, note, tokenHash string, at time.Time) (*contracts.Approval, error)

	// Consume transitions APPROVED to CONSUMED iff the stored token hash
	// matches and the approval was never consumed before.
	Consume(ctx context.Context, id, tokenHash string, at time.Time) (ConsumeResult, error)

	// SweepExpired marks PENDING approvals past their expiry as EXPIRED
	// and returns how many were transitioned.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}
