package audit

import (
	"context"
	"errors"

	"github.com/agentgate/agentgate/pkg/contracts"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("audit: record not found")
	// ErrChainConflict is returned when the record's previous_record_hash
	// does not match the current stream tail. The writer re-reads the tail
	// and re-seals.
	ErrChainConflict = errors.New("audit: chain tail moved")
)

// Store is the append-only record persistence contract. Append is
// compare-and-swap on the stream tail: it fails with ErrChainConflict unless
// the record's previous_record_hash equals the stored tail hash.
type Store interface {
	// Append stores a sealed record at the tail of its stream. requestID
	// may be empty; when set it is indexed for idempotent replay lookup.
	Append(ctx context.Context, requestID string, r *contracts.InteractionRecord) error

	// TailHash returns the record hash of the last record in the stream,
	// or canonicalize.ZeroHash for an empty stream.
	TailHash(ctx context.Context, stream string) (string, error)

	// List returns records in append order, starting at offset.
	// limit <= 0 means no limit.
	List(ctx context.Context, stream string, offset, limit int) ([]*contracts.InteractionRecord, error)

	// FindByRequestID returns the record previously written for requestID.
	FindByRequestID(ctx context.Context, requestID string) (*contracts.InteractionRecord, error)
}
