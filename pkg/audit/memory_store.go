package audit

import (
	"context"
	"sync"

	"github.com/agentgate/agentgate/pkg/canonicalize"
	"github.com/agentgate/agentgate/pkg/contracts"
)

// MemoryStore implements Store in memory for tests and single-process use.
type MemoryStore struct {
	mu        sync.Mutex
	streams   map[string][]*contracts.InteractionRecord
	byRequest map[string]*contracts.InteractionRecord
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]*contracts.InteractionRecord),
		byRequest: make(map[string]*contracts.InteractionRecord),
	}
}

func (s *MemoryStore) Append(ctx context.Context, requestID string, r *contracts.InteractionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail := canonicalize.ZeroHash
	records := s.streams[r.Stream]
	if len(records) > 0 {
		tail = records[len(records)-1].RecordHash
	}
	if r.PreviousRecordHash != tail {
		return ErrChainConflict
	}

	cp := *r
	s.streams[r.Stream] = append(records, &cp)
	if requestID != "" {
		s.byRequest[requestID] = &cp
	}
	return nil
}

func (s *MemoryStore) TailHash(ctx context.Context, stream string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.streams[stream]
	if len(records) == 0 {
		return canonicalize.ZeroHash, nil
	}
	return records[len(records)-1].RecordHash, nil
}

func (s *MemoryStore) List(ctx context.Context, stream string, offset, limit int) ([]*contracts.InteractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.streams[stream]
	if offset >= len(records) {
		return nil, nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}

	out := make([]*contracts.InteractionRecord, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) FindByRequestID(ctx context.Context, requestID string) (*contracts.InteractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byRequest[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// Tamper replaces the record at index i of a stream. Test hook for chain
// verification failure paths.
func (s *MemoryStore) Tamper(stream string, i int, mutate func(*contracts.InteractionRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if records := s.streams[stream]; i >= 0 && i < len(records) {
		mutate(records[i])
	}
}
