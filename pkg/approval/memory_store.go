package approval

import (
	"context"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/contracts"
)

// MemoryStore implements Store in memory for tests and single-process use.
type MemoryStore struct {
	mu        sync.Mutex
	approvals map[string]*contracts.Approval
	byBinding map[string]string // org|uapk|fingerprint → pending approval id
}

// NewMemoryStore creates an empty in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		approvals: make(map[string]*contracts.Approval),
		byBinding: make(map[string]string),
	}
}

func bindingKey(orgID, uapkID, fingerprint string) string {
	return orgID + "|" + uapkID + "|" + fingerprint
}

func (s *MemoryStore) CreatePending(ctx context.Context, a *contracts.Approval) (*contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bk := bindingKey(a.OrgID, a.UAPKID, a.ActionFingerprint)
	if id, ok := s.byBinding[bk]; ok {
		existing := s.approvals[id]
		if existing.Status == contracts.ApprovalPending && a.CreatedAt.Before(existing.ExpiresAt) {
			cp := *existing
			return &cp, nil
		}
	}

	cp := *a
	cp.Status = contracts.ApprovalPending
	s.approvals[cp.ID] = &cp
	s.byBinding[bk] = cp.ID

	out := cp
	return &out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Decide(ctx context.Context, id, decidedBy string, approve bool, note, tokenHash string, at time.Time) (*contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != contracts.ApprovalPending {
		return nil, ErrNotPending
	}
	if at.After(a.ExpiresAt) {
		a.Status = contracts.ApprovalExpired
		return nil, ErrExpired
	}

	a.DecidedBy = decidedBy
	decidedAt := at
	a.DecidedAt = &decidedAt
	a.Reason = note
	if approve {
		a.Status = contracts.ApprovalApproved
		a.OverrideTokenHash = tokenHash
	} else {
		a.Status = contracts.ApprovalDenied
	}

	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Consume(ctx context.Context, id, tokenHash string, at time.Time) (ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return ConsumeNotApproved, nil
	}
	switch {
	case a.Status == contracts.ApprovalConsumed:
		return ConsumeAlreadyConsumed, nil
	case a.Status != contracts.ApprovalApproved:
		return ConsumeNotApproved, nil
	case a.OverrideTokenHash != tokenHash:
		return ConsumeTokenMismatch, nil
	case a.ConsumedAt != nil:
		return ConsumeAlreadyConsumed, nil
	}

	a.Status = contracts.ApprovalConsumed
	consumedAt := at
	a.ConsumedAt = &consumedAt
	return ConsumeOK, nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for _, a := range s.approvals {
		if a.Status == contracts.ApprovalPending && now.After(a.ExpiresAt) {
			a.Status = contracts.ApprovalExpired
			swept++
		}
	}
	return swept, nil
}
