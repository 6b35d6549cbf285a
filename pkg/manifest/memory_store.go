package manifest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/agentgate/agentgate/pkg/canonicalize"
	"github.com/agentgate/agentgate/pkg/contracts"
)

// MemoryStore implements Store in memory for tests and single-process use.
type MemoryStore struct {
	mu       sync.Mutex
	versions map[string]map[string]*Stored // org|uapk → version → stored
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory manifest store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string]map[string]*Stored),
		now:      time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func pairKey(orgID, uapkID string) string {
	return orgID + "|" + uapkID
}

func (s *MemoryStore) Register(ctx context.Context, raw []byte) (*Stored, error) {
	m, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	m.Status = contracts.ManifestDraft

	hash, err := canonicalize.CanonicalHash(m)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pk := pairKey(m.OrgID, m.UAPKID)
	if s.versions[pk] == nil {
		s.versions[pk] = make(map[string]*Stored)
	}
	if _, exists := s.versions[pk][m.Version]; exists {
		return nil, ErrVersionExists
	}

	now := s.now().UTC()
	st := &Stored{
		Manifest:  m,
		Raw:       append([]byte(nil), raw...),
		Hash:      hash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.versions[pk][m.Version] = st

	cp := *st
	return &cp, nil
}

func (s *MemoryStore) Activate(ctx context.Context, orgID, uapkID, version string) (*Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk := pairKey(orgID, uapkID)
	target, ok := s.versions[pk][version]
	if !ok {
		return nil, ErrNotFound
	}
	if target.Manifest.Status == contracts.ManifestRevoked {
		return nil, ErrNotActivatable
	}

	now := s.now().UTC()
	for v, st := range s.versions[pk] {
		if v != version && st.Manifest.Status == contracts.ManifestActive {
			st.Manifest.Status = contracts.ManifestSuspended
			st.UpdatedAt = now
		}
	}
	target.Manifest.Status = contracts.ManifestActive
	target.UpdatedAt = now

	cp := *target
	return &cp, nil
}

func (s *MemoryStore) Suspend(ctx context.Context, orgID, uapkID, version string) error {
	return s.setStatus(orgID, uapkID, version, contracts.ManifestSuspended)
}

func (s *MemoryStore) Revoke(ctx context.Context, orgID, uapkID, version string) error {
	return s.setStatus(orgID, uapkID, version, contracts.ManifestRevoked)
}

func (s *MemoryStore) setStatus(orgID, uapkID, version string, status contracts.ManifestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.versions[pairKey(orgID, uapkID)][version]
	if !ok {
		return ErrNotFound
	}
	st.Manifest.Status = status
	st.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) GetActive(ctx context.Context, orgID, uapkID string) (*Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.versions[pairKey(orgID, uapkID)] {
		if st.Manifest.Status == contracts.ManifestActive {
			cp := *st
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Get(ctx context.Context, orgID, uapkID, version string) (*Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.versions[pairKey(orgID, uapkID)][version]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, orgID, uapkID string) ([]*Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Stored
	for _, st := range s.versions[pairKey(orgID, uapkID)] {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		vi, ei := semver.NewVersion(out[i].Manifest.Version)
		vj, ej := semver.NewVersion(out[j].Manifest.Version)
		if ei != nil || ej != nil {
			return out[i].Manifest.Version > out[j].Manifest.Version
		}
		return vi.GreaterThan(vj)
	})
	return out, nil
}
