package manifest

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/agentgate/agentgate/pkg/contracts"
)

var ctx = context.Background()

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Each in-memory sqlite connection is its own database; keep the pool
	// on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })
	sqlite, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestRegisterIsImmutablePerVersion(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			st, err := s.Register(ctx, validManifestJSON("1.0.0"))
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			if st.Manifest.Status != contracts.ManifestDraft {
				t.Fatalf("status = %s, want DRAFT", st.Manifest.Status)
			}
			if st.Hash == "" {
				t.Fatal("stored manifest has no hash")
			}

			if _, err := s.Register(ctx, validManifestJSON("1.0.0")); !errors.Is(err, ErrVersionExists) {
				t.Fatalf("re-register err = %v, want ErrVersionExists", err)
			}
			if _, err := s.Register(ctx, validManifestJSON("1.1.0")); err != nil {
				t.Fatalf("new version: %v", err)
			}
		})
	}
}

func TestActivateSwapsSingleActive(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			mustRegister(t, s, "1.0.0")
			mustRegister(t, s, "1.1.0")

			if _, err := s.GetActive(ctx, "org-1", "uapk-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetActive before activation = %v, want ErrNotFound", err)
			}

			if _, err := s.Activate(ctx, "org-1", "uapk-1", "1.0.0"); err != nil {
				t.Fatalf("Activate 1.0.0: %v", err)
			}
			active, err := s.GetActive(ctx, "org-1", "uapk-1")
			if err != nil || active.Manifest.Version != "1.0.0" {
				t.Fatalf("active = %+v, err=%v", active, err)
			}

			// Activating a newer version demotes the old one in the same swap.
			if _, err := s.Activate(ctx, "org-1", "uapk-1", "1.1.0"); err != nil {
				t.Fatalf("Activate 1.1.0: %v", err)
			}
			active, _ = s.GetActive(ctx, "org-1", "uapk-1")
			if active.Manifest.Version != "1.1.0" {
				t.Fatalf("active = %s, want 1.1.0", active.Manifest.Version)
			}
			old, _ := s.Get(ctx, "org-1", "uapk-1", "1.0.0")
			if old.Manifest.Status != contracts.ManifestSuspended {
				t.Fatalf("old status = %s, want SUSPENDED", old.Manifest.Status)
			}
		})
	}
}

func TestRevokedVersionCannotBeActivated(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			mustRegister(t, s, "1.0.0")
			if err := s.Revoke(ctx, "org-1", "uapk-1", "1.0.0"); err != nil {
				t.Fatalf("Revoke: %v", err)
			}
			if _, err := s.Activate(ctx, "org-1", "uapk-1", "1.0.0"); !errors.Is(err, ErrNotActivatable) {
				t.Fatalf("err = %v, want ErrNotActivatable", err)
			}
		})
	}
}

func TestSuspendRemovesActive(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			mustRegister(t, s, "1.0.0")
			if _, err := s.Activate(ctx, "org-1", "uapk-1", "1.0.0"); err != nil {
				t.Fatalf("Activate: %v", err)
			}
			if err := s.Suspend(ctx, "org-1", "uapk-1", "1.0.0"); err != nil {
				t.Fatalf("Suspend: %v", err)
			}
			if _, err := s.GetActive(ctx, "org-1", "uapk-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetActive = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListVersionsNewestFirst(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			for _, v := range []string{"1.0.0", "1.10.0", "1.2.0"} {
				mustRegister(t, s, v)
			}
			got, err := s.ListVersions(ctx, "org-1", "uapk-1")
			if err != nil {
				t.Fatalf("ListVersions: %v", err)
			}
			want := []string{"1.10.0", "1.2.0", "1.0.0"}
			if len(got) != len(want) {
				t.Fatalf("len = %d", len(got))
			}
			for i, w := range want {
				if got[i].Manifest.Version != w {
					t.Fatalf("versions[%d] = %s, want %s", i, got[i].Manifest.Version, w)
				}
			}
		})
	}
}

func TestGetUnknownVersion(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, "org-1", "uapk-1", "9.9.9"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func mustRegister(t *testing.T, s Store, version string) *Stored {
	t.Helper()
	st, err := s.Register(ctx, validManifestJSON(version))
	if err != nil {
		t.Fatalf("Register %s: %v", version, err)
	}
	return st
}
