package approval

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentgate/agentgate/pkg/contracts"
)

var (
	ctx    = context.Background()
	anchor = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
)

func pendingApproval(id string) *contracts.Approval {
	return &contracts.Approval{
		ID:                id,
		OrgID:             "org-1",
		UAPKID:            "uapk-1",
		AgentID:           "agent-7",
		ActionFingerprint: "fp-" + id,
		ParamsSnapshot:    map[string]interface{}{"amount": 500.0},
		Reason:            "REQUIRES_APPROVAL",
		CreatedAt:         anchor,
		ExpiresAt:         anchor.Add(24 * time.Hour),
	}
}

func stores(t *testing.T) map[string]Store {
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

func TestCreatePendingIsIdempotentByBinding(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a := pendingApproval("a1")
			first, err := s.CreatePending(ctx, a)
			if err != nil {
				t.Fatalf("CreatePending: %v", err)
			}

			dup := pendingApproval("a2")
			dup.ActionFingerprint = a.ActionFingerprint
			second, err := s.CreatePending(ctx, dup)
			if err != nil {
				t.Fatalf("CreatePending dup: %v", err)
			}
			if second.ID != first.ID {
				t.Fatalf("duplicate binding created a new approval: %s vs %s", second.ID, first.ID)
			}

			other := pendingApproval("a3")
			third, err := s.CreatePending(ctx, other)
			if err != nil {
				t.Fatalf("CreatePending other: %v", err)
			}
			if third.ID == first.ID {
				t.Fatal("distinct fingerprint should create a new approval")
			}
		})
	}
}

func TestDecideLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := s.CreatePending(ctx, pendingApproval("d1"))

			decided, err := s.Decide(ctx, a.ID, "op-1", true, "looks fine", "hash-1", anchor.Add(time.Minute))
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if decided.Status != contracts.ApprovalApproved {
				t.Fatalf("status = %s", decided.Status)
			}
			if decided.OverrideTokenHash != "hash-1" || decided.DecidedBy != "op-1" {
				t.Fatalf("decided = %+v", decided)
			}

			if _, err := s.Decide(ctx, a.ID, "op-2", false, "", "", anchor.Add(2*time.Minute)); !errors.Is(err, ErrNotPending) {
				t.Fatalf("second decide err = %v, want ErrNotPending", err)
			}
			if _, err := s.Decide(ctx, "missing", "op-1", true, "", "h", anchor); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing decide err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestDecideExpired(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := s.CreatePending(ctx, pendingApproval("e1"))
			_, err := s.Decide(ctx, a.ID, "op-1", true, "", "h", anchor.Add(25*time.Hour))
			if !errors.Is(err, ErrExpired) {
				t.Fatalf("err = %v, want ErrExpired", err)
			}
		})
	}
}

func TestConsumeTransitions(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := s.CreatePending(ctx, pendingApproval("c1"))

			res, err := s.Consume(ctx, a.ID, "hash-1", anchor)
			if err != nil || res != ConsumeNotApproved {
				t.Fatalf("consume pending = %s, err=%v", res, err)
			}

			if _, err := s.Decide(ctx, a.ID, "op-1", true, "", "hash-1", anchor.Add(time.Minute)); err != nil {
				t.Fatalf("Decide: %v", err)
			}

			res, err = s.Consume(ctx, a.ID, "wrong-hash", anchor.Add(2*time.Minute))
			if err != nil || res != ConsumeTokenMismatch {
				t.Fatalf("wrong hash = %s, err=%v", res, err)
			}

			res, err = s.Consume(ctx, a.ID, "hash-1", anchor.Add(2*time.Minute))
			if err != nil || res != ConsumeOK {
				t.Fatalf("consume = %s, err=%v", res, err)
			}

			res, err = s.Consume(ctx, a.ID, "hash-1", anchor.Add(3*time.Minute))
			if err != nil || res != ConsumeAlreadyConsumed {
				t.Fatalf("replay = %s, err=%v", res, err)
			}

			got, _ := s.Get(ctx, a.ID)
			if got.Status != contracts.ApprovalConsumed || got.ConsumedAt == nil {
				t.Fatalf("final approval = %+v", got)
			}
		})
	}
}

func TestConsumeExactlyOnceUnderConcurrency(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := s.CreatePending(ctx, pendingApproval("cc1"))
			if _, err := s.Decide(ctx, a.ID, "op-1", true, "", "hash-1", anchor.Add(time.Minute)); err != nil {
				t.Fatalf("Decide: %v", err)
			}

			const workers = 16
			var wg sync.WaitGroup
			results := make(chan ConsumeResult, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := s.Consume(ctx, a.ID, "hash-1", anchor.Add(2*time.Minute))
					if err != nil {
						t.Errorf("Consume: %v", err)
						return
					}
					results <- res
				}()
			}
			wg.Wait()
			close(results)

			okCount := 0
			for res := range results {
				if res == ConsumeOK {
					okCount++
				} else if res != ConsumeAlreadyConsumed {
					t.Fatalf("unexpected result %s", res)
				}
			}
			if okCount != 1 {
				t.Fatalf("ConsumeOK count = %d, want exactly 1", okCount)
			}
		})
	}
}

func TestSweepExpired(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := s.CreatePending(ctx, pendingApproval("s1"))
			b, _ := s.CreatePending(ctx, pendingApproval("s2"))
			if _, err := s.Decide(ctx, b.ID, "op-1", false, "no", "", anchor.Add(time.Minute)); err != nil {
				t.Fatalf("Decide: %v", err)
			}

			n, err := s.SweepExpired(ctx, anchor.Add(25*time.Hour))
			if err != nil {
				t.Fatalf("SweepExpired: %v", err)
			}
			if n != 1 {
				t.Fatalf("swept = %d, want 1", n)
			}
			got, _ := s.Get(ctx, a.ID)
			if got.Status != contracts.ApprovalExpired {
				t.Fatalf("status = %s", got.Status)
			}
		})
	}
}
