package audit

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentgate/agentgate/pkg/canonicalize"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/crypto"
)

var (
	ctx    = context.Background()
	anchor = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
)

func newSigner(t *testing.T) (*crypto.Ed25519Signer, *crypto.KeySet) {
	t.Helper()
	s, err := crypto.NewEd25519Signer("audit-test")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return s, crypto.NewKeySet(s.PublicKeyBytes())
}

func sampleRecord(i int) *contracts.InteractionRecord {
	return &contracts.InteractionRecord{
		RecordID:    fmt.Sprintf("rec-%d", i),
		Timestamp:   anchor.Add(time.Duration(i) * time.Second),
		OrgID:       "org-1",
		UAPKID:      "uapk-1",
		AgentID:     "agent-7",
		ActionType:  "refund",
		Tool:        "billing",
		RequestHash: canonicalize.HashBytes([]byte(fmt.Sprintf("req-%d", i))),
		Decision:    contracts.OutcomeAllow,
		ReasonCodes: []string{},
	}
}

func appendN(t *testing.T, l *Logger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := l.Append(ctx, fmt.Sprintf("request-%d", i), sampleRecord(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func auditStores(t *testing.T) map[string]Store {
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

func TestRecordHashIgnoresSealFields(t *testing.T) {
	r := sampleRecord(0)
	h1, err := RecordHash(r)
	if err != nil {
		t.Fatalf("RecordHash: %v", err)
	}
	r.RecordHash = "bogus"
	r.RecordSignature = "bogus"
	h2, _ := RecordHash(r)
	if h1 != h2 {
		t.Fatal("hash must not cover record_hash or record_signature")
	}

	r.Decision = contracts.OutcomeDeny
	h3, _ := RecordHash(r)
	if h3 == h1 {
		t.Fatal("hash must cover the decision")
	}
}

func TestAppendChainsAndVerifies(t *testing.T) {
	signer, keys := newSigner(t)
	for name, store := range auditStores(t) {
		t.Run(name, func(t *testing.T) {
			l := NewLogger(store, signer)
			appendN(t, l, 5)

			records, err := store.List(ctx, DefaultStream, 0, 0)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(records) != 5 {
				t.Fatalf("len = %d", len(records))
			}
			if records[0].PreviousRecordHash != canonicalize.ZeroHash {
				t.Fatal("genesis record must chain from the zero hash")
			}
			for i := 1; i < len(records); i++ {
				if records[i].PreviousRecordHash != records[i-1].RecordHash {
					t.Fatalf("record %d not chained to its predecessor", i)
				}
			}

			report, err := VerifyChain(ctx, store, keys, DefaultStream)
			if err != nil {
				t.Fatalf("VerifyChain: %v", err)
			}
			if !report.OK || report.VerifiedCount != 5 || report.FirstFailure != nil {
				t.Fatalf("report = %+v", report)
			}
		})
	}
}

func TestStreamsAreIndependentChains(t *testing.T) {
	signer, keys := newSigner(t)
	store := NewMemoryStore()
	l := NewLogger(store, signer)

	for i := 0; i < 2; i++ {
		a := sampleRecord(i)
		a.Stream = "org:a"
		b := sampleRecord(i + 10)
		b.Stream = "org:b"
		if err := l.Append(ctx, "", a); err != nil {
			t.Fatalf("append a: %v", err)
		}
		if err := l.Append(ctx, "", b); err != nil {
			t.Fatalf("append b: %v", err)
		}
	}

	for _, stream := range []string{"org:a", "org:b"} {
		report, err := VerifyChain(ctx, store, keys, stream)
		if err != nil || !report.OK || report.VerifiedCount != 2 {
			t.Fatalf("stream %s report = %+v, err=%v", stream, report, err)
		}
	}
}

func TestFindByRequestID(t *testing.T) {
	signer, _ := newSigner(t)
	for name, store := range auditStores(t) {
		t.Run(name, func(t *testing.T) {
			l := NewLogger(store, signer)
			appendN(t, l, 3)

			r, err := store.FindByRequestID(ctx, "request-1")
			if err != nil {
				t.Fatalf("FindByRequestID: %v", err)
			}
			if r.RecordID != "rec-1" {
				t.Fatalf("record = %s", r.RecordID)
			}
			if _, err := store.FindByRequestID(ctx, "request-99"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListPagination(t *testing.T) {
	signer, _ := newSigner(t)
	for name, store := range auditStores(t) {
		t.Run(name, func(t *testing.T) {
			l := NewLogger(store, signer)
			appendN(t, l, 5)

			page, err := store.List(ctx, DefaultStream, 1, 2)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(page) != 2 || page[0].RecordID != "rec-1" || page[1].RecordID != "rec-2" {
				t.Fatalf("page = %+v", page)
			}
			empty, _ := store.List(ctx, DefaultStream, 10, 2)
			if len(empty) != 0 {
				t.Fatalf("past-end page = %+v", empty)
			}
		})
	}
}

func TestVerifyChainDetectsContentTampering(t *testing.T) {
	signer, keys := newSigner(t)
	store := NewMemoryStore()
	l := NewLogger(store, signer)
	appendN(t, l, 4)

	store.Tamper(DefaultStream, 2, func(r *contracts.InteractionRecord) {
		r.Decision = contracts.OutcomeDeny
	})

	report, err := VerifyChain(ctx, store, keys, DefaultStream)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if report.OK {
		t.Fatal("tampered chain reported clean")
	}
	if report.FirstFailure == nil || report.FirstFailure.Index != 2 || report.FirstFailure.Code != FailHashMismatch {
		t.Fatalf("first failure = %+v", report.FirstFailure)
	}
	if report.VerifiedCount != 2 {
		t.Fatalf("verified = %d, want 2", report.VerifiedCount)
	}
}

func TestVerifyChainDetectsResigning(t *testing.T) {
	signer, keys := newSigner(t)
	forger, _ := crypto.NewEd25519Signer("forger")
	store := NewMemoryStore()
	l := NewLogger(store, signer)
	appendN(t, l, 3)

	// A forger who fixes the hash still cannot produce an accepted signature.
	store.Tamper(DefaultStream, 1, func(r *contracts.InteractionRecord) {
		r.ActionType = "wire_transfer"
		h, _ := RecordHash(r)
		r.RecordHash = h
		r.RecordSignature = forger.Sign([]byte(h))
	})

	report, _ := VerifyChain(ctx, store, keys, DefaultStream)
	if report.OK || report.FirstFailure == nil {
		t.Fatal("forged record reported clean")
	}
	// Fixing record 1's hash breaks record 2's linkage, but verification
	// stops at record 1 first.
	if report.FirstFailure.Index != 1 || report.FirstFailure.Code != FailSignatureInvalid {
		t.Fatalf("first failure = %+v", report.FirstFailure)
	}
}

func TestVerifyChainDetectsBrokenLinkage(t *testing.T) {
	signer, keys := newSigner(t)
	store := NewMemoryStore()
	l := NewLogger(store, signer)
	appendN(t, l, 3)

	store.Tamper(DefaultStream, 2, func(r *contracts.InteractionRecord) {
		r.PreviousRecordHash = canonicalize.ZeroHash
		// Re-seal so only the linkage is wrong.
		_ = Seal(signer, r)
	})

	report, _ := VerifyChain(ctx, store, keys, DefaultStream)
	if report.OK || report.FirstFailure == nil {
		t.Fatal("broken chain reported clean")
	}
	if report.FirstFailure.Index != 2 || report.FirstFailure.Code != FailChainBroken {
		t.Fatalf("first failure = %+v", report.FirstFailure)
	}
}

func TestAppendRejectsStaleTail(t *testing.T) {
	signer, _ := newSigner(t)
	for name, store := range auditStores(t) {
		t.Run(name, func(t *testing.T) {
			l := NewLogger(store, signer)
			appendN(t, l, 2)

			stale := sampleRecord(9)
			stale.Stream = DefaultStream
			stale.PreviousRecordHash = canonicalize.ZeroHash
			if err := Seal(signer, stale); err != nil {
				t.Fatalf("Seal: %v", err)
			}
			if err := store.Append(ctx, "", stale); !errors.Is(err, ErrChainConflict) {
				t.Fatalf("err = %v, want ErrChainConflict", err)
			}
		})
	}
}

func TestExportIsDeterministic(t *testing.T) {
	signer, keys := newSigner(t)
	store := NewMemoryStore()
	l := NewLogger(store, signer)
	appendN(t, l, 3)

	opts := ExportOptions{
		Stream:           DefaultStream,
		GeneratedAt:      anchor,
		ManifestSnapshot: []byte(`{"version":"1.0.0"}`),
	}
	b1, report, err := Export(ctx, store, keys, signer, opts)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !report.OK || report.VerifiedCount != 3 {
		t.Fatalf("report = %+v", report)
	}
	b2, _, err := Export(ctx, store, keys, signer, opts)
	if err != nil {
		t.Fatalf("Export again: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatal("re-export of the same stream state produced different bytes")
	}
}

func TestVerifyBundle(t *testing.T) {
	signer, keys := newSigner(t)
	store := NewMemoryStore()
	l := NewLogger(store, signer)
	appendN(t, l, 2)

	bundle, _, err := Export(ctx, store, keys, signer, ExportOptions{GeneratedAt: anchor})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	report, err := VerifyBundle(bundle, keys)
	if err != nil {
		t.Fatalf("VerifyBundle: %v", err)
	}
	if !report.OK || report.VerifiedCount != 2 {
		t.Fatalf("report = %+v", report)
	}

	stranger, _ := crypto.NewEd25519Signer("stranger")
	if _, err := VerifyBundle(bundle, crypto.NewKeySet(stranger.PublicKeyBytes())); err == nil {
		t.Fatal("bundle verified against the wrong keyset")
	}

	// Flipping any byte of the archive must be detected.
	tampered := append([]byte(nil), bundle...)
	tampered[len(tampered)/2] ^= 0xff
	if _, err := VerifyBundle(tampered, keys); err == nil {
		t.Fatal("tampered bundle verified")
	}
}
