package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/crypto"
)

// appendRetries bounds how often an append retries after losing a tail race
// to a writer outside this process.
const appendRetries = 3

// Logger seals and appends interaction records. Appends to the same stream
// are serialized in-process; the store's compare-and-swap covers writers in
// other processes.
type Logger struct {
	store  Store
	signer crypto.Signer

	mu      sync.Mutex
	streams map[string]*sync.Mutex
}

// NewLogger creates a logger writing sealed records through store.
func NewLogger(store Store, signer crypto.Signer) *Logger {
	return &Logger{
		store:   store,
		signer:  signer,
		streams: make(map[string]*sync.Mutex),
	}
}

func (l *Logger) streamLock(stream string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.streams[stream]
	if !ok {
		m = &sync.Mutex{}
		l.streams[stream] = m
	}
	return m
}

// Append links r to the current stream tail, seals it, and stores it. The
// caller fills every field except stream default, previous_record_hash,
// record_hash, and record_signature. On success r carries the sealed values.
func (l *Logger) Append(ctx context.Context, requestID string, r *contracts.InteractionRecord) error {
	if r.Stream == "" {
		r.Stream = DefaultStream
	}

	lock := l.streamLock(r.Stream)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		tail, err := l.store.TailHash(ctx, r.Stream)
		if err != nil {
			return err
		}
		r.PreviousRecordHash = tail
		if err := Seal(l.signer, r); err != nil {
			return err
		}

		err = l.store.Append(ctx, requestID, r)
		if err == nil {
			return nil
		}
		if err != ErrChainConflict {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("audit: append lost tail race %d times: %w", appendRetries, lastErr)
}

// Store exposes the backing store for verification and export.
func (l *Logger) Store() Store { return l.store }

// PublicKey returns the hex public key records are currently signed with.
func (l *Logger) PublicKey() string { return l.signer.PublicKey() }
