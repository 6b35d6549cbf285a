// Package token issues and verifies the gateway's EdDSA credentials:
// capability tokens minted by registered issuers, and single-use override
// tokens minted by the gateway itself after a human approval.
package token

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// ErrUnknownIssuer is returned when a capability token names an issuer whose
// public key has not been registered.
var ErrUnknownIssuer = errors.New("token: unknown issuer")

// IssuerRegistry maps capability-token issuers to their public keys.
type IssuerRegistry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewIssuerRegistry creates an empty registry.
func NewIssuerRegistry() *IssuerRegistry {
	return &IssuerRegistry{keys: make(map[string]ed25519.PublicKey)}
}

// Register publishes the public key for an issuer, replacing any prior key.
func (r *IssuerRegistry) Register(iss string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[iss] = pub
}

// Lookup returns the public key for an issuer.
func (r *IssuerRegistry) Lookup(iss string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[iss]
	if !ok {
		return nil, ErrUnknownIssuer
	}
	return pub, nil
}

// SHA256Hex returns the hex SHA-256 of a token string. Approvals store this
// hash, never the token itself.
func SHA256Hex(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
