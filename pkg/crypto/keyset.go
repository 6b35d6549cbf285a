package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
)

// KeySet holds the public keys accepted for verification. Rotation publishes
// a new key while the old ones remain valid for historical records.
type KeySet struct {
	mu   sync.RWMutex
	keys []ed25519.PublicKey
}

// NewKeySet creates a keyset from the given public keys.
func NewKeySet(keys ...ed25519.PublicKey) *KeySet {
	ks := &KeySet{}
	ks.keys = append(ks.keys, keys...)
	return ks
}

// NewKeySetFromHex builds a keyset from hex-encoded public keys.
func NewKeySetFromHex(hexKeys ...string) (*KeySet, error) {
	ks := &KeySet{}
	for _, h := range hexKeys {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("invalid public key hex: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid public key size %d", len(raw))
		}
		ks.keys = append(ks.keys, ed25519.PublicKey(raw))
	}
	return ks, nil
}

// Add publishes another public key to the verification set.
func (k *KeySet) Add(pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, pub)
}

// Verify reports whether any key in the set verifies the signature.
func (k *KeySet) Verify(message, signature []byte) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, pub := range k.keys {
		if ed25519.Verify(pub, message, signature) {
			return true
		}
	}
	return false
}

// VerifyHex verifies a hex-encoded signature.
func (k *KeySet) VerifyHex(message []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return k.Verify(message, sig)
}

// Keys returns a snapshot of the raw public keys, oldest first.
func (k *KeySet) Keys() []ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]ed25519.PublicKey, len(k.keys))
	copy(out, k.keys)
	return out
}

// PublicKeysHex returns the hex-encoded keys, oldest first.
func (k *KeySet) PublicKeysHex() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for _, pub := range k.keys {
		out = append(out, hex.EncodeToString(pub))
	}
	return out
}
