package crypto

import (
	"errors"
	"fmt"
)

// ErrProductionKeyRequired is returned when the deployment requires an
// externally provided signing key and none was configured.
var ErrProductionKeyRequired = errors.New("crypto: production signing key required but not provided")

// LoadSigner resolves the gateway signing key. seedHex is the hex-encoded
// 32-byte Ed25519 seed from the environment; when empty, an ephemeral key is
// generated unless requireProduction is set.
func LoadSigner(seedHex, keyID string, requireProduction bool) (*Ed25519Signer, error) {
	if seedHex != "" {
		s, err := NewEd25519SignerFromSeed(seedHex, keyID)
		if err != nil {
			return nil, fmt.Errorf("crypto: load signing key: %w", err)
		}
		return s, nil
	}
	if requireProduction {
		return nil, ErrProductionKeyRequired
	}
	return NewEd25519Signer(keyID)
}
