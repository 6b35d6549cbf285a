// Package audit maintains the hash-chained, signed interaction log. Every
// decision the gateway makes lands here as an InteractionRecord; the chain
// makes silent deletion or reordering detectable, the signatures make
// fabrication detectable.
package audit

import (
	"encoding/json"
	"fmt"

	"github.com/agentgate/agentgate/pkg/canonicalize"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/crypto"
)

// DefaultStream is the stream used when the caller does not pick one.
const DefaultStream = "global"

// RecordHash computes the canonical hash of a record, excluding the
// record_hash and record_signature fields themselves.
func RecordHash(r *contracts.InteractionRecord) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("audit: marshal record: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("audit: remarshal record: %w", err)
	}
	delete(m, "record_hash")
	delete(m, "record_signature")
	return canonicalize.CanonicalHash(m)
}

// Seal computes and fills the record hash and signature in place. The
// previous_record_hash must already be set.
func Seal(signer crypto.Signer, r *contracts.InteractionRecord) error {
	hash, err := RecordHash(r)
	if err != nil {
		return err
	}
	r.RecordHash = hash
	r.RecordSignature = signer.Sign([]byte(hash))
	return nil
}

// VerifyRecord checks a single record's hash and signature against the
// accepted keyset. It does not check chain linkage; see VerifyChain.
func VerifyRecord(keys *crypto.KeySet, r *contracts.InteractionRecord) error {
	hash, err := RecordHash(r)
	if err != nil {
		return err
	}
	if hash != r.RecordHash {
		return fmt.Errorf("audit: record %s hash mismatch", r.RecordID)
	}
	if !keys.VerifyHex([]byte(hash), r.RecordSignature) {
		return fmt.Errorf("audit: record %s signature invalid", r.RecordID)
	}
	return nil
}
