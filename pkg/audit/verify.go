package audit

import (
	"context"

	"github.com/agentgate/agentgate/pkg/canonicalize"
	"github.com/agentgate/agentgate/pkg/crypto"
)

// Failure codes reported by chain verification.
const (
	FailHashMismatch     = "HASH_MISMATCH"
	FailSignatureInvalid = "SIGNATURE_INVALID"
	FailChainBroken      = "CHAIN_BROKEN"
)

// Failure pinpoints the first record at which verification failed.
type Failure struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id"`
	Code     string `json:"code"`
	Detail   string `json:"detail,omitempty"`
}

// Report is the result of verifying one stream end to end.
type Report struct {
	Stream        string   `json:"stream"`
	OK            bool     `json:"ok"`
	VerifiedCount int      `json:"verified_count"`
	FirstFailure  *Failure `json:"first_failure,omitempty"`
}

// VerifyChain walks a stream from its genesis record and checks, per record,
// the chain linkage, the content hash, and the signature. Verification stops
// at the first failure; records before it are reported as verified.
func VerifyChain(ctx context.Context, store Store, keys *crypto.KeySet, stream string) (*Report, error) {
	records, err := store.List(ctx, stream, 0, 0)
	if err != nil {
		return nil, err
	}

	report := &Report{Stream: stream, OK: true}
	prev := canonicalize.ZeroHash
	for i, r := range records {
		if r.PreviousRecordHash != prev {
			report.OK = false
			report.FirstFailure = &Failure{
				Index: i, RecordID: r.RecordID, Code: FailChainBroken,
				Detail: "previous_record_hash does not match prior record",
			}
			return report, nil
		}

		hash, err := RecordHash(r)
		if err != nil {
			return nil, err
		}
		if hash != r.RecordHash {
			report.OK = false
			report.FirstFailure = &Failure{
				Index: i, RecordID: r.RecordID, Code: FailHashMismatch,
				Detail: "stored record_hash does not match content",
			}
			return report, nil
		}
		if !keys.VerifyHex([]byte(hash), r.RecordSignature) {
			report.OK = false
			report.FirstFailure = &Failure{
				Index: i, RecordID: r.RecordID, Code: FailSignatureInvalid,
				Detail: "signature does not verify against any published key",
			}
			return report, nil
		}

		prev = r.RecordHash
		report.VerifiedCount++
	}
	return report, nil
}
