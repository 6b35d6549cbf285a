package contracts

import "time"

// InteractionRecord is one immutable, hash-chained, signed audit entry.
//
// RecordHash covers the canonical JSON of every field except record_hash and
// record_signature. PreviousRecordHash links to the prior record in the same
// stream; the first record uses canonicalize.ZeroHash.
type InteractionRecord struct {
	RecordID           string    `json:"record_id"`
	Stream             string    `json:"stream"`
	Timestamp          time.Time `json:"timestamp"`
	OrgID              string    `json:"org_id"`
	UAPKID             string    `json:"uapk_id"`
	AgentID            string    `json:"agent_id"`
	UserID             string    `json:"user_id,omitempty"`
	ActionType         string    `json:"action_type"`
	Tool               string    `json:"tool"`
	RequestHash        string    `json:"request_hash"`
	Decision           Outcome   `json:"decision"`
	ReasonCodes        []string  `json:"reason_codes"`
	PolicyTraceHash    string    `json:"policy_trace_hash"`
	ResultHash         string    `json:"result_hash"`
	PreviousRecordHash string    `json:"previous_record_hash"`
	RecordHash         string    `json:"record_hash"`
	RecordSignature    string    `json:"record_signature"`
}
