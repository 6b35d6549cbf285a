package contracts

import "time"

// ApprovalStatus is the lifecycle state of a human-in-the-loop approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
	ApprovalConsumed ApprovalStatus = "CONSUMED"
)

// Approval is the record created when an evaluation escalates. An APPROVED
// approval backs exactly one single-use override token; consuming the token
// transitions the approval to CONSUMED.
type Approval struct {
	ID                string                 `json:"id"`
	OrgID             string                 `json:"org_id"`
	UAPKID            string                 `json:"uapk_id"`
	AgentID           string                 `json:"agent_id"`
	ActionFingerprint string                 `json:"action_fingerprint"`
	ParamsSnapshot    map[string]interface{} `json:"params_snapshot,omitempty"`
	Status            ApprovalStatus         `json:"status"`
	Reason            string                 `json:"reason,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	ExpiresAt         time.Time              `json:"expires_at"`
	DecidedBy         string                 `json:"decided_by,omitempty"`
	DecidedAt         *time.Time             `json:"decided_at,omitempty"`
	OverrideTokenHash string                 `json:"override_token_hash,omitempty"`
	ConsumedAt        *time.Time             `json:"consumed_at,omitempty"`
}
