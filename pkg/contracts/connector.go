package contracts

import "time"

// Connector fault kinds.
const (
	ConnectorFaultSSRF        = "SSRF"
	ConnectorFaultNetwork     = "NETWORK"
	ConnectorFaultTLS         = "TLS"
	ConnectorFaultTimeout     = "TIMEOUT"
	ConnectorFaultSize        = "SIZE"
	ConnectorFaultRateLimited = "RATE_LIMITED"
)

// SSRF rejection reasons.
const (
	SSRFAllowlist = "ALLOWLIST"
	SSRFPrivateIP = "PRIVATE_IP"
	SSRFScheme    = "SCHEME"
	SSRFDNSDrift  = "DNS_DRIFT"
)

// ConnectorError is a typed fault from the connector framework. Policy-level
// outcomes never use this; it covers network, TLS, size, timeout, and SSRF
// rejections only.
type ConnectorError struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (e *ConnectorError) Error() string {
	if e.Reason != "" {
		return e.Kind + "{" + e.Reason + "}: " + e.Detail
	}
	return e.Kind + ": " + e.Detail
}

// ConnectorResult is the bounded outcome of one outbound call. Non-2xx
// statuses are results, not errors.
type ConnectorResult struct {
	Status    int                 `json:"status"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      []byte              `json:"body,omitempty"`
	Truncated bool                `json:"truncated"`
	Duration  time.Duration       `json:"duration_ns"`
	// Ambiguous marks network failures after the request may have been
	// sent; the action is recorded as completed with unknown result.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// ExecutionOutcome is what Execute returns to the frontend.
type ExecutionOutcome struct {
	Decision *Decision        `json:"decision"`
	Result   *ConnectorResult `json:"result,omitempty"`
	RecordID string           `json:"record_id"`
	// Replayed is set when the request_id matched a previous execution and
	// the stored record was returned without re-calling the connector.
	Replayed bool `json:"replayed,omitempty"`
}
