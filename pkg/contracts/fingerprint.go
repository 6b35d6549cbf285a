package contracts

import "github.com/agentgate/agentgate/pkg/canonicalize"

// ActionFingerprint computes the SHA-256 of the canonical JSON of the fields
// that bind an override token to one specific action. Two actions with the
// same fingerprint are interchangeable for approval purposes.
func ActionFingerprint(uapkID string, a Action) (string, error) {
	binding := map[string]interface{}{
		"uapk_id":     uapkID,
		"action_type": a.Type,
		"tool":        a.Tool,
	}
	if a.Amount != nil {
		binding["amount"] = *a.Amount
	}
	if a.Currency != "" {
		binding["currency"] = a.Currency
	}
	if a.Counterparty != nil && a.Counterparty.Host != "" {
		binding["counterparty_host"] = a.Counterparty.Host
	}
	return canonicalize.CanonicalHash(binding)
}
