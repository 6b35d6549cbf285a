package contracts

// Counterparty identifies the external party an action is directed at.
type Counterparty struct {
	ID           string `json:"id,omitempty"`
	Host         string `json:"host,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// Action is a single operation an agent proposes to perform through a tool.
type Action struct {
	Type         string                 `json:"type"`
	Tool         string                 `json:"tool"`
	Params       map[string]interface{} `json:"params,omitempty"`
	Amount       *float64               `json:"amount,omitempty"`
	Currency     string                 `json:"currency,omitempty"`
	Counterparty *Counterparty          `json:"counterparty,omitempty"`
}

// EvalContext carries the caller identity and credentials for one request.
type EvalContext struct {
	OrgID           string `json:"org_id"`
	UAPKID          string `json:"uapk_id"`
	AgentID         string `json:"agent_id"`
	UserID          string `json:"user_id,omitempty"`
	CapabilityToken string `json:"capability_token,omitempty"`
	OverrideToken   string `json:"override_token,omitempty"`
	RequestID       string `json:"request_id"`
}
