package contracts

import "encoding/json"

// ManifestStatus is the lifecycle state of a manifest version.
type ManifestStatus string

const (
	ManifestDraft     ManifestStatus = "DRAFT"
	ManifestActive    ManifestStatus = "ACTIVE"
	ManifestSuspended ManifestStatus = "SUSPENDED"
	ManifestRevoked   ManifestStatus = "REVOKED"
)

// ToolKind discriminates the connector used to execute a tool.
type ToolKind string

const (
	ToolHTTP    ToolKind = "http"
	ToolWebhook ToolKind = "webhook"
	ToolMock    ToolKind = "mock"
)

// ToolAuth names the secret injected into outbound calls for a tool.
type ToolAuth struct {
	Scheme     string `json:"scheme"`
	SecretName string `json:"secret_name"`
}

// ToolConfig is the connector configuration for one tool.
type ToolConfig struct {
	Method             string   `json:"method,omitempty"`
	BaseURL            string   `json:"base_url,omitempty"`
	URL                string   `json:"url,omitempty"`
	AllowedDomains     []string `json:"allowed_domains,omitempty"`
	Auth               *ToolAuth `json:"auth,omitempty"`
	TimeoutSeconds     int      `json:"timeout_seconds,omitempty"`
	AllowHTTP          bool     `json:"allow_http,omitempty"`
	FollowRedirects    bool     `json:"follow_redirects,omitempty"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute,omitempty"`
}

// ToolSpec is the tagged union {kind, config} for a manifest tool entry.
type ToolSpec struct {
	Kind   ToolKind   `json:"kind"`
	Config ToolConfig `json:"config"`
}

// Budget declares per-window action count limits. Zero means unlimited.
type Budget struct {
	Daily  int64 `json:"daily,omitempty"`
	Hourly int64 `json:"hourly,omitempty"`
}

// ApprovalThreshold forces escalation when an action matches all of its
// populated selectors.
type ApprovalThreshold struct {
	ActionTypes []string `json:"action_types,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Amount      *float64 `json:"amount,omitempty"`
	Currency    string   `json:"currency,omitempty"`
}

// PolicyRule is a CEL expression evaluated against the action and context.
// Effect is "deny" or "escalate"; Code is the reason code surfaced on match.
type PolicyRule struct {
	Name   string `json:"name"`
	Expr   string `json:"expr"`
	Effect string `json:"effect"`
	Code   string `json:"code"`
}

// Policy holds the declarative controls of a manifest.
type Policy struct {
	Budgets                map[string]Budget  `json:"budgets,omitempty"`
	CounterpartyAllow      []string           `json:"counterparty_allow,omitempty"`
	CounterpartyDeny       []string           `json:"counterparty_deny,omitempty"`
	JurisdictionAllow      []string           `json:"jurisdiction_allow,omitempty"`
	ToolAllow              []string           `json:"tool_allow,omitempty"`
	ToolDeny               []string           `json:"tool_deny,omitempty"`
	AmountCaps             map[string]float64 `json:"amount_caps,omitempty"`
	ApprovalThresholds     []ApprovalThreshold `json:"approval_thresholds,omitempty"`
	RequireCapabilityToken bool               `json:"require_capability_token,omitempty"`
	Rules                  []PolicyRule       `json:"rules,omitempty"`
}

// HourWindow is an inclusive UTC hour range; Start may exceed End to wrap
// past midnight (e.g. 22–06).
type HourWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether hour (0–23, UTC) falls inside the window.
func (w HourWindow) Contains(hour int) bool {
	if w.Start <= w.End {
		return hour >= w.Start && hour <= w.End
	}
	return hour >= w.Start || hour <= w.End
}

// Constraints are agent-declared operating limits.
type Constraints struct {
	MaxActionsPerDay     int64       `json:"max_actions_per_day,omitempty"`
	MaxActionsPerHour    int64       `json:"max_actions_per_hour,omitempty"`
	RequireHumanApproval []string    `json:"require_human_approval,omitempty"`
	AllowedHours         *HourWindow `json:"allowed_hours,omitempty"`
}

// Manifest is the immutable, versioned policy document for one (org, uapk).
type Manifest struct {
	Version               string                     `json:"version"`
	UAPKID                string                     `json:"uapk_id"`
	OrgID                 string                     `json:"org_id"`
	Tools                 map[string]ToolSpec        `json:"tools"`
	CapabilitiesRequested []string                   `json:"capabilities_requested"`
	Constraints           Constraints                `json:"constraints,omitempty"`
	Policy                Policy                     `json:"policy,omitempty"`
	Status                ManifestStatus             `json:"status"`
	Extensions            map[string]json.RawMessage `json:"extensions,omitempty"`
}

// RequiresHumanApproval reports whether actionType is listed in the
// manifest constraints.
func (m *Manifest) RequiresHumanApproval(actionType string) bool {
	for _, t := range m.Constraints.RequireHumanApproval {
		if t == actionType {
			return true
		}
	}
	return false
}
